package p2p

import "math/rand"

// sampleNodes draws a uniform sample of size n from nodes without
// replacement. If there are fewer nodes than n, the whole slice is returned
// unchanged (spec §4.6, §8 round-trip law). Reproducibility is not
// required, matching Session.cpp's randomSelection, which seeds off the
// process-global C rand().
func sampleNodes(nodes []*Node, n int) []*Node {
	if len(nodes) <= n {
		return nodes
	}
	ret := make([]*Node, len(nodes))
	copy(ret, nodes)
	for len(ret) > n {
		i := rand.Intn(len(ret))
		ret[i] = ret[len(ret)-1]
		ret = ret[:len(ret)-1]
	}
	return ret
}

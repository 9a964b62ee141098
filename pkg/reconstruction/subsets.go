package reconstruction

import "tomofista/pkg/tomoerr"

// Partition splits n angle indices into k interleaved subsets: subset j holds
// j, j+k, j+2k, ... Interleaving gives every subset a near-uniform angular
// coverage. k of 0 or 1 returns the single classic subset.
func Partition(n, k int) ([][]int, error) {
	if n <= 0 {
		return nil, tomoerr.Configf("cannot partition %d angles", n)
	}
	if k < 0 {
		return nil, tomoerr.Configf("OS_number must be non-negative, got %d", k)
	}
	if k <= 1 {
		k = 1
	}
	if k > n {
		return nil, tomoerr.Configf("OS_number %d exceeds the %d available angles", k, n)
	}

	subsets := make([][]int, k)
	for j := range subsets {
		subsets[j] = make([]int, 0, (n-j+k-1)/k)
		for a := j; a < n; a += k {
			subsets[j] = append(subsets[j], a)
		}
	}
	return subsets, nil
}

package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// ErrTooFewRows is returned when rows are not enough to have both of train and test sets.
var ErrTooFewRows = errors.New("too few rows to split")

// Split row indexes into train and test sets.
//
// ceil(n * testSize) rows go to the test set. The same seed gives the same split.
//
// # Args
//
// - n: number of rows.
//
// - testSize: fraction of the test set, in (0, 1).
//
// - seed: seed of the shuffle.
func Split(n int, testSize float64, seed int64) (train []int, test []int, err error) {
	if !(0 < testSize && testSize < 1) {
		return nil, nil, fmt.Errorf("test size should be in (0, 1): %v", testSize)
	}
	nTest := int(math.Ceil(float64(n) * testSize))
	if nTest < 1 || n <= nTest {
		return nil, nil, fmt.Errorf("%w: %d rows with test size %v", ErrTooFewRows, n, testSize)
	}

	perm := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15)).Perm(n)
	return perm[nTest:], perm[:nTest], nil
}

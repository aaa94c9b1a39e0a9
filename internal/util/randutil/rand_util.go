package randutil

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Intn is a shortcut for generating a random integer between 0 and max using
// crypto/rand.
func Intn(max int64) int64 {
	nBig, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		panic(fmt.Sprintf("error generating random int: %v", err))
	}
	return nBig.Int64()
}

// String produces a string of length n with each character drawn uniformly
// from alphabet. Panics on an empty alphabet.
func String(alphabet string, n int) string {
	if alphabet == "" {
		panic("randutil: empty alphabet")
	}

	runes := []rune(alphabet)

	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteRune(runes[Intn(int64(len(runes)))])
	}
	return sb.String()
}

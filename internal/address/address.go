// Package address generates the synthetic addresses used by escrow
// transactions, shell wallets and mixing destinations. None of them are
// valid on any real network.
package address

import (
	"crypto/rand"
	"regexp"

	"github.com/mr-tron/base58"
)

const (
	// LegacyLength is the total length of an escrow or wallet address.
	LegacyLength = 34
	// SegwitLength is the total length of a mixing destination address.
	SegwitLength = 42

	segwitPrefix   = "bc1"
	segwitAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	legacyRegex = regexp.MustCompile(`^1[1-9A-HJ-NP-Za-km-z]{33}$`)
	segwitRegex = regexp.MustCompile(`^bc1[a-z0-9]{39}$`)
)

// Legacy returns "1" followed by 33 base58 characters.
func Legacy() string {
	for {
		enc := base58.Encode(randomBytes(32))
		if len(enc) >= LegacyLength-1 {
			return "1" + enc[:LegacyLength-1]
		}
	}
}

// Segwit returns "bc1" followed by 39 lowercase alphanumerics.
func Segwit() string {
	n := SegwitLength - len(segwitPrefix)
	b := randomBytes(n)
	out := make([]byte, n)
	for i := range b {
		// 252 is the largest multiple of 36 below 256; reject above it to stay uniform.
		for b[i] >= 252 {
			b[i] = randomBytes(1)[0]
		}
		out[i] = segwitAlphabet[int(b[i])%len(segwitAlphabet)]
	}
	return segwitPrefix + string(out)
}

// IsLegacy reports whether addr has the escrow/wallet address format.
func IsLegacy(addr string) bool {
	return legacyRegex.MatchString(addr)
}

// IsSegwit reports whether addr has the mixing destination format.
func IsSegwit(addr string) bool {
	return segwitRegex.MatchString(addr)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// Package fairness derives provably-fair crash points and their commitments.
//
// The scheme is commit/reveal: before a round starts climbing, the engine
// publishes sha256(seed + roundNumber). After the round crashes it reveals
// the raw seed, letting any observer recompute the crash point and check it
// against the commitment.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// MaxCrashPoint caps the derived multiplier.
const MaxCrashPoint = 100.00

// CrashPoint deterministically derives the crash multiplier for a round.
//
// The first 4 bytes of sha256(seed + decimal(roundNumber)), read big-endian,
// select one of 10000 equally likely two-decimal outcomes in [1.00, 100.00].
func CrashPoint(seed string, roundNumber int64) float64 {
	sum := preimageHash(seed, roundNumber)
	v := binary.BigEndian.Uint32(sum[:4])
	crashPoint := 1 + float64(v%10000)/100.0
	if crashPoint > MaxCrashPoint {
		return MaxCrashPoint
	}
	return crashPoint
}

// Commitment is the hex hash published at round start, before the seed is
// revealed.
func Commitment(seed string, roundNumber int64) string {
	sum := preimageHash(seed, roundNumber)
	return hex.EncodeToString(sum[:])
}

// SeedHash is the hex hash of the seed alone, published pre-reveal so the
// seed can be authenticated once disclosed.
func SeedHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes a revealed round and reports whether the crash point
// matches the published commitment.
func Verify(seed string, roundNumber int64, commitment string, crashPoint float64) bool {
	if Commitment(seed, roundNumber) != commitment {
		return false
	}
	return CrashPoint(seed, roundNumber) == crashPoint
}

// NewSeed generates a random 32-byte hex server seed.
func NewSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func preimageHash(seed string, roundNumber int64) [sha256.Size]byte {
	return sha256.Sum256([]byte(seed + strconv.FormatInt(roundNumber, 10)))
}

package literals

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"strings"
)

// SeedSize is the length of an encoding seed.
const SeedSize = 32

const keyContext = "constprot/literals:v1"

// Key expands a per-run seed into every secret of a protection run:
// keystream seeds, id-mask round keys, table masks and the deterministic
// random sources that shape generated code. Each derivation consumes a
// counter, so the same seed and call order always yield the same material.
type Key struct {
	seed    []byte
	counter uint64
}

// NewKey constructs a key from a SeedSize-byte seed.
func NewKey(seed []byte) (*Key, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	return &Key{seed: append([]byte(nil), seed...)}, nil
}

// RandomSeed returns a fresh seed from the system CSPRNG.
func RandomSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("reading random seed: %w", err)
	}
	return seed, nil
}

// ParseSeed accepts a hex-encoded seed of SeedSize bytes. Any other string
// is hashed, so short passphrases also give reproducible runs.
func ParseSeed(s string) []byte {
	if b, err := hex.DecodeString(s); err == nil && len(b) == SeedSize {
		return b
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func (k *Key) material(purpose string, size int) []byte {
	if k.seed == nil {
		panic("literals: key used after Zero")
	}
	idx := k.counter
	k.counter++

	var info strings.Builder
	info.WriteString(keyContext)
	info.WriteByte(0)
	info.WriteString(purpose)
	info.WriteByte(0)
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], idx)
	info.Write(counterBytes[:])

	out, err := hkdf.Key(sha256.New, k.seed, []byte(keyContext), info.String(), size)
	if err != nil {
		panic(fmt.Sprintf("literals: hkdf key derivation failed: %v", err))
	}
	return out
}

// Uint32 derives a 32-bit secret for purpose.
func (k *Key) Uint32(purpose string) uint32 {
	return binary.LittleEndian.Uint32(k.material(purpose, 4))
}

// Rand derives a deterministic random source for purpose.
func (k *Key) Rand(purpose string) *mathrand.Rand {
	seed := binary.LittleEndian.Uint64(k.material(purpose, 8))
	return mathrand.New(mathrand.NewSource(int64(seed)))
}

// Zero wipes the seed. The key must not be used afterwards.
func (k *Key) Zero() {
	clear(k.seed)
	k.seed = nil
}

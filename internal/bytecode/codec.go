package bytecode

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/mod/semver"
)

// ErrFormat is returned for modules written in an unsupported format version.
var ErrFormat = errors.New("unsupported module format")

// The encoding must be deterministic: the content hash of a module is
// computed over it.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// CheckFormat accepts any v1 format version.
func CheckFormat(v string) error {
	if !semver.IsValid(v) || semver.Major(v) != "v1" {
		return fmt.Errorf("%w %q", ErrFormat, v)
	}
	return nil
}

// Marshal serializes a module to canonical CBOR.
func Marshal(m *Module) ([]byte, error) {
	if m.Format == "" {
		m.Format = FormatVersion
	}
	if err := CheckFormat(m.Format); err != nil {
		return nil, err
	}
	return encMode.Marshal(m)
}

// Unmarshal deserializes a module and checks its format version.
func Unmarshal(data []byte) (*Module, error) {
	var m Module
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal module: %w", err)
	}
	if err := CheckFormat(m.Format); err != nil {
		return nil, err
	}
	return &m, nil
}

// Hash is the BLAKE2b-256 digest of the canonical encoding.
func Hash(m *Module) ([32]byte, error) {
	data, err := Marshal(m)
	if err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(data), nil
}

// HashHex is Hash in lowercase hex.
func HashHex(m *Module) (string, error) {
	sum, err := Hash(m)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// Package seal implements the evidence commitment primitive.
//
// A seal is a keyed BLAKE3-256 digest of an evidence value. The key (salt) is
// derived with HKDF-SHA256 from a server-held pepper and the evidence context
// (service agreement, dispatch reference, key), so:
//   - the same (agreement, dispatch, key, value) always reproduces the same seal;
//   - the same value under a different dispatch reference yields a different seal;
//   - the raw value cannot be recovered from the stored seal.
package seal

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// SaltSize is the length of a derived salt; BLAKE3 keyed mode requires 32 bytes.
const SaltSize = 32

// Size is the length of a seal in bytes.
const Size = 32

// MinPepperSize is the shortest pepper NewSealer accepts.
const MinPepperSize = 16

const saltDomain = "evident/seal/v1"

// ErrShortPepper is returned by NewSealer for a pepper below MinPepperSize.
var ErrShortPepper = errors.New("seal pepper must be at least 16 bytes")

// Commit returns the keyed BLAKE3-256 digest of value under salt.
func Commit(value, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	h, err := blake3.NewKeyed(salt)
	if err != nil {
		return nil, fmt.Errorf("keyed hasher: %w", err)
	}
	_, _ = h.Write(value)
	return h.Sum(nil), nil
}

// Sealer derives context salts and computes seals.
type Sealer struct {
	pepper []byte
}

// NewSealer creates a Sealer. The pepper must stay constant for the lifetime
// of the stored seals; rotating it makes every existing seal unverifiable.
func NewSealer(pepper []byte) (*Sealer, error) {
	if len(pepper) < MinPepperSize {
		return nil, ErrShortPepper
	}
	p := make([]byte, len(pepper))
	copy(p, pepper)
	return &Sealer{pepper: p}, nil
}

// Salt derives the context salt for one evidence item.
func (s *Sealer) Salt(agreementID uuid.UUID, dispatchRef, key string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.pepper, nil, contextInfo(agreementID, dispatchRef, key))
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("derive salt: %w", err)
	}
	return salt, nil
}

// Seal computes the seal of value in its evidence context.
func (s *Sealer) Seal(agreementID uuid.UUID, dispatchRef, key, value string) ([]byte, error) {
	salt, err := s.Salt(agreementID, dispatchRef, key)
	if err != nil {
		return nil, err
	}
	return Commit([]byte(value), salt)
}

// Matches recomputes the seal for value and compares it to stored in constant time.
func (s *Sealer) Matches(agreementID uuid.UUID, dispatchRef, key, value string, stored []byte) (bool, error) {
	got, err := s.Seal(agreementID, dispatchRef, key, value)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, stored) == 1, nil
}

// contextInfo length-prefixes every field so that ("ab","c") and ("a","bc")
// never produce the same HKDF info.
func contextInfo(agreementID uuid.UUID, dispatchRef, key string) []byte {
	buf := make([]byte, 0, len(saltDomain)+16+len(dispatchRef)+len(key)+12)
	buf = append(buf, saltDomain...)
	buf = append(buf, agreementID[:]...)
	for _, field := range []string{dispatchRef, key} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}
	return buf
}

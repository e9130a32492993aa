package miner

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/scrypt"

	"powfaucet/faucet"
)

// Hasher computes the proof-of-work hash of preimage combined with nonce.
type Hasher interface {
	Hash(preimage []byte, nonce uint64) ([]byte, error)
}

// ScryptHasher derives scrypt(nonce, preimage) with the configured cost
// parameters. The nonce is the password and the preimage the salt.
type ScryptHasher struct {
	N, R, P, KeyLen int
}

// Hash implements Hasher.
func (h ScryptHasher) Hash(preimage []byte, nonce uint64) ([]byte, error) {
	return scrypt.Key(nonceBytes(nonce), preimage, h.N, h.R, h.P, h.KeyLen)
}

// SHA256Hasher hashes preimage || nonce with SHA-256.
type SHA256Hasher struct{}

// Hash implements Hasher.
func (SHA256Hasher) Hash(preimage []byte, nonce uint64) ([]byte, error) {
	h := sha256.New()
	h.Write(preimage)
	h.Write(nonceBytes(nonce))
	return h.Sum(nil), nil
}

// NewHasher returns the hasher for params.
func NewHasher(params faucet.PoWParams) (Hasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	switch params.Algorithm {
	case faucet.AlgorithmScrypt:
		return ScryptHasher{N: params.N, R: params.R, P: params.P, KeyLen: params.KeyLen}, nil
	case faucet.AlgorithmSHA256:
		return SHA256Hasher{}, nil
	}
	return nil, fmt.Errorf("unknown pow algorithm %q", params.Algorithm)
}

// LeadingZeroBits counts the zero bits at the start of hash.
func LeadingZeroBits(hash []byte) int {
	n := 0
	for _, b := range hash {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}

// Verify reports whether nonce solves params for preimage.
func Verify(params faucet.PoWParams, preimage string, nonce uint64) (bool, error) {
	hasher, err := NewHasher(params)
	if err != nil {
		return false, err
	}
	hash, err := hasher.Hash([]byte(preimage), nonce)
	if err != nil {
		return false, err
	}
	return LeadingZeroBits(hash) >= params.Difficulty, nil
}

func nonceBytes(nonce uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return buf[:]
}

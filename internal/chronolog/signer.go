package chronolog

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// Signer holds the process ed25519 signing key. One key signs every event
// the process appends; the public half is embedded in each session_start
// payload so a chain can be verified without out-of-band key exchange.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// LoadSigner reads a hex-encoded ed25519 seed from path, creating and
// persisting a fresh one when the file does not exist.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s, genErr := NewSigner()
		if genErr != nil {
			return nil, genErr
		}
		seed := hex.EncodeToString(s.priv.Seed())
		if writeErr := os.WriteFile(path, []byte(seed+"\n"), 0o600); writeErr != nil {
			return nil, fmt.Errorf("failed to persist signing key: %w", writeErr)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	seed, err := hex.DecodeString(string(trimNewline(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key at %s is not a valid ed25519 seed", path)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Sign signs a chain hash (hex string) and returns the hex signature.
func (s *Signer) Sign(hash string) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, []byte(hash)))
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// verifySignature checks a hex signature over a chain hash with a
// hex-encoded public key.
func verifySignature(pubHex, hash, sigHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(hash), sig)
}

// Package security validates update service responses and inspects
// downloaded packages before they may be installed.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	tagPublic  = "UPDATE PUBLIC KEY"
	tagPrivate = "UPDATE PRIVATE KEY"
)

// KeyID is the first 8 bytes of the SHA-256 of a public key.
type KeyID [8]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

func computeKeyID(pub ed25519.PublicKey) KeyID {
	h := sha256.Sum256(pub)
	var id KeyID
	copy(id[:], h[:8])
	return id
}

// PublicKey is a trusted signing key.
type PublicKey struct {
	ID  KeyID
	Key ed25519.PublicKey
}

// PrivateKey signs update service responses.
type PrivateKey struct {
	ID  KeyID
	Key ed25519.PrivateKey
}

// Public returns the verifying half of k.
func (k PrivateKey) Public() PublicKey {
	pub := k.Key.Public().(ed25519.PublicKey)
	return PublicKey{ID: k.ID, Key: pub}
}

// GenerateKey creates a key pair and returns it with both halves PEM encoded.
func GenerateKey() (PrivateKey, []byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	key := PrivateKey{ID: computeKeyID(pub), Key: priv}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: tagPrivate, Bytes: priv})
	pubPEM := EncodePublicKey(key.Public())
	return key, privPEM, pubPEM, nil
}

// EncodePublicKey PEM encodes k.
func EncodePublicKey(k PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:    tagPublic,
		Headers: map[string]string{"Key-Id": k.ID.String()},
		Bytes:   k.Key,
	})
}

// ParsePublicKeys parses a bundle of one or more concatenated PEM public keys.
func ParsePublicKeys(bundle []byte) ([]PublicKey, error) {
	var keys []PublicKey
	for {
		b, rest := pem.Decode(bundle)
		if b == nil {
			break
		}
		if b.Type != tagPublic {
			return nil, fmt.Errorf("PEM type is %q, want %q", b.Type, tagPublic)
		}
		if len(b.Bytes) != ed25519.PublicKeySize {
			return nil, errors.New("incorrect Ed25519 public key size")
		}
		pub := ed25519.PublicKey(b.Bytes)
		keys = append(keys, PublicKey{ID: computeKeyID(pub), Key: pub})
		bundle = rest
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys found in bundle")
	}
	return keys, nil
}

// ParsePrivateKey parses a single PEM private key.
func ParsePrivateKey(data []byte) (PrivateKey, error) {
	b, rest := pem.Decode(data)
	if b == nil {
		return PrivateKey{}, errors.New("failed to decode PEM data")
	}
	if len(rest) > 0 {
		return PrivateKey{}, errors.New("trailing PEM data")
	}
	if b.Type != tagPrivate {
		return PrivateKey{}, fmt.Errorf("PEM type is %q, want %q", b.Type, tagPrivate)
	}
	if len(b.Bytes) != ed25519.PrivateKeySize {
		return PrivateKey{}, errors.New("incorrect Ed25519 private key size")
	}
	priv := ed25519.PrivateKey(b.Bytes)
	return PrivateKey{ID: computeKeyID(priv.Public().(ed25519.PublicKey)), Key: priv}, nil
}

// LoadPublicKeys reads a public key bundle from path.
func LoadPublicKeys(path string) ([]PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public keys: %w", err)
	}
	keys, err := ParsePublicKeys(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public keys %s: %w", path, err)
	}
	return keys, nil
}

// LoadPrivateKey reads a private key from path.
func LoadPrivateKey(path string) (PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

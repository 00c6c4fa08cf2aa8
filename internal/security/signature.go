package security

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2s"
)

// signedMessage is blake2s-256(payload) || len(payload) as little endian u64.
func signedMessage(payload []byte) []byte {
	sum := blake2s.Sum256(payload)
	msg := make([]byte, 0, len(sum)+8)
	msg = append(msg, sum[:]...)
	return binary.LittleEndian.AppendUint64(msg, uint64(len(payload)))
}

// Sign signs payload with key.
func Sign(key PrivateKey, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("refusing to sign an empty payload")
	}
	return ed25519.Sign(key.Key, signedMessage(payload)), nil
}

// verifyAny reports whether any key in keys produced signature over payload.
func verifyAny(keys []PublicKey, payload, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	msg := signedMessage(payload)
	for _, k := range keys {
		if ed25519.Verify(k.Key, msg, signature) {
			log.Debugf("payload signature verified with key %s", k.ID)
			return true
		}
	}
	return false
}

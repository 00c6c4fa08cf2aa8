package security

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

// Verifier checks response signatures against a set of trusted keys and
// scans packages against a ScanPolicy.
type Verifier struct {
	keys   []PublicKey
	policy ScanPolicy
}

// NewVerifier creates a verifier. Any key in keys may sign responses.
func NewVerifier(keys []PublicKey, policy ScanPolicy) *Verifier {
	return &Verifier{keys: keys, policy: policy}
}

// VerifySignature returns an ErrSecurity error unless signature is a valid
// signature over payload by one of the trusted keys.
func (v *Verifier) VerifySignature(_ context.Context, payload, signature []byte) error {
	if len(v.keys) == 0 {
		return update.Errorf(update.ErrSecurity, "no trusted signing keys configured")
	}
	if len(signature) == 0 {
		return update.Errorf(update.ErrSecurity, "response is not signed")
	}
	if !verifyAny(v.keys, payload, signature) {
		return update.Errorf(update.ErrSecurity, "response signature does not match any trusted key")
	}
	return nil
}

// ScanArtifact inspects the package at path. It never deletes the file.
func (v *Verifier) ScanArtifact(ctx context.Context, path string) error {
	if err := v.policy.scan(ctx, path); err != nil {
		log.Warnf("package %s rejected by scan: %v", path, err)
		return err
	}
	return nil
}

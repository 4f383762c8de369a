package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/saml"
)

func systemDefaults() Defaults {
	return Defaults{
		SignatureAlgorithms: []string{saml.AlgRSASHA256, saml.AlgRSASHA384, saml.AlgRSASHA1},
		DigestMethods:       []string{saml.DigestSHA256, saml.DigestSHA1},
	}
}

func TestEffectivePolicy(t *testing.T) {
	tests := []struct {
		name     string
		defaults Defaults
		rp       *metadata.RelyingParty
		wantSigs []string
		wantDigs []string
	}{
		{
			name:     "no overrides keeps defaults",
			defaults: systemDefaults(),
			rp:       nil,
			wantSigs: []string{saml.AlgRSASHA256, saml.AlgRSASHA384, saml.AlgRSASHA1},
			wantDigs: []string{saml.DigestSHA256, saml.DigestSHA1},
		},
		{
			name: "block list removes members",
			defaults: Defaults{
				SignatureAlgorithms:        []string{saml.AlgRSASHA256, saml.AlgRSASHA1},
				BlockedSignatureAlgorithms: []string{saml.AlgRSASHA1},
				DigestMethods:              []string{saml.DigestSHA256},
			},
			rp:       nil,
			wantSigs: []string{saml.AlgRSASHA256},
			wantDigs: []string{saml.DigestSHA256},
		},
		{
			name: "non-empty allow list wins over block list",
			defaults: Defaults{
				SignatureAlgorithms:        []string{saml.AlgRSASHA256, saml.AlgRSASHA1},
				BlockedSignatureAlgorithms: []string{saml.AlgRSASHA1},
				AllowedSignatureAlgorithms: []string{saml.AlgRSASHA1},
				DigestMethods:              []string{saml.DigestSHA256},
			},
			rp:       nil,
			wantSigs: []string{saml.AlgRSASHA1},
			wantDigs: []string{saml.DigestSHA256},
		},
		{
			name:     "relying party override replaces the system field",
			defaults: systemDefaults(),
			rp: &metadata.RelyingParty{
				BlockedSignatureAlgorithms: []string{saml.AlgRSASHA1, saml.AlgRSASHA384},
				DigestMethods:              []string{saml.DigestSHA512},
			},
			wantSigs: []string{saml.AlgRSASHA256},
			wantDigs: []string{saml.DigestSHA512},
		},
		{
			name:     "relying party allow list restricts regardless of block list",
			defaults: systemDefaults(),
			rp: &metadata.RelyingParty{
				AllowedSignatureAlgorithms: []string{saml.AlgRSASHA384},
			},
			wantSigs: []string{saml.AlgRSASHA384},
			wantDigs: []string{saml.DigestSHA256, saml.DigestSHA1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := EffectivePolicy(tt.defaults, tt.rp)
			assert.Equal(t, tt.wantSigs, policy.SignatureAlgorithms)
			assert.Equal(t, tt.wantDigs, policy.DigestMethods)
		})
	}
}

func TestPolicyPreference(t *testing.T) {
	policy := EffectivePolicy(systemDefaults(), nil)

	assert.Equal(t, saml.AlgRSASHA256, policy.PreferredSignature())
	assert.Equal(t, saml.DigestSHA256, policy.PreferredDigest())
	assert.True(t, policy.PermitsSignature(saml.AlgRSASHA1))
	assert.False(t, policy.PermitsSignature(saml.AlgRSASHA512))
}

func TestEmptyEffectiveSet(t *testing.T) {
	policy := EffectivePolicy(Defaults{
		SignatureAlgorithms:        []string{saml.AlgRSASHA256},
		BlockedSignatureAlgorithms: []string{saml.AlgRSASHA256},
	}, nil)

	assert.Empty(t, policy.SignatureAlgorithms)
	assert.Equal(t, "", policy.PreferredSignature())
}

// Package signature implements outbound signing and inbound signature
// validation with negotiated algorithm constraints.
package signature

import (
	"crypto"

	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/saml"
)

// Defaults is the system-wide algorithm policy from configuration.
// SignatureAlgorithms is ordered by preference; the first member of the
// effective set is chosen for outbound signing.
type Defaults struct {
	SignatureAlgorithms        []string
	BlockedSignatureAlgorithms []string
	AllowedSignatureAlgorithms []string
	DigestMethods              []string
}

// Policy is the effective algorithm set for one operation against one
// relying party. Computed fresh per operation; never cached across
// relying parties.
type Policy struct {
	SignatureAlgorithms []string
	DigestMethods       []string
}

// PermitsSignature reports whether alg is in the effective signing set
func (p *Policy) PermitsSignature(alg string) bool {
	return contains(p.SignatureAlgorithms, alg)
}

// PermitsDigest reports whether alg is in the effective digest set
func (p *Policy) PermitsDigest(alg string) bool {
	return contains(p.DigestMethods, alg)
}

// PreferredSignature returns the most preferred signing algorithm of the
// effective set, or "" when the set is empty
func (p *Policy) PreferredSignature() string {
	for _, alg := range p.SignatureAlgorithms {
		if _, ok := signatureHashes[alg]; ok {
			return alg
		}
	}
	return ""
}

// PreferredDigest returns the most preferred digest method of the effective
// set, or "" when the set is empty
func (p *Policy) PreferredDigest() string {
	for _, alg := range p.DigestMethods {
		if _, ok := digestHashes[alg]; ok {
			return alg
		}
	}
	return ""
}

// EffectivePolicy merges the system defaults with per-relying-party
// overrides. The block list is applied first; a non-empty allow list then
// restricts the set to its members regardless of the block list.
func EffectivePolicy(def Defaults, rp *metadata.RelyingParty) Policy {
	base := def.SignatureAlgorithms
	blocked := def.BlockedSignatureAlgorithms
	allowed := def.AllowedSignatureAlgorithms
	digests := def.DigestMethods

	if rp != nil {
		if len(rp.SignatureAlgorithms) > 0 {
			base = rp.SignatureAlgorithms
		}
		if len(rp.BlockedSignatureAlgorithms) > 0 {
			blocked = rp.BlockedSignatureAlgorithms
		}
		if len(rp.AllowedSignatureAlgorithms) > 0 {
			allowed = rp.AllowedSignatureAlgorithms
		}
		if len(rp.DigestMethods) > 0 {
			digests = rp.DigestMethods
		}
	}

	var effective []string
	if len(allowed) > 0 {
		for _, alg := range base {
			if contains(allowed, alg) {
				effective = append(effective, alg)
			}
		}
	} else {
		for _, alg := range base {
			if !contains(blocked, alg) {
				effective = append(effective, alg)
			}
		}
	}

	return Policy{
		SignatureAlgorithms: effective,
		DigestMethods:       digests,
	}
}

// signatureHashes maps signing algorithm URIs to their hash functions
var signatureHashes = map[string]crypto.Hash{
	saml.AlgRSASHA1:   crypto.SHA1,
	saml.AlgRSASHA256: crypto.SHA256,
	saml.AlgRSASHA384: crypto.SHA384,
	saml.AlgRSASHA512: crypto.SHA512,
}

// digestHashes maps digest method URIs to their hash functions
var digestHashes = map[string]crypto.Hash{
	saml.DigestSHA1:   crypto.SHA1,
	saml.DigestSHA256: crypto.SHA256,
	saml.DigestSHA384: crypto.SHA384,
	saml.DigestSHA512: crypto.SHA512,
}

// SignatureHash resolves the hash for a signing algorithm URI
func SignatureHash(alg string) (crypto.Hash, bool) {
	h, ok := signatureHashes[alg]
	return h, ok
}

// DigestHash resolves the hash for a digest method URI
func DigestHash(alg string) (crypto.Hash, bool) {
	h, ok := digestHashes[alg]
	return h, ok
}

func contains(set []string, member string) bool {
	for _, s := range set {
		if s == member {
			return true
		}
	}
	return false
}

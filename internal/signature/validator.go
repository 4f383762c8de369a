package signature

import (
	"context"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"strings"

	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/binding"
	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/saml"
)

// Validator verifies inbound request signatures against the relying party's
// registered certificate and the effective algorithm policy.
type Validator struct {
	defaults Defaults
	resolver *metadata.Resolver
	logger   *zap.Logger
}

// NewValidator creates a signature validator. The resolver is used to retry
// verification once against freshly fetched metadata, covering relying
// parties that rolled their signing key since the last cache refresh.
func NewValidator(defaults Defaults, resolver *metadata.Resolver, logger *zap.Logger) *Validator {
	return &Validator{
		defaults: defaults,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "signature_validator")),
	}
}

// Validate checks the request's signature, detached or embedded. An unsigned
// request passes only when neither the binding nor the relying party mandates
// signing. On verification failure the relying party's metadata is refreshed
// once and verification retried, then the failure is final. Returns the
// relying-party snapshot the request was verified against.
func (v *Validator) Validate(ctx context.Context, pr *binding.ProtocolRequest, rp *metadata.RelyingParty) (*metadata.RelyingParty, error) {
	embedded := parseEmbeddedSignature(pr.RawXML)

	if !pr.Signed() && embedded == nil {
		if pr.Binding == binding.KindPostSimpleSign {
			return nil, apperrors.SignatureInvalid("SimpleSign binding requires a signature")
		}
		if rp.RequireSignedRequests {
			metrics.SignatureOperationsTotal.WithLabelValues("validate", "failure").Inc()
			return nil, apperrors.SignatureInvalid("relying party requires signed requests")
		}
		return rp, nil
	}

	err := v.verify(pr, embedded, rp)
	if err == nil {
		metrics.SignatureOperationsTotal.WithLabelValues("validate", "success").Inc()
		return rp, nil
	}
	if !apperrors.Is(err, apperrors.ErrSignatureInvalid) || v.resolver == nil {
		metrics.SignatureOperationsTotal.WithLabelValues("validate", "failure").Inc()
		return nil, err
	}

	// The relying party may have rolled its key since the last cache refresh
	fresh, refreshErr := v.resolver.ForceRefresh(ctx, rp.EntityID)
	if refreshErr != nil {
		metrics.SignatureOperationsTotal.WithLabelValues("validate", "failure").Inc()
		return nil, err
	}
	if retryErr := v.verify(pr, embedded, fresh); retryErr != nil {
		metrics.SignatureOperationsTotal.WithLabelValues("validate", "failure").Inc()
		return nil, retryErr
	}

	v.logger.Info("Signature verified after metadata refresh",
		zap.String("entity_id", rp.EntityID))
	metrics.SignatureOperationsTotal.WithLabelValues("validate", "success").Inc()
	return fresh, nil
}

func (v *Validator) verify(pr *binding.ProtocolRequest, embedded *saml.ParsedSignature, rp *metadata.RelyingParty) error {
	pub, err := relyingPartyPublicKey(rp)
	if err != nil {
		return err
	}

	if pr.Signed() {
		return v.verifyDetached(pr, rp, pub)
	}
	return v.verifyEmbedded(pr.RawXML, embedded, rp, pub)
}

func (v *Validator) verifyDetached(pr *binding.ProtocolRequest, rp *metadata.RelyingParty, pub *rsa.PublicKey) error {
	policy := EffectivePolicy(v.defaults, rp)
	if !policy.PermitsSignature(pr.SigAlg) {
		return apperrors.NoAcceptableAlgorithm(pr.SigAlg)
	}

	hash, ok := SignatureHash(pr.SigAlg)
	if !ok {
		return apperrors.NoAcceptableAlgorithm(pr.SigAlg)
	}

	sig, err := base64.StdEncoding.DecodeString(pr.Signature)
	if err != nil {
		return apperrors.MalformedRequest("invalid signature encoding", err)
	}

	hasher := hash.New()
	hasher.Write(pr.SignedContent)
	if err := rsa.VerifyPKCS1v15(pub, hash, hasher.Sum(nil), sig); err != nil {
		return apperrors.SignatureInvalid("detached signature verification failed")
	}
	return nil
}

func (v *Validator) verifyEmbedded(rawXML []byte, parsed *saml.ParsedSignature, rp *metadata.RelyingParty, pub *rsa.PublicKey) error {
	if parsed == nil {
		return apperrors.SignatureInvalid("message carries no signature")
	}

	policy := EffectivePolicy(v.defaults, rp)
	sigAlg := parsed.SignedInfo.SignatureMethod.Algorithm
	digestAlg := parsed.SignedInfo.Reference.DigestMethod.Algorithm
	if !policy.PermitsSignature(sigAlg) {
		return apperrors.NoAcceptableAlgorithm(sigAlg)
	}
	if !policy.PermitsDigest(digestAlg) {
		return apperrors.NoAcceptableAlgorithm(digestAlg)
	}

	unsigned, ok := StripSignature(rawXML)
	if !ok {
		return apperrors.SignatureInvalid("signature element could not be isolated")
	}

	digestHash, _ := DigestHash(digestAlg)
	digester := digestHash.New()
	digester.Write(unsigned)
	want, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parsed.SignedInfo.Reference.DigestValue))
	if err != nil {
		return apperrors.MalformedRequest("invalid digest encoding", err)
	}
	if !hmac.Equal(digester.Sum(nil), want) {
		return apperrors.SignatureInvalid("digest mismatch")
	}

	sigHash, _ := SignatureHash(sigAlg)
	hasher := sigHash.New()
	hasher.Write(unsigned)

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parsed.SignatureValue))
	if err != nil {
		return apperrors.MalformedRequest("invalid signature encoding", err)
	}
	if err := rsa.VerifyPKCS1v15(pub, sigHash, hasher.Sum(nil), sig); err != nil {
		return apperrors.SignatureInvalid("embedded signature verification failed")
	}
	return nil
}

// parseEmbeddedSignature extracts the signature element from the message,
// or nil when the message is unsigned
func parseEmbeddedSignature(rawXML []byte) *saml.ParsedSignature {
	start, end, ok := signatureBounds(string(rawXML))
	if !ok {
		return nil
	}

	var sig saml.ParsedSignature
	if err := xml.Unmarshal(rawXML[start:end], &sig); err != nil {
		return nil
	}
	if sig.SignatureValue == "" {
		return nil
	}
	return &sig
}

// HasEmbedded reports whether the message carries an enveloped signature
func HasEmbedded(rawXML []byte) bool {
	_, _, ok := signatureBounds(string(rawXML))
	return ok
}

// StripSignature removes the enveloped signature element, restoring the
// exact octets that were signed. Returns ok=false when no signature element
// is present.
func StripSignature(rawXML []byte) ([]byte, bool) {
	doc := string(rawXML)
	start, end, ok := signatureBounds(doc)
	if !ok {
		return nil, false
	}
	// The signer separates the signature from the preceding element with a
	// newline; remove it to restore the original bytes
	if start > 0 && doc[start-1] == '\n' {
		start--
	}
	return []byte(doc[:start] + doc[end:]), true
}

func signatureBounds(doc string) (start, end int, ok bool) {
	for _, prefix := range []string{"ds:", "dsig:", ""} {
		open := "<" + prefix + "Signature"
		idx := strings.Index(doc, open)
		if idx == -1 {
			continue
		}
		closeTag := "</" + prefix + "Signature>"
		closeIdx := strings.Index(doc[idx:], closeTag)
		if closeIdx == -1 {
			return 0, 0, false
		}
		return idx, idx + closeIdx + len(closeTag), true
	}
	return 0, 0, false
}

// relyingPartyPublicKey parses the registered certificate, accepting PEM or
// raw base64 DER as stored
func relyingPartyPublicKey(rp *metadata.RelyingParty) (*rsa.PublicKey, error) {
	raw := strings.TrimSpace(rp.Certificate)
	if raw == "" {
		return nil, apperrors.CertificateNotFound(rp.EntityID)
	}

	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(raw), ""))
		if err != nil {
			return nil, apperrors.CertificateNotFound(rp.EntityID)
		}
		der = decoded
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apperrors.CertificateNotFound(rp.EntityID)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, apperrors.CertificateNotFound(rp.EntityID)
	}
	return pub, nil
}

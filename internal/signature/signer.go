package signature

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/saml"
)

// Signer signs outbound protocol messages with the IdP's private key,
// selecting algorithms per relying-party override or system default.
type Signer struct {
	privateKey *rsa.PrivateKey
	certBase64 string
	defaults   Defaults
	logger     *zap.Logger
}

// NewSigner creates a signer from PEM-encoded key material. A missing
// private key is fatal misconfiguration and fails construction, so the
// process refuses to start rather than failing per request.
func NewSigner(keyPEM, certPEM []byte, defaults Defaults, logger *zap.Logger) (*Signer, error) {
	if len(keyPEM) == 0 {
		return nil, apperrors.SigningConfiguration("no private signing key configured")
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, apperrors.SigningConfiguration("signing key is not valid PEM")
	}

	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, apperrors.SigningConfiguration(fmt.Sprintf("unusable signing key: %v", err))
	}

	certBase64 := ""
	if len(certPEM) > 0 {
		certBlock, _ := pem.Decode(certPEM)
		if certBlock == nil {
			return nil, apperrors.SigningConfiguration("signing certificate is not valid PEM")
		}
		certBase64 = base64.StdEncoding.EncodeToString(certBlock.Bytes)
	}

	policy := EffectivePolicy(defaults, nil)
	if policy.PreferredSignature() == "" {
		return nil, apperrors.SigningConfiguration("effective algorithm set contains no usable signing algorithm")
	}

	return &Signer{
		privateKey: key,
		certBase64: certBase64,
		defaults:   defaults,
		logger:     logger.With(zap.String("component", "signer")),
	}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return key, nil
}

// CertificateBase64 returns the raw base64 DER of the signing certificate
// for metadata publication
func (s *Signer) CertificateBase64() string {
	return s.certBase64
}

// PublicKey returns the signing public key
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.privateKey.PublicKey
}

// PrivateKey exposes the signing key for the WS-Federation token producer
func (s *Signer) PrivateKey() *rsa.PrivateKey {
	return s.privateKey
}

// Sign embeds an enveloped signature into the serialized message, placed
// after the Issuer element. Algorithm selection follows the effective
// outbound policy for the relying party.
func (s *Signer) Sign(payload []byte, rp *metadata.RelyingParty) ([]byte, error) {
	policy := EffectivePolicy(s.defaults, rp)

	sigAlg := policy.PreferredSignature()
	digestAlg := policy.PreferredDigest()
	if sigAlg == "" || digestAlg == "" {
		metrics.SignatureOperationsTotal.WithLabelValues("sign", "failure").Inc()
		return nil, apperrors.SigningConfiguration("effective algorithm set is empty for outbound signing")
	}

	digestHash, _ := DigestHash(digestAlg)
	digester := digestHash.New()
	digester.Write(payload)
	digest := digester.Sum(nil)

	sigHash, _ := SignatureHash(sigAlg)
	hasher := sigHash.New()
	hasher.Write(payload)
	hashed := hasher.Sum(nil)

	signatureValue, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, sigHash, hashed)
	if err != nil {
		metrics.SignatureOperationsTotal.WithLabelValues("sign", "failure").Inc()
		return nil, apperrors.Internal("failed to sign payload", err)
	}

	sig := saml.SignatureXML{
		XMLNS: saml.NSDSig,
		SignedInfo: saml.SignedInfo{
			CanonicalizationMethod: saml.Algorithm{Algorithm: saml.AlgExcC14N},
			SignatureMethod:        saml.Algorithm{Algorithm: sigAlg},
			Reference: saml.SignatureReference{
				URI: "",
				Transforms: saml.Transforms{
					Transform: []saml.Algorithm{
						{Algorithm: saml.AlgEnvelopedSignature},
						{Algorithm: saml.AlgExcC14N},
					},
				},
				DigestMethod: saml.Algorithm{Algorithm: digestAlg},
				DigestValue:  base64.StdEncoding.EncodeToString(digest),
			},
		},
		SignatureValue: base64.StdEncoding.EncodeToString(signatureValue),
	}
	if s.certBase64 != "" {
		sig.KeyInfo = &saml.KeyInfo{
			X509Data: saml.X509Data{X509Certificate: s.certBase64},
		}
	}

	// No line prefix: the block must start at the insertion point so that
	// stripping the signature restores the signed octets exactly
	sigXML, err := xml.MarshalIndent(sig, "", "  ")
	if err != nil {
		metrics.SignatureOperationsTotal.WithLabelValues("sign", "failure").Inc()
		return nil, apperrors.Internal("failed to marshal signature", err)
	}

	signed, err := insertAfterIssuer(payload, sigXML)
	if err != nil {
		metrics.SignatureOperationsTotal.WithLabelValues("sign", "failure").Inc()
		return nil, err
	}

	metrics.SignatureOperationsTotal.WithLabelValues("sign", "success").Inc()
	return signed, nil
}

// PreferredAlgorithm returns the signing algorithm the effective policy
// selects for this relying party. Callers embedding the algorithm URI in the
// signed content use this before SignRedirectParams.
func (s *Signer) PreferredAlgorithm(rp *metadata.RelyingParty) (string, error) {
	policy := EffectivePolicy(s.defaults, rp)
	alg := policy.PreferredSignature()
	if alg == "" {
		return "", apperrors.SigningConfiguration("effective algorithm set is empty for outbound signing")
	}
	return alg, nil
}

// SignRedirectParams produces the detached signature for the redirect
// binding: the algorithm URI and the base64 signature over the signed
// content octets.
func (s *Signer) SignRedirectParams(signedContent []byte, rp *metadata.RelyingParty) (sigAlg, signatureValue string, err error) {
	policy := EffectivePolicy(s.defaults, rp)

	sigAlg = policy.PreferredSignature()
	if sigAlg == "" {
		return "", "", apperrors.SigningConfiguration("effective algorithm set is empty for outbound signing")
	}

	hash, _ := SignatureHash(sigAlg)
	hasher := hash.New()
	hasher.Write(signedContent)

	raw, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, hash, hasher.Sum(nil))
	if err != nil {
		return "", "", apperrors.Internal("failed to sign redirect parameters", err)
	}
	return sigAlg, base64.StdEncoding.EncodeToString(raw), nil
}

// insertAfterIssuer places the signature block directly after the first
// closing Issuer element, the position relying parties expect for an
// enveloped message signature
func insertAfterIssuer(payload, sigXML []byte) ([]byte, error) {
	doc := string(payload)
	for _, closeTag := range []string{"</saml:Issuer>", "</Issuer>"} {
		if idx := strings.Index(doc, closeTag); idx != -1 {
			pos := idx + len(closeTag)
			return []byte(doc[:pos] + "\n" + string(sigXML) + doc[pos:]), nil
		}
	}
	return nil, apperrors.Internal("message has no Issuer element to anchor the signature", nil)
}

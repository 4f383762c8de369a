// Package response builds the outbound SAML protocol messages the IdP issues:
// SSO responses, logout responses, attribute query responses, artifact
// responses, and protocol-level error responses.
package response

import (
	"encoding/xml"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/saml"
	"github.com/fedgate/fedgate/internal/signature"
	"github.com/fedgate/fedgate/internal/ticket"
)

// Builder assembles and signs outbound protocol messages
type Builder struct {
	entityID string
	signer   *signature.Signer
	lifetime time.Duration
	skew     time.Duration
	logger   *zap.Logger

	// now is swappable for validity-window tests
	now func() time.Time
}

// NewBuilder creates a response builder. lifetime is the default assertion
// validity; skew is the backward tolerance applied to NotBefore.
func NewBuilder(entityID string, signer *signature.Signer, lifetime, skew time.Duration, logger *zap.Logger) *Builder {
	return &Builder{
		entityID: entityID,
		signer:   signer,
		lifetime: lifetime,
		skew:     skew,
		logger:   logger.With(zap.String("component", "response_builder")),
		now:      time.Now,
	}
}

// SSORequest carries everything needed to build one SSO response
type SSORequest struct {
	RelyingParty *metadata.RelyingParty
	Principal    *ticket.Principal
	InResponseTo string
	ACSURL       string
	NameIDFormat string
}

// BuildSSOResponse builds and signs a success response with a bearer-confirmed
// assertion for the authenticated principal
func (b *Builder) BuildSSOResponse(req *SSORequest) ([]byte, error) {
	now := b.now().UTC()
	lifetime := req.RelyingParty.AssertionLifetime(b.lifetime)
	notOnOrAfter := now.Add(lifetime)

	nameID := b.nameIDFor(req)

	assertion := &saml.Assertion{
		XMLNS:        saml.NSAssertion,
		ID:           newID(),
		Version:      saml.SAMLVersion,
		IssueInstant: samlTime(now),
		Issuer:       saml.Issuer{Value: b.entityID},
		Subject: saml.Subject{
			NameID: nameID,
			SubjectConfirmation: &saml.SubjectConfirmation{
				Method: saml.ConfirmationBearer,
				SubjectConfirmationData: saml.SubjectConfirmationData{
					NotOnOrAfter: samlTime(notOnOrAfter),
					Recipient:    req.ACSURL,
					InResponseTo: req.InResponseTo,
				},
			},
		},
		Conditions: saml.Conditions{
			NotBefore:    samlTime(now.Add(-b.skew)),
			NotOnOrAfter: samlTime(notOnOrAfter),
			AudienceRestriction: saml.AudienceRestriction{
				Audience: req.RelyingParty.EntityID,
			},
		},
		AuthnStatement: &saml.AuthnStatement{
			AuthnInstant: samlTime(authnInstant(req.Principal, now)),
			SessionIndex: req.Principal.SessionIndex,
			AuthnContext: saml.AuthnContext{
				AuthnContextClassRef: saml.AuthnContextPasswordProtected,
			},
		},
	}

	if stmt := b.attributeStatement(req.Principal, req.RelyingParty); stmt != nil {
		assertion.AttributeStatement = stmt
	}

	resp := saml.Response{
		XMLNS:        saml.NSProtocol,
		XMLNSSAML:    saml.NSAssertion,
		ID:           newID(),
		Version:      saml.SAMLVersion,
		IssueInstant: samlTime(now),
		Destination:  req.ACSURL,
		InResponseTo: req.InResponseTo,
		Issuer:       saml.Issuer{Value: b.entityID},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: saml.StatusSuccess},
		},
		Assertion: assertion,
	}

	return b.marshalAndSign(resp, req.RelyingParty)
}

// BuildAttributeQueryResponse builds a response carrying only an attribute
// statement; no authentication statement is asserted for a back-channel query
func (b *Builder) BuildAttributeQueryResponse(rp *metadata.RelyingParty, principal *ticket.Principal, inResponseTo string, requested []string) ([]byte, error) {
	now := b.now().UTC()

	stmt := b.attributeStatement(principal, rp)
	if stmt != nil && len(requested) > 0 {
		stmt = filterAttributes(stmt, requested)
	}

	assertion := &saml.Assertion{
		XMLNS:        saml.NSAssertion,
		ID:           newID(),
		Version:      saml.SAMLVersion,
		IssueInstant: samlTime(now),
		Issuer:       saml.Issuer{Value: b.entityID},
		Subject: saml.Subject{
			NameID: saml.NameID{
				Format: nameIDFormatOr(rp.NameIDFormat),
				Value:  principal.Username,
			},
		},
		Conditions: saml.Conditions{
			NotBefore:    samlTime(now.Add(-b.skew)),
			NotOnOrAfter: samlTime(now.Add(rp.AssertionLifetime(b.lifetime))),
			AudienceRestriction: saml.AudienceRestriction{
				Audience: rp.EntityID,
			},
		},
		AttributeStatement: stmt,
	}

	resp := saml.Response{
		XMLNS:        saml.NSProtocol,
		XMLNSSAML:    saml.NSAssertion,
		ID:           newID(),
		Version:      saml.SAMLVersion,
		IssueInstant: samlTime(now),
		InResponseTo: inResponseTo,
		Issuer:       saml.Issuer{Value: b.entityID},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: saml.StatusSuccess},
		},
		Assertion: assertion,
	}

	return b.marshalAndSign(resp, rp)
}

// BuildLogoutResponse builds and signs a logout response. The same success
// response is issued whether or not a session existed; logout of a gone
// session is not an error.
func (b *Builder) BuildLogoutResponse(rp *metadata.RelyingParty, inResponseTo, destination string) ([]byte, error) {
	now := b.now().UTC()

	resp := saml.LogoutResponse{
		XMLNS:        saml.NSProtocol,
		XMLNSSAML:    saml.NSAssertion,
		ID:           newID(),
		Version:      saml.SAMLVersion,
		IssueInstant: samlTime(now),
		Destination:  destination,
		InResponseTo: inResponseTo,
		Issuer:       saml.Issuer{Value: b.entityID},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: saml.StatusSuccess},
		},
	}

	return b.marshalAndSign(resp, rp)
}

// BuildErrorResponse builds an unsigned protocol error response. Error
// responses carry a coarse status and never an assertion.
func (b *Builder) BuildErrorResponse(inResponseTo, destination, statusCode, message string) ([]byte, error) {
	resp := saml.Response{
		XMLNS:        saml.NSProtocol,
		XMLNSSAML:    saml.NSAssertion,
		ID:           newID(),
		Version:      saml.SAMLVersion,
		IssueInstant: samlTime(b.now().UTC()),
		Destination:  destination,
		InResponseTo: inResponseTo,
		Issuer:       saml.Issuer{Value: b.entityID},
		Status: saml.Status{
			StatusCode:    saml.StatusCode{Value: statusCode},
			StatusMessage: message,
		},
	}

	out, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, apperrors.Internal("failed to marshal error response", err)
	}
	return out, nil
}

// BuildArtifactResponse wraps a previously issued message for delivery over
// the artifact resolution back channel
func (b *Builder) BuildArtifactResponse(inResponseTo string, wrapped []byte) ([]byte, error) {
	resp := saml.ArtifactResponse{
		XMLNS:        saml.NSProtocol,
		XMLNSSAML:    saml.NSAssertion,
		ID:           newID(),
		Version:      saml.SAMLVersion,
		IssueInstant: samlTime(b.now().UTC()),
		InResponseTo: inResponseTo,
		Issuer:       saml.Issuer{Value: b.entityID},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: saml.StatusSuccess},
		},
		Payload: string(wrapped),
	}

	out, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, apperrors.Internal("failed to marshal artifact response", err)
	}
	return out, nil
}

// EmptyArtifactResponse builds the success-with-no-payload response that
// answers an unknown or expired artifact without leaking which it was
func (b *Builder) EmptyArtifactResponse(inResponseTo string) ([]byte, error) {
	return b.BuildArtifactResponse(inResponseTo, nil)
}

func (b *Builder) marshalAndSign(msg interface{}, rp *metadata.RelyingParty) ([]byte, error) {
	out, err := xml.MarshalIndent(msg, "", "  ")
	if err != nil {
		return nil, apperrors.Internal("failed to marshal response", err)
	}
	return b.signer.Sign(out, rp)
}

func (b *Builder) nameIDFor(req *SSORequest) saml.NameID {
	format := req.NameIDFormat
	if format == "" {
		format = req.RelyingParty.NameIDFormat
	}
	format = nameIDFormatOr(format)

	value := req.Principal.Username
	if format == saml.NameIDEmail {
		value = req.Principal.Email
	}
	return saml.NameID{Format: format, Value: value}
}

// attributeStatement releases the principal's attributes, renamed per the
// relying party's mappings. Core identity fields are always released.
func (b *Builder) attributeStatement(principal *ticket.Principal, rp *metadata.RelyingParty) *saml.AttributeStatement {
	released := map[string][]string{
		"username": {principal.Username},
		"email":    {principal.Email},
	}
	if principal.DisplayName != "" {
		released["displayName"] = []string{principal.DisplayName}
	}
	for name, values := range principal.Attributes {
		released[name] = values
	}

	names := make([]string, 0, len(released))
	for name := range released {
		names = append(names, name)
	}
	sort.Strings(names)

	stmt := &saml.AttributeStatement{}
	for _, name := range names {
		wireName := name
		if mapped, ok := rp.AttributeMappings[name]; ok {
			wireName = mapped
		}
		attr := saml.Attribute{
			Name:       wireName,
			NameFormat: saml.AttrNameFormatBasic,
		}
		for _, value := range released[name] {
			attr.Values = append(attr.Values, saml.AttributeValue{Value: value})
		}
		stmt.Attributes = append(stmt.Attributes, attr)
	}
	if len(stmt.Attributes) == 0 {
		return nil
	}
	return stmt
}

// filterAttributes keeps only the requested attribute names, matched against
// the wire names after mapping
func filterAttributes(stmt *saml.AttributeStatement, requested []string) *saml.AttributeStatement {
	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		want[name] = true
	}

	filtered := &saml.AttributeStatement{}
	for _, attr := range stmt.Attributes {
		if want[attr.Name] {
			filtered.Attributes = append(filtered.Attributes, attr)
		}
	}
	if len(filtered.Attributes) == 0 {
		return nil
	}
	return filtered
}

func nameIDFormatOr(format string) string {
	if format == "" {
		return saml.NameIDUnspecified
	}
	return format
}

func authnInstant(p *ticket.Principal, fallback time.Time) time.Time {
	if !p.AuthnInstant.IsZero() {
		return p.AuthnInstant.UTC()
	}
	return fallback
}

func samlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func newID() string {
	return "_" + uuid.New().String()
}

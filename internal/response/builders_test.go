package response

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"encoding/xml"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/saml"
	"github.com/fedgate/fedgate/internal/signature"
	"github.com/fedgate/fedgate/internal/ticket"
)

const idpEntityID = "https://idp.example.org/idp"

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	defaults := signature.Defaults{
		SignatureAlgorithms: []string{saml.AlgRSASHA256},
		DigestMethods:       []string{saml.DigestSHA256, saml.DigestSHA512},
	}
	signer, err := signature.NewSigner(keyPEM, certPEM, defaults, zap.NewNop())
	require.NoError(t, err)

	return NewBuilder(idpEntityID, signer, 5*time.Minute, 2*time.Minute, zap.NewNop())
}

func testRelyingParty() *metadata.RelyingParty {
	return &metadata.RelyingParty{
		EntityID:     "https://sp.example.org/shibboleth",
		Enabled:      true,
		ACSURL:       "https://sp.example.org/Shibboleth.sso/SAML2/POST",
		NameIDFormat: saml.NameIDEmail,
	}
}

func testPrincipal() *ticket.Principal {
	return &ticket.Principal{
		ID:           "u-1",
		Username:     "alice",
		Email:        "alice@example.org",
		DisplayName:  "Alice Example",
		SessionIndex: "sess-1",
		Attributes:   map[string][]string{"eduPersonAffiliation": {"member", "staff"}},
	}
}

// parsedResponse matches outbound responses by local name for assertions
type parsedResponse struct {
	XMLName      xml.Name `xml:"Response"`
	ID           string   `xml:"ID,attr"`
	InResponseTo string   `xml:"InResponseTo,attr"`
	Destination  string   `xml:"Destination,attr"`
	Issuer       string   `xml:"Issuer"`
	Status       struct {
		StatusCode struct {
			Value string `xml:"Value,attr"`
		} `xml:"StatusCode"`
	} `xml:"Status"`
	Assertion *struct {
		Subject struct {
			NameID struct {
				Format string `xml:"Format,attr"`
				Value  string `xml:",chardata"`
			} `xml:"NameID"`
			SubjectConfirmation struct {
				Method string `xml:"Method,attr"`
				Data   struct {
					Recipient    string `xml:"Recipient,attr"`
					InResponseTo string `xml:"InResponseTo,attr"`
					NotOnOrAfter string `xml:"NotOnOrAfter,attr"`
				} `xml:"SubjectConfirmationData"`
			} `xml:"SubjectConfirmation"`
		} `xml:"Subject"`
		Conditions struct {
			NotBefore    string `xml:"NotBefore,attr"`
			NotOnOrAfter string `xml:"NotOnOrAfter,attr"`
			Audience     string `xml:"AudienceRestriction>Audience"`
		} `xml:"Conditions"`
		AuthnStatement *struct {
			SessionIndex string `xml:"SessionIndex,attr"`
		} `xml:"AuthnStatement"`
		Attributes []struct {
			Name   string   `xml:"Name,attr"`
			Values []string `xml:"AttributeValue"`
		} `xml:"AttributeStatement>Attribute"`
	} `xml:"Assertion"`
}

func TestBuildSSOResponse(t *testing.T) {
	builder := newTestBuilder(t)
	rp := testRelyingParty()

	signed, err := builder.BuildSSOResponse(&SSORequest{
		RelyingParty: rp,
		Principal:    testPrincipal(),
		InResponseTo: "_a1",
		ACSURL:       rp.ACSURL,
	})
	require.NoError(t, err)

	var resp parsedResponse
	require.NoError(t, xml.Unmarshal(signed, &resp))

	assert.Equal(t, saml.StatusSuccess, resp.Status.StatusCode.Value)
	assert.Equal(t, "_a1", resp.InResponseTo)
	assert.Equal(t, rp.ACSURL, resp.Destination)
	assert.Equal(t, idpEntityID, resp.Issuer)

	require.NotNil(t, resp.Assertion)
	assert.Equal(t, rp.EntityID, resp.Assertion.Conditions.Audience)
	assert.Equal(t, saml.ConfirmationBearer, resp.Assertion.Subject.SubjectConfirmation.Method)
	assert.Equal(t, "_a1", resp.Assertion.Subject.SubjectConfirmation.Data.InResponseTo)
	assert.Equal(t, rp.ACSURL, resp.Assertion.Subject.SubjectConfirmation.Data.Recipient)

	// Email format requested by the registration
	assert.Equal(t, saml.NameIDEmail, resp.Assertion.Subject.NameID.Format)
	assert.Equal(t, "alice@example.org", resp.Assertion.Subject.NameID.Value)

	require.NotNil(t, resp.Assertion.AuthnStatement)
	assert.Equal(t, "sess-1", resp.Assertion.AuthnStatement.SessionIndex)
}

func TestAssertionValidityWindow(t *testing.T) {
	builder := newTestBuilder(t)
	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return fixed }

	rp := testRelyingParty()
	signed, err := builder.BuildSSOResponse(&SSORequest{
		RelyingParty: rp,
		Principal:    testPrincipal(),
		InResponseTo: "_a1",
		ACSURL:       rp.ACSURL,
	})
	require.NoError(t, err)

	var resp parsedResponse
	require.NoError(t, xml.Unmarshal(signed, &resp))

	assert.Equal(t, "2026-09-01T11:58:00Z", resp.Assertion.Conditions.NotBefore)
	assert.Equal(t, "2026-09-01T12:05:00Z", resp.Assertion.Conditions.NotOnOrAfter)
}

func TestLifetimeOverride(t *testing.T) {
	builder := newTestBuilder(t)
	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return fixed }

	rp := testRelyingParty()
	rp.AssertionLifetimeSeconds = 60

	signed, err := builder.BuildSSOResponse(&SSORequest{
		RelyingParty: rp,
		Principal:    testPrincipal(),
		ACSURL:       rp.ACSURL,
	})
	require.NoError(t, err)

	var resp parsedResponse
	require.NoError(t, xml.Unmarshal(signed, &resp))
	assert.Equal(t, "2026-09-01T12:01:00Z", resp.Assertion.Conditions.NotOnOrAfter)
}

func TestAttributeMapping(t *testing.T) {
	builder := newTestBuilder(t)
	rp := testRelyingParty()
	rp.AttributeMappings = map[string]string{"eduPersonAffiliation": "urn:oid:1.3.6.1.4.1.5923.1.1.1.1"}

	signed, err := builder.BuildSSOResponse(&SSORequest{
		RelyingParty: rp,
		Principal:    testPrincipal(),
		ACSURL:       rp.ACSURL,
	})
	require.NoError(t, err)

	var resp parsedResponse
	require.NoError(t, xml.Unmarshal(signed, &resp))

	names := map[string][]string{}
	for _, attr := range resp.Assertion.Attributes {
		names[attr.Name] = attr.Values
	}
	assert.Equal(t, []string{"member", "staff"}, names["urn:oid:1.3.6.1.4.1.5923.1.1.1.1"])
	assert.NotContains(t, names, "eduPersonAffiliation")
	assert.Equal(t, []string{"alice"}, names["username"])
}

func TestDigestMethodOverride(t *testing.T) {
	builder := newTestBuilder(t)
	rp := testRelyingParty()
	rp.DigestMethods = []string{saml.DigestSHA512}

	signed, err := builder.BuildSSOResponse(&SSORequest{
		RelyingParty: rp,
		Principal:    testPrincipal(),
		ACSURL:       rp.ACSURL,
	})
	require.NoError(t, err)
	assert.Contains(t, string(signed), saml.DigestSHA512)
}

func TestBuildLogoutResponse(t *testing.T) {
	builder := newTestBuilder(t)
	rp := testRelyingParty()
	rp.SLOURL = "https://sp.example.org/Shibboleth.sso/SLO/POST"

	signed, err := builder.BuildLogoutResponse(rp, "_l1", rp.SLOURL)
	require.NoError(t, err)

	var resp struct {
		XMLName      xml.Name `xml:"LogoutResponse"`
		InResponseTo string   `xml:"InResponseTo,attr"`
		Status       struct {
			StatusCode struct {
				Value string `xml:"Value,attr"`
			} `xml:"StatusCode"`
		} `xml:"Status"`
	}
	require.NoError(t, xml.Unmarshal(signed, &resp))
	assert.Equal(t, "_l1", resp.InResponseTo)
	assert.Equal(t, saml.StatusSuccess, resp.Status.StatusCode.Value)
}

func TestBuildErrorResponseCarriesNoAssertion(t *testing.T) {
	builder := newTestBuilder(t)

	out, err := builder.BuildErrorResponse("_a1", "https://sp.example.org/acs", saml.StatusRequester, "rejected")
	require.NoError(t, err)

	var resp parsedResponse
	require.NoError(t, xml.Unmarshal(out, &resp))
	assert.Equal(t, saml.StatusRequester, resp.Status.StatusCode.Value)
	assert.Nil(t, resp.Assertion)
}

func TestArtifactResponseWrapsPayload(t *testing.T) {
	builder := newTestBuilder(t)

	inner := `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_wrapped"/>`
	out, err := builder.BuildArtifactResponse("_ar1", []byte(inner))
	require.NoError(t, err)
	assert.Contains(t, string(out), `ID="_wrapped"`)
	assert.Contains(t, string(out), `InResponseTo="_ar1"`)

	empty, err := builder.EmptyArtifactResponse("_ar2")
	require.NoError(t, err)
	assert.NotContains(t, string(empty), "_wrapped")
}

func TestAttributeQueryResponseFilters(t *testing.T) {
	builder := newTestBuilder(t)
	rp := testRelyingParty()

	out, err := builder.BuildAttributeQueryResponse(rp, testPrincipal(), "_q1", []string{"email"})
	require.NoError(t, err)

	var resp parsedResponse
	require.NoError(t, xml.Unmarshal(out, &resp))
	assert.Equal(t, "_q1", resp.InResponseTo)
	require.NotNil(t, resp.Assertion)
	assert.Nil(t, resp.Assertion.AuthnStatement)
	require.Len(t, resp.Assertion.Attributes, 1)
	assert.Equal(t, "email", resp.Assertion.Attributes[0].Name)
}

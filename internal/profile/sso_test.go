package profile

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/binding"
	"github.com/fedgate/fedgate/internal/common/config"
	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/common/testutil"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/response"
	"github.com/fedgate/fedgate/internal/saml"
	"github.com/fedgate/fedgate/internal/signature"
	"github.com/fedgate/fedgate/internal/ticket"
)

const (
	spEntityID = "https://sp.example.org/shibboleth"
	spACSURL   = "https://sp.example.org/Shibboleth.sso/SAML2/POST"
)

type fakeFetcher struct {
	parties map[string]*metadata.RelyingParty
}

func (f *fakeFetcher) Fetch(ctx context.Context, entityID string) (*metadata.RelyingParty, error) {
	rp, ok := f.parties[entityID]
	if !ok {
		return nil, apperrors.MetadataNotFound(entityID)
	}
	return rp, nil
}

type fakeSessions struct {
	principal *ticket.Principal
}

func (f *fakeSessions) Authenticate(ctx context.Context, req *http.Request) (*ticket.Principal, error) {
	if f.principal == nil {
		return nil, apperrors.Unauthorized("no active session")
	}
	return f.principal, nil
}

type fakePasswords struct {
	username string
	password string
	principal *ticket.Principal
}

func (f *fakePasswords) AuthenticateBasic(ctx context.Context, username, password string) (*ticket.Principal, error) {
	if username != f.username || password != f.password {
		return nil, apperrors.Unauthorized("invalid credentials")
	}
	return f.principal, nil
}

type testEnv struct {
	router   *gin.Engine
	sessions *fakeSessions
	fetcher  *fakeFetcher
	bridge   *ticket.Bridge
	cfg      *config.Config
}

func alicePrincipal() *ticket.Principal {
	return &ticket.Principal{
		ID:           "u-1",
		Username:     "alice",
		Email:        "alice@example.org",
		SessionIndex: "sess-1",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	cfg := &config.Config{
		EntityID:                 "https://idp.example.org/idp",
		BaseURL:                  "https://idp.example.org",
		LoginURL:                 "https://idp.example.org/login",
		ErrorURL:                 "https://idp.example.org/error",
		AssertionLifetimeSeconds: 300,
		ClockSkewSeconds:         120,
		ArtifactTTLSeconds:       300,
		AttributeQueryTTLSeconds: 300,
		RequestStateTTLSeconds:   600,
		MetadataCacheTTLSeconds:  300,
		MetadataTimeoutSeconds:   5,
		TicketTimeoutSeconds:     5,
		AttributeQueryEnabled:    true,
		SignatureAlgorithms:      []string{saml.AlgRSASHA256, saml.AlgRSASHA1},
		DigestMethods:            []string{saml.DigestSHA256},
	}

	log := zap.NewNop()
	defaults := signature.Defaults{
		SignatureAlgorithms: cfg.SignatureAlgorithms,
		DigestMethods:       cfg.DigestMethods,
	}
	signer, err := signature.NewSigner(keyPEM, certPEM, defaults, log)
	require.NoError(t, err)

	fetcher := &fakeFetcher{parties: map[string]*metadata.RelyingParty{
		spEntityID: {
			EntityID:     spEntityID,
			Enabled:      true,
			ACSURL:       spACSURL,
			NameIDFormat: saml.NameIDEmail,
		},
	}}
	resolver := metadata.NewResolver(fetcher, cfg.MetadataCacheTTL(), cfg.MetadataTimeout(), log)
	validator := signature.NewValidator(defaults, resolver, log)
	builder := response.NewBuilder(cfg.EntityID, signer, cfg.AssertionLifetime(), cfg.ClockSkew(), log)

	mock := testutil.NewMockRedis(log)
	require.NoError(t, mock.Setup())
	t.Cleanup(func() { _ = mock.Shutdown() })

	registry := ticket.NewRegistry(mock.Client(), cfg.TicketTimeout(), log)
	bridge := ticket.NewBridge(registry, log)

	sessions := &fakeSessions{}
	passwords := &fakePasswords{username: "alice", password: "secret", principal: alicePrincipal()}

	handlers, err := NewHandlerContext(cfg, log, resolver, validator, signer, builder, bridge, sessions, passwords)
	require.NoError(t, err)

	router := gin.New()
	handlers.RegisterRoutes(router)

	return &testEnv{router: router, sessions: sessions, fetcher: fetcher, bridge: bridge, cfg: cfg}
}

func authnRequest(id, acs, protocolBinding string) string {
	req := `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="` + id + `" Version="2.0" IssueInstant="2026-09-01T00:00:00Z"`
	if acs != "" {
		req += ` AssertionConsumerServiceURL="` + acs + `"`
	}
	if protocolBinding != "" {
		req += ` ProtocolBinding="` + protocolBinding + `"`
	}
	req += `><saml:Issuer xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">` + spEntityID + `</saml:Issuer></samlp:AuthnRequest>`
	return req
}

func redirectSSOURL(t *testing.T, message string) string {
	t.Helper()
	encoded, err := binding.DeflateAndEncode([]byte(message))
	require.NoError(t, err)
	return "/idp/profile/SAML2/Redirect/SSO?SAMLRequest=" + url.QueryEscape(encoded) + "&RelayState=abc123"
}

var formValuePattern = regexp.MustCompile(`name="([^"]+)" value="([^"]*)"`)

func formValues(body string) map[string]string {
	values := map[string]string{}
	for _, m := range formValuePattern.FindAllStringSubmatch(body, -1) {
		values[m[1]] = m[2]
	}
	return values
}

func TestRedirectSSOAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.principal = alicePrincipal()

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", redirectSSOURL(t, authnRequest("_a1", spACSURL, "")), nil))

	require.Equal(t, http.StatusOK, w.Code)
	values := formValues(w.Body.String())
	assert.Equal(t, "abc123", values["RelayState"])
	assert.Contains(t, w.Body.String(), spACSURL)

	raw, err := base64.StdEncoding.DecodeString(values["SAMLResponse"])
	require.NoError(t, err)

	var resp struct {
		XMLName      xml.Name `xml:"Response"`
		InResponseTo string   `xml:"InResponseTo,attr"`
	}
	require.NoError(t, xml.Unmarshal(raw, &resp))
	assert.Equal(t, "_a1", resp.InResponseTo)
	assert.Contains(t, string(raw), "<ds:Signature")
}

func TestRedirectSSOUnauthenticatedParksRequest(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", redirectSSOURL(t, authnRequest("_a1", "", "")), nil))

	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, env.cfg.LoginURL))
	assert.Contains(t, location, url.QueryEscape("resume=SRS-"))
}

func TestSSOCallbackResumesParkedRequest(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", redirectSSOURL(t, authnRequest("_a1", "", "")), nil))
	require.Equal(t, http.StatusFound, w.Code)

	// Extract the resume handle from the login redirect
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	callback, err := url.Parse(loc.Query().Get("service"))
	require.NoError(t, err)
	resumeID := callback.Query().Get("resume")
	require.NotEmpty(t, resumeID)

	// Login happened; the session now exists
	env.sessions.principal = alicePrincipal()

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/idp/profile/SAML2/Callback?resume="+url.QueryEscape(resumeID), nil))

	require.Equal(t, http.StatusOK, w.Code)
	values := formValues(w.Body.String())
	assert.NotEmpty(t, values["SAMLResponse"])
	assert.Equal(t, "abc123", values["RelayState"])

	// The parked state was consumed; replaying the callback lands on the
	// error page
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/idp/profile/SAML2/Callback?resume="+url.QueryEscape(resumeID), nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, env.cfg.ErrorURL, w.Header().Get("Location"))
}

func TestPostSSO(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.principal = alicePrincipal()

	form := url.Values{}
	form.Set("SAMLRequest", base64.StdEncoding.EncodeToString([]byte(authnRequest("_a2", spACSURL, ""))))
	form.Set("RelayState", "abc123")

	req := httptest.NewRequest("POST", "/idp/profile/SAML2/POST/SSO", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, formValues(w.Body.String())["SAMLResponse"])
}

func TestSSOUnknownIssuer(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.principal = alicePrincipal()

	message := strings.ReplaceAll(authnRequest("_a1", "", ""), spEntityID, "https://rogue.example.org")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", redirectSSOURL(t, message), nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, env.cfg.ErrorURL, w.Header().Get("Location"))
}

func TestSSODisabledRelyingParty(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.principal = alicePrincipal()
	env.fetcher.parties[spEntityID].Enabled = false

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", redirectSSOURL(t, authnRequest("_a1", "", "")), nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, env.cfg.ErrorURL, w.Header().Get("Location"))
}

func TestSSORejectsForeignACS(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.principal = alicePrincipal()

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET",
		redirectSSOURL(t, authnRequest("_a1", "https://evil.example.org/acs", "")), nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, env.cfg.ErrorURL, w.Header().Get("Location"))
}

func TestBrowserFailuresHideProtocolInternals(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.principal = alicePrincipal()

	message := strings.ReplaceAll(authnRequest("_a1", "", ""), spEntityID, "https://rogue.example.org")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", redirectSSOURL(t, message), nil))

	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	assert.Equal(t, env.cfg.ErrorURL, location)
	assert.NotContains(t, location, "?")
	assert.NotContains(t, w.Body.String(), string(apperrors.ErrMetadataNotFound))
}

func TestArtifactFlow(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.principal = alicePrincipal()

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET",
		redirectSSOURL(t, authnRequest("_a1", "", saml.BindingHTTPArtifact)), nil))

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	artifact := loc.Query().Get("SAMLart")
	require.True(t, strings.HasPrefix(artifact, "SAT-"))
	assert.Equal(t, "abc123", loc.Query().Get("RelayState"))

	resolveEnvelope := func() *httptest.ResponseRecorder {
		resolve := `<samlp:ArtifactResolve xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_ar1" Version="2.0"><saml:Issuer xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">` +
			spEntityID + `</saml:Issuer><samlp:Artifact>` + artifact + `</samlp:Artifact></samlp:ArtifactResolve>`
		body := `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"><SOAP-ENV:Body>` +
			resolve + `</SOAP-ENV:Body></SOAP-ENV:Envelope>`
		req := httptest.NewRequest("POST", "/idp/profile/SAML2/SOAP/ArtifactResolution", strings.NewReader(body))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	first := resolveEnvelope()
	require.Equal(t, http.StatusOK, first.Code)
	assert.Contains(t, first.Body.String(), "ArtifactResponse")
	assert.Contains(t, first.Body.String(), `InResponseTo="_a1"`)

	// A second resolution finds nothing but looks identical in shape
	second := resolveEnvelope()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "ArtifactResponse")
	assert.NotContains(t, second.Body.String(), `InResponseTo="_a1"`)
}

func TestSLOWithoutEndpoint(t *testing.T) {
	env := newTestEnv(t)

	logout := `<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_l1" Version="2.0"><saml:Issuer xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">` +
		spEntityID + `</saml:Issuer><saml:NameID xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">alice@example.org</saml:NameID></samlp:LogoutRequest>`
	encoded, err := binding.DeflateAndEncode([]byte(logout))
	require.NoError(t, err)

	// No session exists; logout still succeeds
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET",
		"/idp/profile/SAML2/Redirect/SLO?SAMLRequest="+url.QueryEscape(encoded), nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "logged_out")
}

func TestSLODeliversResponse(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.parties[spEntityID].SLOURL = "https://sp.example.org/Shibboleth.sso/SLO/POST"
	env.fetcher.parties[spEntityID].SLOBinding = saml.BindingHTTPPost

	logout := `<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_l1" Version="2.0"><saml:Issuer xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">` +
		spEntityID + `</saml:Issuer></samlp:LogoutRequest>`
	encoded, err := binding.DeflateAndEncode([]byte(logout))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET",
		"/idp/profile/SAML2/Redirect/SLO?SAMLRequest="+url.QueryEscape(encoded), nil))

	require.Equal(t, http.StatusOK, w.Code)
	values := formValues(w.Body.String())
	raw, err := base64.StdEncoding.DecodeString(values["SAMLResponse"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "LogoutResponse")
	assert.Contains(t, string(raw), `InResponseTo="_l1"`)
}

func TestECPRequiresCredentials(t *testing.T) {
	env := newTestEnv(t)

	body := `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"><SOAP-ENV:Body>` +
		authnRequest("_e1", "", "") + `</SOAP-ENV:Body></SOAP-ENV:Envelope>`

	req := httptest.NewRequest("POST", "/idp/profile/SAML2/SOAP/ECP", strings.NewReader(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
}

func TestECPSignIn(t *testing.T) {
	env := newTestEnv(t)

	body := `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"><SOAP-ENV:Body>` +
		authnRequest("_e1", "", "") + `</SOAP-ENV:Body></SOAP-ENV:Envelope>`

	req := httptest.NewRequest("POST", "/idp/profile/SAML2/SOAP/ECP", strings.NewReader(body))
	req.SetBasicAuth("alice", "secret")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, "ecp:Response")
	assert.Contains(t, out, spACSURL)
	assert.Contains(t, out, `InResponseTo="_e1"`)
}

func TestAttributeQueryFlow(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.principal = alicePrincipal()
	env.sessions.principal.Attributes = map[string][]string{"eduPersonAffiliation": {"member"}}

	// SSO first so the attribute snapshot gets parked
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", redirectSSOURL(t, authnRequest("_a1", "", "")), nil))
	require.Equal(t, http.StatusOK, w.Code)

	query := `<samlp:AttributeQuery xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_q1" Version="2.0"><saml:Issuer xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">` +
		spEntityID + `</saml:Issuer><saml:Subject xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"><saml:NameID>alice</saml:NameID></saml:Subject></samlp:AttributeQuery>`
	body := `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"><SOAP-ENV:Body>` +
		query + `</SOAP-ENV:Body></SOAP-ENV:Envelope>`

	req := httptest.NewRequest("POST", "/idp/profile/SAML2/SOAP/AttributeQuery", strings.NewReader(body))
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	// Unsigned queries are refused outright
	assert.NotEqual(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Fault")
}

func TestAttributeQueryDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.AttributeQueryEnabled = false

	req := httptest.NewRequest("POST", "/idp/profile/SAML2/SOAP/AttributeQuery", strings.NewReader("<x/>"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIdPMetadataDocument(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/idp/metadata", nil))

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, env.cfg.EntityID)
	assert.Contains(t, out, "/idp/profile/SAML2/Redirect/SSO")
	assert.Contains(t, out, "X509Certificate")
}

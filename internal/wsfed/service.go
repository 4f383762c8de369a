// Package wsfed implements the WS-Federation passive requestor profile:
// wsignin1.0 sign-in with a security token result, and wsignout1.0 sign-out.
package wsfed

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/common/config"
	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/signature"
	"github.com/fedgate/fedgate/internal/ticket"
)

// WS-Federation protocol actions
const (
	ActionSignIn         = "wsignin1.0"
	ActionSignOut        = "wsignout1.0"
	ActionSignOutCleanup = "wsignoutcleanup1.0"
)

// RealmResolver looks up relying parties by their WS-Federation realm
type RealmResolver interface {
	FetchByRealm(ctx context.Context, realm string) (*metadata.RelyingParty, error)
}

// Handler serves the WS-Federation endpoints
type Handler struct {
	cfg      *config.Config
	logger   *zap.Logger
	realms   RealmResolver
	sessions ticket.SessionValidator
	bridge   *ticket.Bridge
	signer   *signature.Signer
}

// NewHandler creates a WS-Federation handler
func NewHandler(cfg *config.Config, logger *zap.Logger, realms RealmResolver, sessions ticket.SessionValidator, bridge *ticket.Bridge, signer *signature.Signer) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "wsfed")),
		realms:   realms,
		sessions: sessions,
		bridge:   bridge,
		signer:   signer,
	}
}

// RegisterRoutes mounts the WS-Federation endpoints on the router
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	if !h.cfg.WSFedEnabled {
		return
	}
	fed := r.Group("/ws")
	fed.GET("/federation", h.HandleFederation)
	fed.GET("/federation/callback", h.HandleCallback)
	fed.GET("/federation/metadata", h.HandleMetadata)
}

// parkedSignIn is the request-state payload for a sign-in awaiting login
type parkedSignIn struct {
	Realm   string `json:"realm"`
	Reply   string `json:"reply,omitempty"`
	Context string `json:"context,omitempty"`
}

// HandleFederation dispatches on the wa protocol action
func (h *Handler) HandleFederation(c *gin.Context) {
	switch c.Query("wa") {
	case ActionSignIn:
		h.signIn(c)
	case ActionSignOut, ActionSignOutCleanup:
		h.signOut(c)
	default:
		h.renderError(c, apperrors.MalformedRequest("unsupported wa action", nil))
	}
}

func (h *Handler) signIn(c *gin.Context) {
	realm := c.Query("wtrealm")
	if realm == "" {
		h.renderError(c, apperrors.MalformedRequest("missing wtrealm parameter", nil))
		return
	}

	rp, err := h.realms.FetchByRealm(c.Request.Context(), realm)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !rp.Enabled {
		h.renderError(c, apperrors.RelyingPartyDisabled(realm))
		return
	}

	reply, err := replyURL(rp, c.Query("wreply"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	principal, err := h.sessions.Authenticate(c.Request.Context(), c.Request)
	if err != nil {
		h.parkAndRedirect(c, realm, reply, c.Query("wctx"))
		return
	}

	h.issueToken(c, rp, principal, reply, c.Query("wctx"))
}

// HandleCallback resumes a parked sign-in after login
func (h *Handler) HandleCallback(c *gin.Context) {
	resumeID := c.Query("resume")
	if resumeID == "" {
		h.renderError(c, apperrors.MalformedRequest("missing resume parameter", nil))
		return
	}

	var parked parkedSignIn
	if err := h.bridge.Resolve(c.Request.Context(), ticket.KindRequestState, resumeID, &parked); err != nil {
		h.renderError(c, err)
		return
	}

	rp, err := h.realms.FetchByRealm(c.Request.Context(), parked.Realm)
	if err != nil {
		h.renderError(c, err)
		return
	}

	principal, err := h.sessions.Authenticate(c.Request.Context(), c.Request)
	if err != nil {
		h.renderError(c, apperrors.Unauthorized("login did not establish a session"))
		return
	}

	h.issueToken(c, rp, principal, parked.Reply, parked.Context)
}

func (h *Handler) signOut(c *gin.Context) {
	c.SetCookie(ticket.SessionCookieName, "", -1, "/", "", true, true)
	metrics.ProfileRequestsTotal.WithLabelValues("wsfed-signout", "none", "success").Inc()

	if reply := c.Query("wreply"); reply != "" {
		c.Redirect(http.StatusFound, reply)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "signed_out"})
}

// issueToken mints the security token, parks it for audit, and posts the
// result document back to the relying party
func (h *Handler) issueToken(c *gin.Context, rp *metadata.RelyingParty, principal *ticket.Principal, reply, wctx string) {
	ttl := time.Duration(h.cfg.WSFedTokenTTLSeconds) * time.Second
	token, err := h.mintToken(rp, principal, ttl)
	if err != nil {
		h.renderError(c, err)
		return
	}

	if _, err := h.bridge.Issue(c.Request.Context(), ticket.KindSecurityToken, token, ttl); err != nil {
		h.renderError(c, err)
		return
	}

	result, err := tokenResult(token, h.cfg.WSFedRealm, rp.WSFedRealm, ttl)
	if err != nil {
		h.renderError(c, err)
		return
	}

	metrics.ProfileRequestsTotal.WithLabelValues("wsfed-signin", "none", "success").Inc()
	h.postResult(c, reply, result, wctx)
}

type tokenClaims struct {
	Attributes map[string][]string `json:"attributes,omitempty"`
	Email      string              `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (h *Handler) mintToken(rp *metadata.RelyingParty, principal *ticket.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Attributes: principal.Attributes,
		Email:      principal.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.Username,
			Issuer:    h.cfg.WSFedRealm,
			Audience:  jwt.ClaimStrings{rp.WSFedRealm},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        principal.SessionIndex,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.signer.PrivateKey())
	if err != nil {
		return "", apperrors.Internal("failed to sign security token", err)
	}
	return signed, nil
}

func (h *Handler) parkAndRedirect(c *gin.Context, realm, reply, wctx string) {
	parked := parkedSignIn{Realm: realm, Reply: reply, Context: wctx}
	ttl := time.Duration(h.cfg.RequestStateTTLSeconds) * time.Second

	id, err := h.bridge.Issue(c.Request.Context(), ticket.KindRequestState, parked, ttl)
	if err != nil {
		h.renderError(c, err)
		return
	}

	callback := h.cfg.BaseURL + "/ws/federation/callback?resume=" + url.QueryEscape(id)
	c.Redirect(http.StatusFound, h.cfg.LoginURL+"?service="+url.QueryEscape(callback))
}

func (h *Handler) postResult(c *gin.Context, reply, result, wctx string) {
	ctxField := ""
	if wctx != "" {
		ctxField = fmt.Sprintf(`<input type="hidden" name="wctx" value="%s" />`, html.EscapeString(wctx))
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Working...</title></head>
<body onload="document.forms[0].submit()">
<noscript><p>JavaScript is required. Please click the button below.</p></noscript>
<form method="POST" action="%s">
<input type="hidden" name="wa" value="%s" />
<input type="hidden" name="wresult" value="%s" />
%s
<noscript><input type="submit" value="Continue" /></noscript>
</form>
</body>
</html>`, html.EscapeString(reply), ActionSignIn, html.EscapeString(result), ctxField)

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, page)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	if appErr, ok := err.(*apperrors.AppError); ok {
		status = appErr.StatusCode
	}

	switch code {
	case apperrors.ErrMetadataUnavailable, apperrors.ErrTicketStoreUnavailable, apperrors.ErrInternal:
		h.logger.Error("Federation request failed", zap.String("code", string(code)), zap.Error(err))
		metrics.ProfileRequestsTotal.WithLabelValues("wsfed", "none", "error").Inc()
	default:
		h.logger.Warn("Federation request rejected", zap.String("code", string(code)), zap.Error(err))
		metrics.ProfileRequestsTotal.WithLabelValues("wsfed", "none", "rejected").Inc()
	}

	c.JSON(status, gin.H{"error": string(code)})
}

// federationMetadata is the published federation metadata document
type federationMetadata struct {
	XMLName        xml.Name             `xml:"EntityDescriptor"`
	XMLNS          string               `xml:"xmlns,attr"`
	EntityID       string               `xml:"entityID,attr"`
	RoleDescriptor federationDescriptor `xml:"RoleDescriptor"`
}

type federationDescriptor struct {
	XMLNSFed        string              `xml:"xmlns:fed,attr"`
	XMLNSXSI        string              `xml:"xmlns:xsi,attr"`
	Type            string              `xml:"xsi:type,attr"`
	ProtocolSupport string              `xml:"protocolSupportEnumeration,attr"`
	KeyDescriptor   federationKey       `xml:"KeyDescriptor"`
	PassiveEndpoint federationEndpoint  `xml:"fed:PassiveRequestorEndpoint"`
}

type federationKey struct {
	Use         string `xml:"use,attr"`
	XMLNSDS     string `xml:"xmlns:ds,attr"`
	Certificate string `xml:"ds:KeyInfo>ds:X509Data>ds:X509Certificate"`
}

type federationEndpoint struct {
	XMLNSWSA string `xml:"xmlns:wsa,attr"`
	Address  string `xml:"wsa:EndpointReference>wsa:Address"`
}

// HandleMetadata publishes the federation metadata document: realm, signing
// certificate, and the passive requestor endpoint
func (h *Handler) HandleMetadata(c *gin.Context) {
	doc := federationMetadata{
		XMLNS:    "urn:oasis:names:tc:SAML:2.0:metadata",
		EntityID: h.cfg.WSFedRealm,
		RoleDescriptor: federationDescriptor{
			XMLNSFed:        "http://docs.oasis-open.org/wsfed/federation/200706",
			XMLNSXSI:        "http://www.w3.org/2001/XMLSchema-instance",
			Type:            "fed:SecurityTokenServiceType",
			ProtocolSupport: "http://docs.oasis-open.org/wsfed/federation/200706",
			KeyDescriptor: federationKey{
				Use:         "signing",
				XMLNSDS:     "http://www.w3.org/2000/09/xmldsig#",
				Certificate: h.signer.CertificateBase64(),
			},
			PassiveEndpoint: federationEndpoint{
				XMLNSWSA: "http://www.w3.org/2005/08/addressing",
				Address:  h.cfg.BaseURL + "/ws/federation",
			},
		},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		h.renderError(c, apperrors.Internal("failed to marshal federation metadata", err))
		return
	}
	c.Data(http.StatusOK, "application/xml", append([]byte(xml.Header), out...))
}

// replyURL validates the requested reply address against the registration;
// an unregistered reply target is an attacker-chosen redirect
func replyURL(rp *metadata.RelyingParty, requested string) (string, error) {
	registered := rp.WSFedReplyURL
	if registered == "" {
		registered = rp.ACSURL
	}
	if requested == "" {
		return registered, nil
	}
	if requested != registered {
		return "", apperrors.MalformedRequest("wreply does not match registration", nil)
	}
	return registered, nil
}

// requestSecurityTokenResponse is the wresult document
type requestSecurityTokenResponse struct {
	XMLName   xml.Name       `xml:"t:RequestSecurityTokenResponse"`
	XMLNS     string         `xml:"xmlns:t,attr"`
	XMLNSWSU  string         `xml:"xmlns:wsu,attr"`
	XMLNSWSSE string         `xml:"xmlns:wsse,attr"`
	Lifetime  lifetime       `xml:"t:Lifetime"`
	Audience  string         `xml:"t:AppliesTo"`
	Requested requestedToken `xml:"t:RequestedSecurityToken"`
	Issuer    string         `xml:"t:Issuer"`
}

type lifetime struct {
	Created string `xml:"wsu:Created"`
	Expires string `xml:"wsu:Expires"`
}

type requestedToken struct {
	BinarySecurityToken binaryToken `xml:"wsse:BinarySecurityToken"`
}

type binaryToken struct {
	ValueType    string `xml:"ValueType,attr"`
	EncodingType string `xml:"EncodingType,attr"`
	Value        string `xml:",chardata"`
}

// tokenResult serializes the RequestSecurityTokenResponse carrying the token
func tokenResult(token, issuer, audience string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	rstr := requestSecurityTokenResponse{
		XMLNS:     "http://schemas.xmlsoap.org/ws/2005/02/trust",
		XMLNSWSU:  "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd",
		XMLNSWSSE: "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd",
		Lifetime: lifetime{
			Created: now.Format("2006-01-02T15:04:05Z"),
			Expires: now.Add(ttl).Format("2006-01-02T15:04:05Z"),
		},
		Audience: audience,
		Requested: requestedToken{
			BinarySecurityToken: binaryToken{
				ValueType:    "urn:ietf:params:oauth:token-type:jwt",
				EncodingType: "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary",
				Value:        token,
			},
		},
		Issuer: issuer,
	}

	out, err := xml.MarshalIndent(rstr, "", "  ")
	if err != nil {
		return "", apperrors.Internal("failed to marshal token response", err)
	}
	return string(out), nil
}

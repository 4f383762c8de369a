package profile

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/binding"
	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/response"
	"github.com/fedgate/fedgate/internal/saml"
	"github.com/fedgate/fedgate/internal/ticket"
)

// parkedRequest is the request-state payload carried across the login
// redirect. The raw message is kept so the resumed request replays the
// exact pipeline from the validation step onward.
type parkedRequest struct {
	Binding    binding.Kind `json:"binding"`
	RawXML     string       `json:"raw_xml"`
	EntityID   string       `json:"entity_id"`
	RelayState string       `json:"relay_state,omitempty"`
}

// HandleRedirectSSO serves the HTTP-Redirect SSO endpoint
func (h *HandlerContext) HandleRedirectSSO(c *gin.Context) {
	pr, err := binding.DecodeRedirect(c.Request, binding.ParamRequest, h.cfg.URLDecodeRedirectRequest)
	if err != nil {
		h.renderError(c, "sso", string(binding.KindRedirect), err)
		return
	}
	h.processSSO(c, pr)
}

// HandlePostSSO serves the HTTP-POST SSO endpoint
func (h *HandlerContext) HandlePostSSO(c *gin.Context) {
	pr, err := binding.DecodePost(c.Request, binding.ParamRequest)
	if err != nil {
		h.renderError(c, "sso", string(binding.KindPost), err)
		return
	}
	h.processSSO(c, pr)
}

// HandleSimpleSignSSO serves the HTTP-POST-SimpleSign SSO endpoint
func (h *HandlerContext) HandleSimpleSignSSO(c *gin.Context) {
	pr, err := binding.DecodePostSimpleSign(c.Request, binding.ParamRequest)
	if err != nil {
		h.renderError(c, "sso", string(binding.KindPostSimpleSign), err)
		return
	}
	h.processSSO(c, pr)
}

// HandleUnsolicitedSSO serves IdP-initiated SSO. There is no request to
// respond to; the relying party is named by the providerId parameter and the
// target parameter becomes the relay state.
func (h *HandlerContext) HandleUnsolicitedSSO(c *gin.Context) {
	entityID := c.Query("providerId")
	if entityID == "" {
		h.renderError(c, "sso-unsolicited", "none",
			apperrors.MalformedRequest("missing providerId parameter", nil))
		return
	}

	rp, err := h.resolveAuthorized(c, entityID)
	if err != nil {
		h.renderError(c, "sso-unsolicited", "none", err)
		return
	}

	principal, err := h.sessions.Authenticate(c.Request.Context(), c.Request)
	if err != nil {
		h.redirectToLogin(c, c.Request.URL.String())
		return
	}

	signed, err := h.builder.BuildSSOResponse(&response.SSORequest{
		RelyingParty: rp,
		Principal:    principal,
		ACSURL:       rp.ACSURL,
	})
	if err != nil {
		h.renderError(c, "sso-unsolicited", "none", err)
		return
	}

	metrics.ProfileRequestsTotal.WithLabelValues("sso-unsolicited", "none", "success").Inc()
	h.deliverPost(c, rp.ACSURL, signed, c.Query("target"))
}

// HandleSSOCallback resumes a parked request after the login frontend
// redirects back with an authenticated session
func (h *HandlerContext) HandleSSOCallback(c *gin.Context) {
	resumeID := c.Query("resume")
	if resumeID == "" {
		h.renderError(c, "sso-callback", "none",
			apperrors.MalformedRequest("missing resume parameter", nil))
		return
	}

	var parked parkedRequest
	if err := h.bridge.Resolve(c.Request.Context(), ticket.KindRequestState, resumeID, &parked); err != nil {
		h.renderError(c, "sso-callback", "none", err)
		return
	}

	pr := &binding.ProtocolRequest{
		Binding:    parked.Binding,
		RawXML:     []byte(parked.RawXML),
		Issuer:     parked.EntityID,
		RelayState: parked.RelayState,
	}
	h.runSSO(c, pr, true)
}

// processSSO runs the SSO pipeline: resolve and authorize the relying party,
// validate the signature, authenticate or park, then build and deliver.
func (h *HandlerContext) processSSO(c *gin.Context, pr *binding.ProtocolRequest) {
	h.runSSO(c, pr, false)
}

// runSSO is the pipeline body. resumed marks a request replayed after the
// login redirect, so ForceAuthn cannot send it back to login again.
func (h *HandlerContext) runSSO(c *gin.Context, pr *binding.ProtocolRequest, resumed bool) {
	profileName := "sso"
	bindingName := string(pr.Binding)
	ctx := c.Request.Context()

	rp, err := h.resolveAuthorized(c, pr.Issuer)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	rp, err = h.validator.Validate(ctx, pr, rp)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	var authnReq saml.AuthnRequest
	if err := pr.Unmarshal(&authnReq); err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	acsURL, err := h.assertionConsumerURL(rp, &authnReq)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	principal, err := h.sessions.Authenticate(ctx, c.Request)
	if err != nil || (authnReq.ForceAuthn && !resumed) {
		if authnReq.IsPassive {
			h.deliverErrorResponse(c, profileName, bindingName, &authnReq, acsURL, pr.RelayState, saml.StatusAuthnFailed, "passive authentication unavailable")
			return
		}
		h.parkAndRedirect(c, pr, rp)
		return
	}

	signed, err := h.builder.BuildSSOResponse(&response.SSORequest{
		RelyingParty: rp,
		Principal:    principal,
		InResponseTo: authnReq.ID,
		ACSURL:       acsURL,
		NameIDFormat: authnReq.NameIDPolicy.Format,
	})
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	h.cacheAttributeSnapshot(c, principal)

	metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "success").Inc()

	if authnReq.ProtocolBinding == saml.BindingHTTPArtifact {
		h.deliverArtifact(c, profileName, bindingName, acsURL, signed, pr.RelayState)
		return
	}
	h.deliverPost(c, acsURL, signed, pr.RelayState)
}

// assertionConsumerURL picks the response destination. A requested ACS URL
// must match the registered one; anything else is a redirect target an
// attacker chose.
func (h *HandlerContext) assertionConsumerURL(rp *metadata.RelyingParty, req *saml.AuthnRequest) (string, error) {
	if req.AssertionConsumerServiceURL == "" {
		return rp.ACSURL, nil
	}
	if req.AssertionConsumerServiceURL != rp.ACSURL {
		return "", apperrors.MalformedRequest("AssertionConsumerServiceURL does not match registration", nil)
	}
	return rp.ACSURL, nil
}

// resolveAuthorized resolves the relying party and enforces that it is enabled
func (h *HandlerContext) resolveAuthorized(c *gin.Context, entityID string) (*metadata.RelyingParty, error) {
	if entityID == "" {
		return nil, apperrors.MalformedRequest("message carries no issuer", nil)
	}

	rp, err := h.resolver.Resolve(c.Request.Context(), entityID)
	if err != nil {
		return nil, err
	}
	if !rp.Enabled {
		return nil, apperrors.RelyingPartyDisabled(entityID)
	}
	return rp, nil
}

// parkAndRedirect stores the pending request and sends the browser to the
// login frontend with a resume pointer back to the callback endpoint
func (h *HandlerContext) parkAndRedirect(c *gin.Context, pr *binding.ProtocolRequest, rp *metadata.RelyingParty) {
	parked := parkedRequest{
		Binding:    pr.Binding,
		RawXML:     string(pr.RawXML),
		EntityID:   rp.EntityID,
		RelayState: pr.RelayState,
	}

	ttl := secondsDuration(h.cfg.RequestStateTTLSeconds)
	id, err := h.bridge.Issue(c.Request.Context(), ticket.KindRequestState, parked, ttl)
	if err != nil {
		h.renderError(c, "sso", string(pr.Binding), err)
		return
	}

	callback := h.cfg.BaseURL + "/idp/profile/SAML2/Callback?resume=" + url.QueryEscape(id)
	h.redirectToLogin(c, callback)
}

func (h *HandlerContext) redirectToLogin(c *gin.Context, returnTo string) {
	target := h.cfg.LoginURL + "?service=" + url.QueryEscape(returnTo)
	c.Redirect(http.StatusFound, target)
}

// deliverPost emits the auto-submitting POST form carrying the response
func (h *HandlerContext) deliverPost(c *gin.Context, acsURL string, signed []byte, relayState string) {
	page := binding.PostFormHTML(acsURL, binding.ParamResponse, signed, relayState)
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, page)
}

// deliverArtifact parks the signed response behind an artifact handle and
// redirects the browser with the handle only
func (h *HandlerContext) deliverArtifact(c *gin.Context, profileName, bindingName, acsURL string, signed []byte, relayState string) {
	ttl := secondsDuration(h.cfg.ArtifactTTLSeconds)
	artifact, err := h.bridge.Issue(c.Request.Context(), ticket.KindArtifact, string(signed), ttl)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	values := url.Values{}
	values.Set("SAMLart", artifact)
	if relayState != "" {
		values.Set("RelayState", relayState)
	}
	separator := "?"
	if hasQuery(acsURL) {
		separator = "&"
	}
	c.Redirect(http.StatusFound, acsURL+separator+values.Encode())
}

// deliverErrorResponse sends a protocol-level error response to the relying
// party's ACS, used when the request itself was acceptable but could not be
// satisfied
func (h *HandlerContext) deliverErrorResponse(c *gin.Context, profileName, bindingName string, req *saml.AuthnRequest, acsURL, relayState, statusCode, message string) {
	resp, err := h.builder.BuildErrorResponse(req.ID, acsURL, statusCode, message)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}
	metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "protocol_error").Inc()
	h.deliverPost(c, acsURL, resp, relayState)
}

// renderError sends the browser to the generic error page. The coarse code
// and the cause stay in the logs and metrics; nothing protocol-internal
// reaches the user agent.
func (h *HandlerContext) renderError(c *gin.Context, profileName, bindingName string, err error) {
	code := apperrors.CodeOf(err)

	logger := h.logger.With(
		zap.String("profile", profileName),
		zap.String("binding", bindingName),
		zap.String("code", string(code)),
	)
	switch code {
	case apperrors.ErrSignatureInvalid, apperrors.ErrNoAcceptableAlgorithm,
		apperrors.ErrCertificateNotFound, apperrors.ErrRelyingPartyDisabled:
		logger.Warn("Security failure", zap.Error(err))
	case apperrors.ErrMetadataUnavailable, apperrors.ErrTicketStoreUnavailable, apperrors.ErrInternal:
		logger.Error("Profile request failed", zap.Error(err))
	default:
		logger.Info("Profile request rejected", zap.Error(err))
	}

	metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, outcomeOf(code)).Inc()

	if h.cfg.ErrorURL == "" {
		status := http.StatusInternalServerError
		var appErr *apperrors.AppError
		if asAppError(err, &appErr) {
			status = appErr.StatusCode
		}
		c.JSON(status, gin.H{"error": string(code)})
		return
	}
	c.Redirect(http.StatusFound, h.cfg.ErrorURL)
}

func outcomeOf(code apperrors.ErrorCode) string {
	switch code {
	case apperrors.ErrMetadataUnavailable, apperrors.ErrTicketStoreUnavailable, apperrors.ErrInternal:
		return "error"
	default:
		return "rejected"
	}
}

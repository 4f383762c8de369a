package profile

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/fedgate/fedgate/internal/binding"
	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/saml"
	"github.com/fedgate/fedgate/internal/ticket"
)

// HandleRedirectSLO serves the HTTP-Redirect single logout endpoint
func (h *HandlerContext) HandleRedirectSLO(c *gin.Context) {
	pr, err := binding.DecodeRedirect(c.Request, binding.ParamRequest, h.cfg.URLDecodeRedirectRequest)
	if err != nil {
		h.renderError(c, "slo", string(binding.KindRedirect), err)
		return
	}
	h.processSLO(c, pr)
}

// HandlePostSLO serves the HTTP-POST single logout endpoint
func (h *HandlerContext) HandlePostSLO(c *gin.Context) {
	pr, err := binding.DecodePost(c.Request, binding.ParamRequest)
	if err != nil {
		h.renderError(c, "slo", string(binding.KindPost), err)
		return
	}
	h.processSLO(c, pr)
}

// processSLO terminates the IdP session and answers with a success logout
// response. A request for a session that no longer exists succeeds the same
// way; logout is idempotent.
func (h *HandlerContext) processSLO(c *gin.Context, pr *binding.ProtocolRequest) {
	profileName := "slo"
	bindingName := string(pr.Binding)

	rp, err := h.resolveAuthorized(c, pr.Issuer)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	rp, err = h.validator.Validate(c.Request.Context(), pr, rp)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	var logoutReq saml.LogoutRequest
	if err := pr.Unmarshal(&logoutReq); err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	h.clearSession(c)

	if rp.SLOURL == "" {
		// Nowhere to deliver a response; acknowledge directly
		metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "success").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
		return
	}

	resp, err := h.builder.BuildLogoutResponse(rp, logoutReq.ID, rp.SLOURL)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "success").Inc()

	if rp.SLOBinding == saml.BindingHTTPRedirect {
		h.deliverRedirect(c, profileName, bindingName, rp, rp.SLOURL, binding.ParamResponse, resp, pr.RelayState)
		return
	}
	h.deliverPost(c, rp.SLOURL, resp, pr.RelayState)
}

func (h *HandlerContext) clearSession(c *gin.Context) {
	c.SetCookie(ticket.SessionCookieName, "", -1, "/", "", true, true)
}

// deliverRedirect sends a message over the redirect binding with the detached
// signature. The signed content covers the URL-encoded parameters in the
// mandated order, so the receiver can verify against the raw query verbatim.
func (h *HandlerContext) deliverRedirect(c *gin.Context, profileName, bindingName string, rp *metadata.RelyingParty, location string, param binding.MessageParam, message []byte, relayState string) {
	encoded, err := binding.DeflateAndEncode(message)
	if err != nil {
		h.renderError(c, profileName, bindingName, apperrors.Internal("failed to encode redirect message", err))
		return
	}

	alg, err := h.signer.PreferredAlgorithm(rp)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	content := string(param) + "=" + url.QueryEscape(encoded)
	if relayState != "" {
		content += "&RelayState=" + url.QueryEscape(relayState)
	}
	content += "&SigAlg=" + url.QueryEscape(alg)

	_, sig, err := h.signer.SignRedirectParams([]byte(content), rp)
	if err != nil {
		h.renderError(c, profileName, bindingName, err)
		return
	}

	separator := "?"
	if hasQuery(location) {
		separator = "&"
	}
	c.Redirect(http.StatusFound, location+separator+content+"&Signature="+url.QueryEscape(sig))
}

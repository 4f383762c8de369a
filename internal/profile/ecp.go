package profile

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fedgate/fedgate/internal/binding"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/response"
	"github.com/fedgate/fedgate/internal/saml"
)

// HandleECP serves the ECP profile over SOAP. The client authenticates with
// HTTP Basic credentials; the response envelope carries the ACS location in
// the ECP header so the client can forward the response itself.
func (h *HandlerContext) HandleECP(c *gin.Context) {
	profileName := "ecp"
	bindingName := string(binding.KindSOAP)

	username, password, hasBasic := c.Request.BasicAuth()
	if !hasBasic {
		c.Header("WWW-Authenticate", `Basic realm="fedgate"`)
		h.renderFault(c, profileName, bindingName, http.StatusUnauthorized,
			saml.FaultCodeClient, "authentication required")
		return
	}

	pr, err := binding.DecodeSOAP(c.Request)
	if err != nil {
		h.renderFault(c, profileName, bindingName, http.StatusBadRequest,
			saml.FaultCodeClient, "invalid request")
		return
	}

	rp, err := h.resolveAuthorized(c, pr.Issuer)
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	rp, err = h.validator.Validate(c.Request.Context(), pr, rp)
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	var authnReq saml.AuthnRequest
	if err := pr.Unmarshal(&authnReq); err != nil {
		h.renderFault(c, profileName, bindingName, http.StatusBadRequest,
			saml.FaultCodeClient, "invalid request")
		return
	}

	principal, err := h.passwords.AuthenticateBasic(c.Request.Context(), username, password)
	if err != nil {
		c.Header("WWW-Authenticate", `Basic realm="fedgate"`)
		h.renderFault(c, profileName, bindingName, http.StatusUnauthorized,
			saml.FaultCodeClient, "authentication failed")
		return
	}

	acsURL, err := h.assertionConsumerURL(rp, &authnReq)
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
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
		h.soapError(c, profileName, bindingName, err)
		return
	}

	envelope, err := saml.WrapEnvelope(signed, &saml.Header{
		ECPResponse: &saml.ECPResponse{
			XMLNS:                       saml.NSECP,
			MustUnderstand:              "1",
			Actor:                       "http://schemas.xmlsoap.org/soap/actor/next",
			AssertionConsumerServiceURL: acsURL,
		},
	})
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "success").Inc()
	c.Data(http.StatusOK, "text/xml; charset=utf-8", envelope)
}

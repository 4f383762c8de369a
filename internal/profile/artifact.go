package profile

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fedgate/fedgate/internal/binding"
	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/saml"
	"github.com/fedgate/fedgate/internal/ticket"
)

// HandleArtifactResolution serves the SOAP artifact resolution endpoint.
// An artifact resolves at most once; a second attempt, a forged handle, and
// an expired handle all produce the same empty response so callers cannot
// probe which it was.
func (h *HandlerContext) HandleArtifactResolution(c *gin.Context) {
	profileName := "artifact"
	bindingName := string(binding.KindSOAP)

	pr, err := binding.DecodeSOAP(c.Request)
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	rp, err := h.resolveAuthorized(c, pr.Issuer)
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	if _, err := h.validator.Validate(c.Request.Context(), pr, rp); err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	var resolve saml.ArtifactResolve
	if err := pr.Unmarshal(&resolve); err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}
	if resolve.Artifact == "" {
		h.soapError(c, profileName, bindingName,
			apperrors.MalformedRequest("ArtifactResolve carries no artifact", nil))
		return
	}

	var stored string
	err = h.bridge.Resolve(c.Request.Context(), ticket.KindArtifact, resolve.Artifact, &stored)
	if err != nil {
		switch apperrors.CodeOf(err) {
		case apperrors.ErrTicketStoreUnavailable, apperrors.ErrInternal:
			h.soapError(c, profileName, bindingName, err)
			return
		}
	}

	var artifactResponse []byte
	if err != nil {
		artifactResponse, err = h.builder.EmptyArtifactResponse(resolve.ID)
	} else {
		artifactResponse, err = h.builder.BuildArtifactResponse(resolve.ID, []byte(stored))
	}
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	envelope, err := saml.WrapEnvelope(artifactResponse, nil)
	if err != nil {
		h.soapError(c, profileName, bindingName, apperrors.Internal("failed to wrap artifact response", err))
		return
	}

	metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "success").Inc()
	c.Data(http.StatusOK, "text/xml; charset=utf-8", envelope)
}

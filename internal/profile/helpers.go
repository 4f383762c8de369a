package profile

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/saml"
)

// renderFault writes a SOAP fault with a coarse code; internal detail stays
// in the logs
func (h *HandlerContext) renderFault(c *gin.Context, profileName, bindingName string, status int, faultCode, message string) {
	metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "rejected").Inc()

	envelope, err := saml.WrapFault(faultCode, message)
	if err != nil {
		h.logger.Error("Failed to render SOAP fault", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "text/xml; charset=utf-8", envelope)
}

// soapError maps a pipeline failure to the SOAP fault surface: client faults
// for caller mistakes, server faults for infrastructure failures
func (h *HandlerContext) soapError(c *gin.Context, profileName, bindingName string, err error) {
	code := apperrors.CodeOf(err)

	logger := h.logger.With(
		zap.String("profile", profileName),
		zap.String("code", string(code)),
	)

	faultCode := saml.FaultCodeClient
	status := http.StatusBadRequest
	switch code {
	case apperrors.ErrMetadataUnavailable, apperrors.ErrTicketStoreUnavailable,
		apperrors.ErrInternal, apperrors.ErrSigningConfiguration:
		logger.Error("SOAP request failed", zap.Error(err))
		faultCode = saml.FaultCodeServer
		status = http.StatusInternalServerError
		metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "error").Inc()
	default:
		logger.Warn("SOAP request rejected", zap.Error(err))
		metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "rejected").Inc()
	}

	envelope, werr := saml.WrapFault(faultCode, string(code))
	if werr != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "text/xml; charset=utf-8", envelope)
}

func secondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func hasQuery(u string) bool {
	return strings.Contains(u, "?")
}

func asAppError(err error, target **apperrors.AppError) bool {
	return stderrors.As(err, target)
}

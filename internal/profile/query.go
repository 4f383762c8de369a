package profile

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fedgate/fedgate/internal/binding"
	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/saml"
	"github.com/fedgate/fedgate/internal/signature"
	"github.com/fedgate/fedgate/internal/ticket"
)

// HandleAttributeQuery serves the SOAP attribute query endpoint. The profile
// is disabled by default; when off the endpoint does not exist. Queries must
// be signed regardless of the relying party's signing policy, and resolve
// against the attribute snapshot parked at SSO time.
func (h *HandlerContext) HandleAttributeQuery(c *gin.Context) {
	profileName := "attribute-query"
	bindingName := string(binding.KindSOAP)

	if !h.cfg.AttributeQueryEnabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

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

	if !pr.Signed() && !signature.HasEmbedded(pr.RawXML) {
		h.soapError(c, profileName, bindingName,
			apperrors.SignatureInvalid("attribute queries must be signed"))
		return
	}

	rp, err = h.validator.Validate(c.Request.Context(), pr, rp)
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	var query saml.AttributeQuery
	if err := pr.Unmarshal(&query); err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}
	if query.Subject.NameID == "" {
		h.soapError(c, profileName, bindingName,
			apperrors.MalformedRequest("AttributeQuery carries no subject", nil))
		return
	}

	var principal ticket.Principal
	err = h.bridge.Peek(c.Request.Context(), ticket.KindAttributeQuery,
		attributeQueryTicketID(query.Subject.NameID), &principal)
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	requested := make([]string, 0, len(query.Attributes))
	for _, attr := range query.Attributes {
		requested = append(requested, attr.Name)
	}

	resp, err := h.builder.BuildAttributeQueryResponse(rp, &principal, query.ID, requested)
	if err != nil {
		h.soapError(c, profileName, bindingName, err)
		return
	}

	envelope, err := saml.WrapEnvelope(resp, nil)
	if err != nil {
		h.soapError(c, profileName, bindingName, apperrors.Internal("failed to wrap query response", err))
		return
	}

	metrics.ProfileRequestsTotal.WithLabelValues(profileName, bindingName, "success").Inc()
	c.Data(http.StatusOK, "text/xml; charset=utf-8", envelope)
}

// cacheAttributeSnapshot parks the principal's released attributes for later
// attribute queries, keyed by the subject identifiers a query may name
func (h *HandlerContext) cacheAttributeSnapshot(c *gin.Context, principal *ticket.Principal) {
	if !h.cfg.AttributeQueryEnabled {
		return
	}

	ttl := secondsDuration(h.cfg.AttributeQueryTTLSeconds)
	keys := []string{principal.Username}
	if principal.Email != "" && principal.Email != principal.Username {
		keys = append(keys, principal.Email)
	}
	for _, key := range keys {
		if _, err := h.bridge.IssueKeyed(c.Request.Context(), ticket.KindAttributeQuery, key, principal, ttl); err != nil {
			// SSO must not fail because the query snapshot could not be parked
			h.logger.Warn("Failed to park attribute snapshot")
			return
		}
	}
}

func attributeQueryTicketID(nameID string) string {
	return "SAQ-" + nameID
}

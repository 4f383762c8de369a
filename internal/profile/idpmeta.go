package profile

import (
	"encoding/xml"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/saml"
)

// HandleIdPMetadata publishes the IdP's own entity descriptor: signing key,
// supported NameID formats, and the SSO/SLO endpoint locations
func (h *HandlerContext) HandleIdPMetadata(c *gin.Context) {
	base := h.cfg.BaseURL

	descriptor := saml.IdPMetadata{
		XMLNS:    saml.NSMetadata,
		EntityID: h.cfg.EntityID,
		IDPSSODescriptor: saml.IDPSSODescriptor{
			WantAuthnRequestsSigned:    false,
			ProtocolSupportEnumeration: saml.NSProtocol,
			KeyDescriptors: []saml.KeyDescriptor{
				{
					Use: "signing",
					KeyInfo: saml.MetadataKeyInfo{
						XMLNS:    saml.NSDSig,
						X509Data: saml.X509Data{X509Certificate: h.signer.CertificateBase64()},
					},
				},
			},
			NameIDFormats: []saml.NameIDFormat{
				{Value: saml.NameIDEmail},
				{Value: saml.NameIDPersistent},
				{Value: saml.NameIDTransient},
				{Value: saml.NameIDUnspecified},
			},
			SingleSignOnServices: []saml.EndpointElement{
				{Binding: saml.BindingHTTPRedirect, Location: base + "/idp/profile/SAML2/Redirect/SSO"},
				{Binding: saml.BindingHTTPPost, Location: base + "/idp/profile/SAML2/POST/SSO"},
				{Binding: saml.BindingSimpleSign, Location: base + "/idp/profile/SAML2/POST-SimpleSign/SSO"},
				{Binding: saml.BindingSOAP, Location: base + "/idp/profile/SAML2/SOAP/ECP"},
			},
			SingleLogoutServices: []saml.EndpointElement{
				{Binding: saml.BindingHTTPRedirect, Location: base + "/idp/profile/SAML2/Redirect/SLO"},
				{Binding: saml.BindingHTTPPost, Location: base + "/idp/profile/SAML2/POST/SLO"},
			},
		},
	}

	out, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		h.logger.Error("Failed to marshal IdP metadata", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}

	c.Data(http.StatusOK, "application/samlmetadata+xml", append([]byte(xml.Header), out...))
}

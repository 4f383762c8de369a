package profile

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the federation profile endpoints on the router
func (h *HandlerContext) RegisterRoutes(r *gin.Engine) {
	idp := r.Group("/idp")

	idp.GET("/metadata", h.HandleIdPMetadata)

	saml2 := idp.Group("/profile/SAML2")
	saml2.GET("/Redirect/SSO", h.HandleRedirectSSO)
	saml2.POST("/POST/SSO", h.HandlePostSSO)
	saml2.POST("/POST-SimpleSign/SSO", h.HandleSimpleSignSSO)
	saml2.GET("/Unsolicited/SSO", h.HandleUnsolicitedSSO)
	saml2.GET("/Callback", h.HandleSSOCallback)

	saml2.GET("/Redirect/SLO", h.HandleRedirectSLO)
	saml2.POST("/POST/SLO", h.HandlePostSLO)

	saml2.POST("/SOAP/ECP", h.HandleECP)
	saml2.POST("/SOAP/ArtifactResolution", h.HandleArtifactResolution)
	saml2.POST("/SOAP/AttributeQuery", h.HandleAttributeQuery)
}

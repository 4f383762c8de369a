// Package saml defines the SAML 2.0 and SOAP 1.1 wire types and protocol
// constants used by the fedgate profile pipeline.
package saml

// XML namespaces
const (
	NSProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	NSAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	NSMetadata  = "urn:oasis:names:tc:SAML:2.0:metadata"
	NSDSig      = "http://www.w3.org/2000/09/xmldsig#"
	NSSOAP      = "http://schemas.xmlsoap.org/soap/envelope/"
	NSECP       = "urn:oasis:names:tc:SAML:2.0:profiles:SSO:ecp"
)

// Protocol bindings
const (
	BindingHTTPRedirect   = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	BindingHTTPPost       = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	BindingSimpleSign     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST-SimpleSign"
	BindingHTTPArtifact   = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Artifact"
	BindingSOAP           = "urn:oasis:names:tc:SAML:2.0:bindings:SOAP"
	BindingPAOS           = "urn:oasis:names:tc:SAML:2.0:bindings:PAOS"
)

// Status codes
const (
	StatusSuccess      = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester    = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder    = "urn:oasis:names:tc:SAML:2.0:status:Responder"
	StatusAuthnFailed  = "urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"
	StatusRequestDenied = "urn:oasis:names:tc:SAML:2.0:status:RequestDenied"
)

// NameID formats
const (
	NameIDEmail      = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDPersistent = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDTransient  = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
	NameIDUnspecified = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
)

// Subject confirmation methods
const (
	ConfirmationBearer = "urn:oasis:names:tc:SAML:2.0:cm:bearer"
)

// Authentication context classes
const (
	AuthnContextPasswordProtected = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"
)

// Attribute name formats
const (
	AttrNameFormatBasic = "urn:oasis:names:tc:SAML:2.0:attrname-format:basic"
)

// Signature and digest algorithm URIs
const (
	AlgRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	AlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgRSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"

	DigestSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	DigestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	DigestSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	DigestSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"

	AlgExcC14N             = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgEnvelopedSignature  = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// SAMLVersion is the only protocol version this engine speaks
const SAMLVersion = "2.0"

package saml

import "encoding/xml"

// --- Inbound message types (parsed from relying parties) ---

// AuthnRequest is a parsed SAML AuthnRequest from a relying party
type AuthnRequest struct {
	XMLName                     xml.Name     `xml:"AuthnRequest"`
	ID                          string       `xml:"ID,attr"`
	Version                     string       `xml:"Version,attr"`
	IssueInstant                string       `xml:"IssueInstant,attr"`
	Destination                 string       `xml:"Destination,attr"`
	AssertionConsumerServiceURL string       `xml:"AssertionConsumerServiceURL,attr"`
	ProtocolBinding             string       `xml:"ProtocolBinding,attr"`
	ForceAuthn                  bool         `xml:"ForceAuthn,attr"`
	IsPassive                   bool         `xml:"IsPassive,attr"`
	Issuer                      string       `xml:"Issuer"`
	NameIDPolicy                NameIDPolicy `xml:"NameIDPolicy"`
}

// NameIDPolicy expresses the requested NameID format
type NameIDPolicy struct {
	Format      string `xml:"Format,attr"`
	AllowCreate bool   `xml:"AllowCreate,attr"`
}

// LogoutRequest is a parsed SAML LogoutRequest from a relying party
type LogoutRequest struct {
	XMLName      xml.Name `xml:"LogoutRequest"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	Destination  string   `xml:"Destination,attr"`
	Issuer       string   `xml:"Issuer"`
	NameID       string   `xml:"NameID"`
	SessionIndex string   `xml:"SessionIndex"`
}

// ArtifactResolve is a parsed artifact resolution call
type ArtifactResolve struct {
	XMLName      xml.Name `xml:"ArtifactResolve"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	Issuer       string   `xml:"Issuer"`
	Artifact     string   `xml:"Artifact"`
}

// AttributeQuery is a parsed SAML attribute query
type AttributeQuery struct {
	XMLName      xml.Name         `xml:"AttributeQuery"`
	ID           string           `xml:"ID,attr"`
	Version      string           `xml:"Version,attr"`
	IssueInstant string           `xml:"IssueInstant,attr"`
	Issuer       string           `xml:"Issuer"`
	Subject      QuerySubject     `xml:"Subject"`
	Attributes   []QueryAttribute `xml:"Attribute"`
}

// QuerySubject is the queried subject
type QuerySubject struct {
	NameID string `xml:"NameID"`
}

// QueryAttribute names one requested attribute
type QueryAttribute struct {
	Name       string `xml:"Name,attr"`
	NameFormat string `xml:"NameFormat,attr"`
}

// --- Outbound message types (issued by the IdP) ---

// Response is a SAML Response issued by the IdP
type Response struct {
	XMLName      xml.Name      `xml:"samlp:Response"`
	XMLNS        string        `xml:"xmlns:samlp,attr"`
	XMLNSSAML    string        `xml:"xmlns:saml,attr"`
	ID           string        `xml:"ID,attr"`
	Version      string        `xml:"Version,attr"`
	IssueInstant string        `xml:"IssueInstant,attr"`
	Destination  string        `xml:"Destination,attr,omitempty"`
	InResponseTo string        `xml:"InResponseTo,attr,omitempty"`
	Issuer       Issuer        `xml:"saml:Issuer"`
	Status       Status        `xml:"samlp:Status"`
	Assertion    *Assertion    `xml:"saml:Assertion,omitempty"`
	Signature    *SignatureXML `xml:"ds:Signature,omitempty"`
}

// Issuer is the Issuer element
type Issuer struct {
	Value string `xml:",chardata"`
}

// Status is the SAML response status
type Status struct {
	StatusCode    StatusCode `xml:"samlp:StatusCode"`
	StatusMessage string     `xml:"samlp:StatusMessage,omitempty"`
}

// StatusCode is the status code element
type StatusCode struct {
	Value string `xml:"Value,attr"`
}

// Assertion is a SAML assertion
type Assertion struct {
	XMLName            xml.Name            `xml:"saml:Assertion"`
	XMLNS              string              `xml:"xmlns:saml,attr"`
	ID                 string              `xml:"ID,attr"`
	Version            string              `xml:"Version,attr"`
	IssueInstant       string              `xml:"IssueInstant,attr"`
	Issuer             Issuer              `xml:"saml:Issuer"`
	Subject            Subject             `xml:"saml:Subject"`
	Conditions         Conditions          `xml:"saml:Conditions"`
	AuthnStatement     *AuthnStatement     `xml:"saml:AuthnStatement,omitempty"`
	AttributeStatement *AttributeStatement `xml:"saml:AttributeStatement,omitempty"`
}

// Subject contains subject details
type Subject struct {
	NameID              NameID               `xml:"saml:NameID"`
	SubjectConfirmation *SubjectConfirmation `xml:"saml:SubjectConfirmation,omitempty"`
}

// NameID is the NameID element
type NameID struct {
	Format string `xml:"Format,attr"`
	Value  string `xml:",chardata"`
}

// SubjectConfirmation specifies the confirmation method
type SubjectConfirmation struct {
	Method                  string                  `xml:"Method,attr"`
	SubjectConfirmationData SubjectConfirmationData `xml:"saml:SubjectConfirmationData"`
}

// SubjectConfirmationData has confirmation data
type SubjectConfirmationData struct {
	NotOnOrAfter string `xml:"NotOnOrAfter,attr"`
	Recipient    string `xml:"Recipient,attr,omitempty"`
	InResponseTo string `xml:"InResponseTo,attr,omitempty"`
}

// Conditions contains assertion conditions
type Conditions struct {
	NotBefore           string              `xml:"NotBefore,attr"`
	NotOnOrAfter        string              `xml:"NotOnOrAfter,attr"`
	AudienceRestriction AudienceRestriction `xml:"saml:AudienceRestriction"`
}

// AudienceRestriction restricts the audience
type AudienceRestriction struct {
	Audience string `xml:"saml:Audience"`
}

// AuthnStatement describes the authentication event
type AuthnStatement struct {
	AuthnInstant string       `xml:"AuthnInstant,attr"`
	SessionIndex string       `xml:"SessionIndex,attr,omitempty"`
	AuthnContext AuthnContext `xml:"saml:AuthnContext"`
}

// AuthnContext describes the authentication context class
type AuthnContext struct {
	AuthnContextClassRef string `xml:"saml:AuthnContextClassRef"`
}

// AttributeStatement holds released attributes
type AttributeStatement struct {
	Attributes []Attribute `xml:"saml:Attribute"`
}

// Attribute is a single SAML attribute
type Attribute struct {
	Name       string           `xml:"Name,attr"`
	NameFormat string           `xml:"NameFormat,attr,omitempty"`
	Values     []AttributeValue `xml:"saml:AttributeValue"`
}

// AttributeValue is an attribute value
type AttributeValue struct {
	Value string `xml:",chardata"`
}

// LogoutResponse is a SAML LogoutResponse issued by the IdP
type LogoutResponse struct {
	XMLName      xml.Name      `xml:"samlp:LogoutResponse"`
	XMLNS        string        `xml:"xmlns:samlp,attr"`
	XMLNSSAML    string        `xml:"xmlns:saml,attr"`
	ID           string        `xml:"ID,attr"`
	Version      string        `xml:"Version,attr"`
	IssueInstant string        `xml:"IssueInstant,attr"`
	Destination  string        `xml:"Destination,attr,omitempty"`
	InResponseTo string        `xml:"InResponseTo,attr,omitempty"`
	Issuer       Issuer        `xml:"saml:Issuer"`
	Status       Status        `xml:"samlp:Status"`
	Signature    *SignatureXML `xml:"ds:Signature,omitempty"`
}

// ArtifactResponse wraps a previously built response for artifact resolution
type ArtifactResponse struct {
	XMLName      xml.Name `xml:"samlp:ArtifactResponse"`
	XMLNS        string   `xml:"xmlns:samlp,attr"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	InResponseTo string   `xml:"InResponseTo,attr"`
	Issuer       Issuer   `xml:"saml:Issuer"`
	XMLNSSAML    string   `xml:"xmlns:saml,attr"`
	Status       Status   `xml:"samlp:Status"`
	// Payload carries the pre-serialized wrapped message verbatim
	Payload string `xml:",innerxml"`
}

// --- XML signature types ---

// SignatureXML is an enveloped XML signature
type SignatureXML struct {
	XMLName        xml.Name   `xml:"ds:Signature"`
	XMLNS          string     `xml:"xmlns:ds,attr"`
	SignedInfo     SignedInfo `xml:"ds:SignedInfo"`
	SignatureValue string     `xml:"ds:SignatureValue"`
	KeyInfo        *KeyInfo   `xml:"ds:KeyInfo,omitempty"`
}

// SignedInfo describes what was signed
type SignedInfo struct {
	CanonicalizationMethod Algorithm          `xml:"ds:CanonicalizationMethod"`
	SignatureMethod        Algorithm          `xml:"ds:SignatureMethod"`
	Reference              SignatureReference `xml:"ds:Reference"`
}

// Algorithm specifies an algorithm URI
type Algorithm struct {
	Algorithm string `xml:"Algorithm,attr"`
}

// SignatureReference references the signed element
type SignatureReference struct {
	URI          string     `xml:"URI,attr"`
	Transforms   Transforms `xml:"ds:Transforms"`
	DigestMethod Algorithm  `xml:"ds:DigestMethod"`
	DigestValue  string     `xml:"ds:DigestValue"`
}

// Transforms contains transform algorithms
type Transforms struct {
	Transform []Algorithm `xml:"ds:Transform"`
}

// KeyInfo holds key material references
type KeyInfo struct {
	X509Data X509Data `xml:"ds:X509Data"`
}

// X509Data holds X.509 certificate data
type X509Data struct {
	X509Certificate string `xml:"ds:X509Certificate"`
}

// ParsedSignature mirrors SignatureXML for inbound verification, matching
// by local name regardless of prefix
type ParsedSignature struct {
	XMLName        xml.Name        `xml:"Signature"`
	SignedInfo     ParsedSignedInfo `xml:"SignedInfo"`
	SignatureValue string          `xml:"SignatureValue"`
}

// ParsedSignedInfo is the inbound SignedInfo
type ParsedSignedInfo struct {
	SignatureMethod ParsedAlgorithm `xml:"SignatureMethod"`
	Reference       ParsedReference `xml:"Reference"`
}

// ParsedAlgorithm is an inbound algorithm reference
type ParsedAlgorithm struct {
	Algorithm string `xml:"Algorithm,attr"`
}

// ParsedReference is the inbound signature reference
type ParsedReference struct {
	DigestMethod ParsedAlgorithm `xml:"DigestMethod"`
	DigestValue  string          `xml:"DigestValue"`
}

// --- IdP metadata types ---

// IdPMetadata is the published IdP entity descriptor
type IdPMetadata struct {
	XMLName          xml.Name         `xml:"md:EntityDescriptor"`
	XMLNS            string           `xml:"xmlns:md,attr"`
	EntityID         string           `xml:"entityID,attr"`
	IDPSSODescriptor IDPSSODescriptor `xml:"md:IDPSSODescriptor"`
}

// IDPSSODescriptor describes IdP capabilities
type IDPSSODescriptor struct {
	WantAuthnRequestsSigned    bool              `xml:"WantAuthnRequestsSigned,attr"`
	ProtocolSupportEnumeration string            `xml:"protocolSupportEnumeration,attr"`
	KeyDescriptors             []KeyDescriptor   `xml:"md:KeyDescriptor"`
	NameIDFormats              []NameIDFormat    `xml:"md:NameIDFormat"`
	SingleSignOnServices       []EndpointElement `xml:"md:SingleSignOnService"`
	SingleLogoutServices       []EndpointElement `xml:"md:SingleLogoutService"`
}

// KeyDescriptor describes a signing key
type KeyDescriptor struct {
	Use     string          `xml:"use,attr"`
	KeyInfo MetadataKeyInfo `xml:"ds:KeyInfo"`
}

// MetadataKeyInfo holds key information in metadata
type MetadataKeyInfo struct {
	XMLNS    string   `xml:"xmlns:ds,attr"`
	X509Data X509Data `xml:"ds:X509Data"`
}

// NameIDFormat is a supported NameID format entry
type NameIDFormat struct {
	Value string `xml:",chardata"`
}

// EndpointElement is a binding/location endpoint entry
type EndpointElement struct {
	Binding  string `xml:"Binding,attr"`
	Location string `xml:"Location,attr"`
}

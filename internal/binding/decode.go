// Package binding implements the SAML wire encodings: HTTP-Redirect
// (deflate+base64), HTTP-POST (base64 form), HTTP-POST-SimpleSign, and SOAP.
package binding

import (
	"compress/flate"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/saml"
)

// Kind identifies the wire encoding a request arrived on
type Kind string

const (
	KindRedirect       Kind = "redirect"
	KindPost           Kind = "post"
	KindPostSimpleSign Kind = "post-simplesign"
	KindSOAP           Kind = "soap"
)

// MessageParam selects which protocol parameter carries the message
type MessageParam string

const (
	ParamRequest  MessageParam = "SAMLRequest"
	ParamResponse MessageParam = "SAMLResponse"
)

// ProtocolRequest is a binding-agnostic decoded federation request.
// It is created per inbound call and never persisted.
type ProtocolRequest struct {
	Binding    Kind
	RawXML     []byte
	Issuer     string
	RelayState string

	// Detached signature material for Redirect and SimpleSign variants
	SigAlg        string
	Signature     string
	SignedContent []byte
}

// Signed reports whether the request carries a detached signature
func (r *ProtocolRequest) Signed() bool {
	return r.Signature != ""
}

// Unmarshal parses the decoded XML into the expected message type.
// Parse failures surface as MalformedRequest; nothing partially-parsed
// escapes to the caller.
func (r *ProtocolRequest) Unmarshal(v interface{}) error {
	if err := xml.Unmarshal(r.RawXML, v); err != nil {
		return apperrors.MalformedRequest("invalid protocol message", err)
	}
	return nil
}

type issuerProbe struct {
	Issuer string `xml:"Issuer"`
}

// DecodeRedirect decodes an HTTP-Redirect binding message from the query
// string. When urlDecode is set the parameter value is URL-decoded once more
// before base64 decoding, for relying parties that double-encode.
func DecodeRedirect(req *http.Request, param MessageParam, urlDecode bool) (*ProtocolRequest, error) {
	query := req.URL.Query()
	value := query.Get(string(param))
	if value == "" {
		return nil, apperrors.MalformedRequest(fmt.Sprintf("missing %s parameter", param), nil)
	}

	if urlDecode {
		unescaped, err := url.QueryUnescape(value)
		if err != nil {
			return nil, apperrors.MalformedRequest("invalid URL encoding", err)
		}
		value = unescaped
	}

	raw, err := InflateAndDecode(value)
	if err != nil {
		return nil, apperrors.MalformedRequest("invalid message encoding", err)
	}

	var probe issuerProbe
	if err := xml.Unmarshal(raw, &probe); err != nil {
		return nil, apperrors.MalformedRequest("invalid protocol message", err)
	}

	pr := &ProtocolRequest{
		Binding:    KindRedirect,
		RawXML:     raw,
		Issuer:     strings.TrimSpace(probe.Issuer),
		RelayState: query.Get("RelayState"),
		SigAlg:     query.Get("SigAlg"),
		Signature:  query.Get("Signature"),
	}
	if pr.Signature != "" {
		pr.SignedContent = redirectSignedContent(req.URL.RawQuery, string(param))
	}
	return pr, nil
}

// DecodePost decodes an HTTP-POST binding message from the form body
func DecodePost(req *http.Request, param MessageParam) (*ProtocolRequest, error) {
	return decodePostForm(req, param, false)
}

// DecodePostSimpleSign decodes the SimpleSign POST variant. The detached
// signature companion fields are mandatory for this binding.
func DecodePostSimpleSign(req *http.Request, param MessageParam) (*ProtocolRequest, error) {
	return decodePostForm(req, param, true)
}

func decodePostForm(req *http.Request, param MessageParam, simpleSign bool) (*ProtocolRequest, error) {
	if err := req.ParseForm(); err != nil {
		return nil, apperrors.MalformedRequest("invalid form body", err)
	}

	value := req.PostFormValue(string(param))
	if value == "" {
		return nil, apperrors.MalformedRequest(fmt.Sprintf("missing %s parameter", param), nil)
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, apperrors.MalformedRequest("invalid base64 encoding", err)
	}

	var probe issuerProbe
	if err := xml.Unmarshal(raw, &probe); err != nil {
		return nil, apperrors.MalformedRequest("invalid protocol message", err)
	}

	pr := &ProtocolRequest{
		Binding:    KindPost,
		RawXML:     raw,
		Issuer:     strings.TrimSpace(probe.Issuer),
		RelayState: req.PostFormValue("RelayState"),
		SigAlg:     req.PostFormValue("SigAlg"),
		Signature:  req.PostFormValue("Signature"),
	}

	if simpleSign {
		pr.Binding = KindPostSimpleSign
		if pr.Signature == "" || pr.SigAlg == "" {
			return nil, apperrors.MalformedRequest("SimpleSign binding requires Signature and SigAlg", nil)
		}
		// SimpleSign signs the plain message octets, not the base64 form
		pr.SignedContent = simpleSignContent(string(param), raw, pr.RelayState, pr.SigAlg)
	}

	return pr, nil
}

// DecodeSOAP decodes a SOAP-bound message from the request body
func DecodeSOAP(req *http.Request) (*ProtocolRequest, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, apperrors.MalformedRequest("failed to read SOAP body", err)
	}

	payload, err := saml.UnwrapEnvelope(body)
	if err != nil {
		return nil, apperrors.MalformedRequest("invalid SOAP envelope", err)
	}

	var probe issuerProbe
	if err := xml.Unmarshal(payload, &probe); err != nil {
		return nil, apperrors.MalformedRequest("invalid protocol message", err)
	}

	return &ProtocolRequest{
		Binding: KindSOAP,
		RawXML:  payload,
		Issuer:  strings.TrimSpace(probe.Issuer),
	}, nil
}

// redirectSignedContent reconstructs the exact signed octets from the raw
// query string, in the order mandated by the redirect binding:
// SAMLRequest|SAMLResponse, then RelayState, then SigAlg, each as originally
// URL-encoded by the sender.
func redirectSignedContent(rawQuery, param string) []byte {
	encoded := map[string]string{}
	for _, pair := range strings.Split(rawQuery, "&") {
		key, value, found := strings.Cut(pair, "=")
		if found {
			encoded[key] = value
		}
	}

	var parts []string
	for _, key := range []string{param, "RelayState", "SigAlg"} {
		if value, ok := encoded[key]; ok {
			parts = append(parts, key+"="+value)
		}
	}
	return []byte(strings.Join(parts, "&"))
}

// simpleSignContent builds the SimpleSign signed octets over the plain message
func simpleSignContent(param string, raw []byte, relayState, sigAlg string) []byte {
	var b strings.Builder
	b.WriteString(param + "=" + string(raw))
	if relayState != "" {
		b.WriteString("&RelayState=" + relayState)
	}
	b.WriteString("&SigAlg=" + sigAlg)
	return []byte(b.String())
}

// InflateAndDecode reverses the redirect binding encoding: base64 decode then
// raw inflate. Plain base64 without compression is accepted as a fallback for
// relying parties that skip the deflate step.
func InflateAndDecode(data string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	reader := flate.NewReader(strings.NewReader(string(decoded)))
	defer reader.Close()

	inflated, err := io.ReadAll(reader)
	if err != nil {
		if looksLikeXML(decoded) {
			return decoded, nil
		}
		return nil, err
	}
	return inflated, nil
}

func looksLikeXML(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	return strings.HasPrefix(trimmed, "<")
}

package saml

import (
	"encoding/xml"
	"fmt"
)

// ParsedEnvelope is an inbound SOAP 1.1 envelope. The body payload is kept
// verbatim so decoding stays all-or-nothing for downstream parsers.
type ParsedEnvelope struct {
	XMLName xml.Name   `xml:"Envelope"`
	Body    ParsedBody `xml:"Body"`
}

// ParsedBody carries the raw inner XML of the SOAP body
type ParsedBody struct {
	Payload []byte `xml:",innerxml"`
}

// Envelope is an outbound SOAP 1.1 envelope
type Envelope struct {
	XMLName xml.Name `xml:"SOAP-ENV:Envelope"`
	XMLNS   string   `xml:"xmlns:SOAP-ENV,attr"`
	Header  *Header  `xml:"SOAP-ENV:Header,omitempty"`
	Body    Body     `xml:"SOAP-ENV:Body"`
}

// Header is an outbound SOAP header; ECP responses carry the ACS location here
type Header struct {
	ECPResponse *ECPResponse `xml:"ecp:Response,omitempty"`
}

// ECPResponse is the ECP SOAP header block
type ECPResponse struct {
	XMLNS              string `xml:"xmlns:ecp,attr"`
	MustUnderstand     string `xml:"SOAP-ENV:mustUnderstand,attr"`
	Actor              string `xml:"SOAP-ENV:actor,attr"`
	AssertionConsumerServiceURL string `xml:"AssertionConsumerServiceURL,attr"`
}

// Body carries the pre-serialized protocol message or fault
type Body struct {
	Payload string `xml:",innerxml"`
}

// Fault is a SOAP 1.1 fault. Faults never carry principal attributes.
type Fault struct {
	XMLName     xml.Name `xml:"SOAP-ENV:Fault"`
	FaultCode   string   `xml:"faultcode"`
	FaultString string   `xml:"faultstring"`
}

// SOAP 1.1 fault codes used by the profile handlers
const (
	FaultCodeClient = "SOAP-ENV:Client"
	FaultCodeServer = "SOAP-ENV:Server"
)

// WrapEnvelope serializes a SOAP envelope around a pre-serialized payload
func WrapEnvelope(payload []byte, header *Header) ([]byte, error) {
	env := Envelope{
		XMLNS:  NSSOAP,
		Header: header,
		Body:   Body{Payload: string(payload)},
	}
	out, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SOAP envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// WrapFault serializes a SOAP fault envelope with a coarse-grained code
func WrapFault(code, message string) ([]byte, error) {
	fault := Fault{FaultCode: code, FaultString: message}
	payload, err := xml.MarshalIndent(fault, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SOAP fault: %w", err)
	}
	return WrapEnvelope(payload, nil)
}

// UnwrapEnvelope extracts the raw body payload from an inbound SOAP envelope
func UnwrapEnvelope(data []byte) ([]byte, error) {
	var env ParsedEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse SOAP envelope: %w", err)
	}
	if len(env.Body.Payload) == 0 {
		return nil, fmt.Errorf("SOAP body is empty")
	}
	return env.Body.Payload, nil
}

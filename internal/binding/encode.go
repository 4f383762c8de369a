package binding

import (
	"compress/flate"
	"encoding/base64"
	"fmt"
	"html"
	"net/url"
	"strings"
)

// DeflateAndEncode compresses and base64-encodes a message for the
// HTTP-Redirect binding
func DeflateAndEncode(data []byte) (string, error) {
	var buf strings.Builder
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", err
	}

	if _, err := w.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString([]byte(buf.String())), nil
}

// RedirectURL builds the redirect binding URL for a message. The optional
// sigAlg and signature values are appended when the message is signed with
// the detached redirect signature.
func RedirectURL(location string, param MessageParam, message []byte, relayState, sigAlg, signature string) (string, error) {
	encoded, err := DeflateAndEncode(message)
	if err != nil {
		return "", fmt.Errorf("failed to encode redirect message: %w", err)
	}

	values := url.Values{}
	values.Set(string(param), encoded)
	if relayState != "" {
		values.Set("RelayState", relayState)
	}
	if sigAlg != "" {
		values.Set("SigAlg", sigAlg)
		values.Set("Signature", signature)
	}

	separator := "?"
	if strings.Contains(location, "?") {
		separator = "&"
	}
	return location + separator + values.Encode(), nil
}

// PostFormHTML renders the auto-submitting HTML form that delivers a message
// over the HTTP-POST binding
func PostFormHTML(action string, param MessageParam, message []byte, relayState string) string {
	encoded := base64.StdEncoding.EncodeToString(message)

	relayField := ""
	if relayState != "" {
		relayField = fmt.Sprintf(`<input type="hidden" name="RelayState" value="%s" />`,
			html.EscapeString(relayState))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Working...</title></head>
<body onload="document.forms[0].submit()">
<noscript><p>JavaScript is required. Please click the button below.</p></noscript>
<form method="POST" action="%s">
<input type="hidden" name="%s" value="%s" />
%s
<noscript><input type="submit" value="Continue" /></noscript>
</form>
</body>
</html>`, html.EscapeString(action), param, encoded, relayField)
}

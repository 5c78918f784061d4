package auth

import (
	"regexp"
	"strings"
)

// Cameras in the field send digest parameters with and without quotes, with
// and without spaces around '='. Matching stays deliberately loose:
// key, optional spaces, '=', optional quote, value up to a comma/quote/space.
var digestParamRe = regexp.MustCompile(`(?i)([a-z]+)\s?=\s?"?([^,"\s]*)"?`)

// ParseAuthorization extracts a digest Request from an Authorization header
// value such as:
//
//	Digest username="admin", realm="Realm", nonce="...", uri="/onvif/device_service",
//	qop=auth, nc=00000001, cnonce="...", response="...", opaque="..."
//
// Missing parameters are left empty; the caller decides what is mandatory.
func ParseAuthorization(header string) Request {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "Digest")

	var req Request
	for _, m := range digestParamRe.FindAllStringSubmatch(header, -1) {
		key, value := strings.ToLower(m[1]), m[2]
		switch key {
		case "username":
			req.Username = value
		case "realm":
			req.Realm = value
		case "nonce":
			req.Nonce = value
		case "uri":
			req.DigestURI = value
		case "response":
			req.Response = value
		case "algorithm":
			req.Algorithm = value
		case "cnonce":
			req.Cnonce = value
		case "opaque":
			req.Opaque = value
		case "qop":
			req.Qop = value
		case "nc":
			req.NonceCount = value
		}
	}
	return req
}

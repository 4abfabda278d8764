package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"content-length":      {},
}

// stripRequestHeaders are dropped from forwarded requests so the shared
// upstream client negotiates encoding itself and hands back decoded bytes.
var stripRequestHeaders = map[string]struct{}{
	"accept-encoding": {},
}

// stripResponseHeaders are stale after the client decompressed the body.
var stripResponseHeaders = map[string]struct{}{
	"content-encoding":  {},
	"content-length":    {},
	"transfer-encoding": {},
}

// sensitiveHeaders have their values masked before storage.
var sensitiveHeaders = map[string]struct{}{
	"authorization":  {},
	"x-api-key":      {},
	"api-key":        {},
	"openai-api-key": {},
}

// RedactHeaders masks sensitive header values: the first 12 characters
// survive, the rest becomes ***. Short values are fully masked. With
// redact false the map passes through untouched.
func RedactHeaders(headers map[string]string, redact bool) map[string]string {
	if !redact {
		return headers
	}
	result := make(map[string]string, len(headers))
	for key, value := range headers {
		if _, sensitive := sensitiveHeaders[strings.ToLower(key)]; sensitive {
			if len(value) > 12 {
				result[key] = value[:12] + "***"
			} else {
				result[key] = "***"
			}
		} else {
			result[key] = value
		}
	}
	return result
}

// headerMap flattens an http.Header into a lowercased single-value map,
// the shape provider detection and redaction work on.
func headerMap(h http.Header) map[string]string {
	result := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			result[strings.ToLower(key)] = values[0]
		}
	}
	return result
}

// buildForwardHeaders copies request headers minus hop-by-hop and
// encoding headers for the upstream request.
func buildForwardHeaders(h http.Header) http.Header {
	out := http.Header{}
	for key, values := range h {
		lower := strings.ToLower(key)
		if _, skip := hopByHopHeaders[lower]; skip {
			continue
		}
		if _, skip := stripRequestHeaders[lower]; skip {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	return out
}

// copyResponseHeaders echoes upstream response headers to the client,
// minus hop-by-hop and stale encoding headers.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		lower := strings.ToLower(key)
		if _, skip := hopByHopHeaders[lower]; skip {
			continue
		}
		if _, skip := stripResponseHeaders[lower]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

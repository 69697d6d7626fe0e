package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sandboxhq/sandboxd/pkg/rules"
)

// Session identification surface.
const (
	// SessionHeader is the primary session header.
	SessionHeader = "X-Sandbox-Session"
	// SessionCookie is the fallback session cookie.
	SessionCookie = "sandbox_session"
	// GlobalSession is the sentinel identifier for the global scope.
	GlobalSession = "GLOBAL"
)

// maxBodySize caps how much of a request body is read.
const maxBodySize = 10 << 20

// parseRequest decodes the raw request into the value object rule
// selection and templating work over: lowercased single-value headers,
// first-value-wins query, parsed cookies, and a JSON body when the
// content type indicates one.
func parseRequest(r *http.Request, pathVars map[string]string) (*rules.RequestInfo, error) {
	info := &rules.RequestInfo{
		Method:   strings.ToUpper(r.Method),
		Path:     r.URL.Path,
		Query:    make(map[string]string),
		Headers:  make(map[string]string),
		Cookies:  make(map[string]string),
		PathVars: pathVars,
	}

	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			info.Query[key] = values[0]
		}
	}
	for key, values := range r.Header {
		if len(values) > 0 {
			info.Headers[strings.ToLower(key)] = values[0]
		}
	}
	for _, cookie := range r.Cookies() {
		info.Cookies[cookie.Name] = cookie.Value
	}

	if r.Body != nil && r.Body != http.NoBody {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(raw) > 0 {
			contentType := info.Headers["content-type"]
			if strings.Contains(contentType, "json") {
				var parsed any
				if err := json.Unmarshal(raw, &parsed); err != nil {
					return nil, fmt.Errorf("decode json body: %w", err)
				}
				info.Body = parsed
			} else {
				info.Body = string(raw)
			}
		}
	}
	return info, nil
}

// resolveSession extracts the session identifier in resolution order:
// the X-Sandbox-Session header, the sandbox_session cookie, the
// Authorization header used as an opaque key, then the GLOBAL sentinel.
func resolveSession(info *rules.RequestInfo) string {
	if sid := info.Headers[strings.ToLower(SessionHeader)]; sid != "" {
		return sid
	}
	if sid := info.Cookies[SessionCookie]; sid != "" {
		return sid
	}
	if auth := info.Headers["authorization"]; auth != "" {
		return auth
	}
	return GlobalSession
}

// templateRequest projects the request into the evaluator's req shape.
func templateRequest(info *rules.RequestInfo) map[string]any {
	return map[string]any{
		"method":     info.Method,
		"path":       info.Path,
		"headers":    stringAnyMap(info.Headers),
		"cookies":    stringAnyMap(info.Cookies),
		"query":      stringAnyMap(info.Query),
		"body":       info.Body,
		"pathParams": stringAnyMap(info.PathVars),
	}
}

func stringAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

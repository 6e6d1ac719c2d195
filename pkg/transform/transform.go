// Package transform applies configured header and path rewrites to proxied
// requests and responses.
package transform

import (
	"net/http"
	"regexp"
)

// HeaderOps describes the three header operations for one direction.
// They are always applied in the order remove, set, add.
type HeaderOps struct {
	Remove []string          `json:"remove,omitempty"`
	Set    map[string]string `json:"set,omitempty"`
	Add    map[string]string `json:"add,omitempty"`
}

// PathRewrite rewrites the request path with a regular expression.
// Replacement supports back-references ($1, ${name}).
type PathRewrite struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// Request holds request-direction transformations.
type Request struct {
	Headers     *HeaderOps   `json:"headers,omitempty"`
	PathRewrite *PathRewrite `json:"pathRewrite,omitempty"`
}

// Response holds response-direction transformations.
type Response struct {
	Headers *HeaderOps `json:"headers,omitempty"`
}

// Config is a route's transform configuration.
type Config struct {
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// ApplyHeaders applies remove, then set, then add to h. Name matching is
// case-insensitive; add only inserts names that are absent.
func ApplyHeaders(h http.Header, ops *HeaderOps) {
	if ops == nil {
		return
	}
	for _, name := range ops.Remove {
		h.Del(name)
	}
	for name, value := range ops.Set {
		h.Set(name, value)
	}
	for name, value := range ops.Add {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}
}

// RewritePath applies the rewrite to path. An invalid pattern or a nil
// rewrite leaves the path unchanged.
func RewritePath(path string, rw *PathRewrite) string {
	if rw == nil || rw.Pattern == "" {
		return path
	}
	re, err := regexp.Compile(rw.Pattern)
	if err != nil {
		return path
	}
	return re.ReplaceAllString(path, rw.Replacement)
}

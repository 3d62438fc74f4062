package recipebox

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey is the cache identity of req: method, absolute URL without
// fragment, and the values of the given vary headers.
func RequestKey(req *http.Request, varyHeaders []string) string {
	if req == nil || req.URL == nil {
		return ""
	}

	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = canonicalHost(u.Scheme, u.Host)
	if u.Path == "" {
		u.Path = "/"
	}

	var b strings.Builder
	b.WriteString("m=")
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteString("|u=")
	b.WriteString(u.String())

	for _, header := range varyHeaders {
		name := strings.ToLower(strings.TrimSpace(header))
		if name == "" {
			continue
		}
		values := req.Header.Values(header)
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		b.WriteString("|v=")
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(trimmed, ","))
	}
	return b.String()
}

// canonicalHost lowercases host and drops the scheme's default port.
func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// canonicalURL is u with a lowercase scheme, a canonical host, no fragment
// and at least "/" as path. Scopes are compared against it.
func canonicalURL(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = canonicalHost(c.Scheme, c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}

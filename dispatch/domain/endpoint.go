package domain

import (
	"net/url"
	"strings"
)

// EndpointKey is the canonical (scheme, host, port) triple that two
// requests must share to compete for the same admission capacity.
//
// Scheme and host are compared case-insensitively; port defaults to the
// scheme's well-known port when the URL does not specify one.
type EndpointKey struct {
	Scheme string
	Host   string
	Port   string
}

var wellKnownPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// EndpointKeyFromURL derives the canonical endpoint key for u.
//
// A nil URL or one with an empty host produces the zero EndpointKey and
// false, signalling an invalid-argument condition to the caller.
func EndpointKeyFromURL(u *url.URL) (EndpointKey, bool) {
	if u == nil || u.Host == "" {
		return EndpointKey{}, false
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		if p, ok := wellKnownPorts[scheme]; ok {
			port = p
		}
	}

	return EndpointKey{Scheme: scheme, Host: host, Port: port}, true
}

// String renders the key in scheme://host:port form for logging.
func (k EndpointKey) String() string {
	return k.Scheme + "://" + k.Host + ":" + k.Port
}

package domain

import (
	"net/url"
	"testing"
)

func TestEndpointKeyFromURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want EndpointKey
	}{
		{"https default port", "https://Example.com/path", EndpointKey{Scheme: "https", Host: "example.com", Port: "443"}},
		{"http default port", "http://example.com/path", EndpointKey{Scheme: "http", Host: "example.com", Port: "80"}},
		{"explicit port", "https://example.com:8443/path", EndpointKey{Scheme: "https", Host: "example.com", Port: "8443"}},
		{"case-insensitive scheme and host", "HTTPS://EXAMPLE.COM/x", EndpointKey{Scheme: "https", Host: "example.com", Port: "443"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u, err := url.Parse(tc.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got, ok := EndpointKeyFromURL(u)
			if !ok {
				t.Fatal("expected ok=true")
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestEndpointKeyFromURL_NilOrHostless(t *testing.T) {
	if _, ok := EndpointKeyFromURL(nil); ok {
		t.Fatal("expected false for nil URL")
	}
	u, _ := url.Parse("/just-a-path")
	if _, ok := EndpointKeyFromURL(u); ok {
		t.Fatal("expected false for a host-less URL")
	}
}

func TestEndpointKey_SameEndpointSameKey(t *testing.T) {
	a, _ := url.Parse("https://example.com/a")
	b, _ := url.Parse("https://example.com:443/b")
	ka, _ := EndpointKeyFromURL(a)
	kb, _ := EndpointKeyFromURL(b)
	if ka != kb {
		t.Fatalf("expected same endpoint key for explicit vs. implicit default port, got %+v != %+v", ka, kb)
	}
}

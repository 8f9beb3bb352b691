// Package environment decides how a sign-in should be performed from what
// the page tells us about its runtime.
package environment

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// Method is the authentication strategy
type Method string

const (
	Popup    Method = "popup"
	Redirect Method = "redirect"
)

// ParseMethod returns the method for a persisted value
func ParseMethod(s string) (Method, bool) {
	switch Method(s) {
	case Popup, Redirect:
		return Method(s), true
	}
	return "", false
}

// Descriptor is the raw runtime information reported by a page
type Descriptor struct {
	UserAgent string
	Hostname  string
	// Framed is true when the page runs inside a frame
	Framed bool
}

// Classification is derived from a Descriptor
type Classification struct {
	IsMobile        bool
	IsEmbeddedView  bool
	IsKnownHostname bool
}

// Method applies the strategy rule. Only mobile on the production hostname
// redirects; everything else tries a popup first.
func (c Classification) Method() Method {
	if c.IsKnownHostname && c.IsMobile {
		return Redirect
	}
	return Popup
}

var mobileTokens = []string{
	"Android", "iPhone", "iPad", "iPod", "Mobile", "webOS", "BlackBerry", "IEMobile", "Opera Mini",
}

var embeddedTokens = []string{
	"FBAN", "FBAV", "Instagram", "Line/", "; wv)", "GSA/",
}

// Classifier is configured once with the production hostname
type Classifier struct {
	productionHost string
}

// NewClassifier creates a classifier. productionHost is compared case-insensitively.
func NewClassifier(productionHost string) *Classifier {
	return &Classifier{productionHost: normalizeHost(productionHost)}
}

// Classify is pure; the same descriptor always yields the same classification
func (c *Classifier) Classify(d Descriptor) Classification {
	host := normalizeHost(d.Hostname)
	return Classification{
		IsMobile:        isMobile(d.UserAgent),
		IsEmbeddedView:  d.Framed || containsAny(d.UserAgent, embeddedTokens),
		IsKnownHostname: host != "" && host == c.productionHost,
	}
}

func isMobile(ua string) bool {
	if ua == "" {
		return false
	}
	if useragent.New(ua).Mobile() {
		return true
	}
	return containsAny(ua, mobileTokens)
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(h, ".")
}

// DescriptorFromRequest builds the descriptor for the page that made r
func DescriptorFromRequest(r *http.Request) Descriptor {
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return Descriptor{
		UserAgent: r.UserAgent(),
		Hostname:  normalizeHost(host),
		Framed:    r.Header.Get("Sec-Fetch-Dest") == "iframe" || r.URL.Query().Get("framed") == "1",
	}
}

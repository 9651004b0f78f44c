// internal/captcha/sitekey.go
package captcha

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	// sitekeyAttrRegex is the last resort for malformed markup.
	sitekeyAttrRegex = regexp.MustCompile(`data-sitekey=["']([^"']+)["']`)
	// Turnstile frames carry the key as a path segment.
	turnstileKeyRegex = regexp.MustCompile(`0x4[A-Za-z0-9_-]{10,}`)
)

// SitekeyFromHTML returns the data-sitekey of the first element that belongs
// to the given provider. Elements whose markup names no provider are accepted
// as a fallback, and a regex scan covers markup the tokenizer cannot reach.
func SitekeyFromHTML(doc string, kind Kind) string {
	// fallback holds the first key whose element names no provider.
	var fallback string
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		// Only start tags carry attributes.
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		key := attr(tok, "data-sitekey")
		if key == "" {
			continue
		}
		switch providerOf(tok) {
		case kind:
			return key
		case KindNone:
			if fallback == "" {
				fallback = key
			}
		}
	}
	if fallback != "" {
		return fallback
	}
	if m := sitekeyAttrRegex.FindStringSubmatch(doc); len(m) > 1 {
		return m[1]
	}
	return ""
}

// SitekeyFromFrameURL extracts the key a provider frame was loaded with.
func SitekeyFromFrameURL(raw string, kind Kind) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	switch kind {
	case KindRecaptcha:
		return u.Query().Get("k")
	case KindHCaptcha:
		if k := u.Query().Get("sitekey"); k != "" {
			return k
		}
		// hCaptcha puts its parameters in the fragment.
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			return frag.Get("sitekey")
		}
	case KindTurnstile:
		// Turnstile has no query parameter for it.
		return turnstileKeyRegex.FindString(u.Path)
	}
	return ""
}

// attr returns the value of the named attribute, or "".
func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// providerOf infers the widget provider from its class list.
func providerOf(tok html.Token) Kind {
	class := attr(tok, "class")
	switch {
	case strings.Contains(class, "cf-turnstile"):
		return KindTurnstile
	case strings.Contains(class, "g-recaptcha"):
		return KindRecaptcha
	case strings.Contains(class, "h-captcha"):
		return KindHCaptcha
	}
	return KindNone
}

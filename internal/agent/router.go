// internal/agent/router.go
package agent

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const braveSearchBase = "https://search.brave.com/search?q="

// siteRoutes maps a site mentioned in a prompt to its home page. Order matters
// when a prompt names more than one.
var siteRoutes = []struct {
	keyword string
	url     string
}{
	{"amazon", "https://www.amazon.in"},
	{"flipkart", "https://www.flipkart.com"},
	{"youtube", "https://www.youtube.com"},
	{"myntra", "https://www.myntra.com"},
	{"swiggy", "https://www.swiggy.com"},
	{"zomato", "https://www.zomato.com"},
}

var searchIntentWords = []string{"search", "google", "find", "look for"}

// StartURL picks a home page for the sites the prompt names, or fallback.
func StartURL(prompt, fallback string) string {
	lower := strings.ToLower(prompt)
	for _, r := range siteRoutes {
		if strings.Contains(lower, r.keyword) {
			return r.url
		}
	}
	return fallback
}

// HasSearchIntent reports whether the prompt asks for a web search.
func HasSearchIntent(prompt string) bool {
	return containsAny(strings.ToLower(prompt), searchIntentWords)
}

// BraveSearchURL builds a results page URL for query. Spaces are encoded as
// %20 rather than +.
func BraveSearchURL(query string) string {
	return braveSearchBase + strings.ReplaceAll(url.QueryEscape(query), "+", "%20")
}

// IsBraveSearch reports whether raw is already on the Brave search host.
func IsBraveSearch(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), "search.brave.com")
}

// queryExtractor is the part of the decision engine the router needs.
type queryExtractor interface {
	ExtractSearchQuery(ctx context.Context, prompt string) (string, error)
}

// Router turns a prompt into a Task and its first URL.
type Router struct {
	extractor  queryExtractor
	defaultURL string
	logger     *zap.Logger
}

// NewRouter creates a router. defaultURL is used when no site is named.
func NewRouter(extractor queryExtractor, defaultURL string, logger *zap.Logger) *Router {
	return &Router{extractor: extractor, defaultURL: defaultURL, logger: logger.Named("router")}
}

// Plan routes a prompt. Search-style prompts start on a Brave results page;
// if the query cannot be extracted the site routing is used instead.
func (r *Router) Plan(ctx context.Context, prompt string) (Task, string) {
	task := Task{Prompt: prompt}

	// 1. Searches go straight to a results page.
	if HasSearchIntent(prompt) {
		query, err := r.extractor.ExtractSearchQuery(ctx, prompt)
		if err != nil {
			r.logger.Warn("Could not extract search query, using site routing.", zap.Error(err))
		} else {
			task.SearchQuery = query
			task.AlternateURL = BraveSearchURL(query)
			r.logger.Info("Routing search to Brave.", zap.String("query", query))
			return task, task.AlternateURL
		}
	}

	// 2. Otherwise a named site, or the default start page.
	start := StartURL(prompt, r.defaultURL)
	r.logger.Info("Routing to start page.", zap.String("url", start))
	return task, start
}

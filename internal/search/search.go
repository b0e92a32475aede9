// Package search decides when a message needs fresh facts, fetches them from
// DuckDuckGo and frames the result for injection into a prompt.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/stupiduntilnot/verabot/internal/control"
)

// Sentinel marks a lookup that produced no usable facts.
const Sentinel = "SEARCH_FAILED"

const (
	DefaultEndpoint   = "https://html.duckduckgo.com/html/"
	DefaultMaxResults = 3
	DefaultTimeout    = 10 * time.Second
)

// Outcome labels a lookup for logs and metrics.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeEmpty       Outcome = "empty"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// Context is the transient result of one lookup. Text is either formatted
// results or Sentinel.
type Context struct {
	Text    string
	Outcome Outcome
}

// Failed reports whether Text is the sentinel.
func (c Context) Failed() bool { return c.Text == Sentinel }

// Frame renders the context as a prompt block. Results are labelled as
// internet search results; the sentinel becomes a status line so it is never
// read as a fact.
func (c Context) Frame() string {
	if c.Failed() || strings.TrimSpace(c.Text) == "" {
		return "[Internet search status: " + Sentinel + "; no real-time data was retrieved for this question.]"
	}
	return "[Internet search results for the question below]\n\n" + c.Text + "\n\n[End of search results]"
}

// Result is one search hit.
type Result struct {
	Title   string
	Snippet string
	URL     string
}

var triggers = []string{
	"погода", "новости", "курс", "цена", "кто такой",
	"что такое", "когда", "где", "weather", "news",
	"price", "who is", "what is", "when", "where",
	"прогноз", "найди",
}

// NeedsSearch reports whether text contains a time-sensitive or lookup
// trigger phrase.
func NeedsSearch(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range triggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

var (
	recencyTopics = []string{"погода", "новости", "weather", "news"}
	spaces        = regexp.MustCompile(`\s+`)
)

// NormalizeQuery drops the current year as a standalone token and, for
// weather or news questions, appends a recency hint in the query's script.
func NormalizeQuery(query string, now time.Time) string {
	year := regexp.MustCompile(`(^|[^\p{L}\p{N}])` + strconv.Itoa(now.Year()) + `($|[^\p{L}\p{N}])`)
	q := year.ReplaceAllString(query, "$1$2")
	q = strings.TrimSpace(spaces.ReplaceAllString(q, " "))

	lower := strings.ToLower(q)
	for _, topic := range recencyTopics {
		if !strings.Contains(lower, topic) {
			continue
		}
		hint := "today"
		if hasCyrillic(q) {
			hint = "сегодня"
		}
		if !strings.Contains(lower, hint) {
			q += " " + hint
		}
		break
	}
	return q
}

func hasCyrillic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}

// ErrRateLimited is returned when the backend throttles us.
var ErrRateLimited = errors.New("search backend rate limited")

// Options configures a Client.
type Options struct {
	Endpoint   string
	MaxResults int
	Timeout    time.Duration
	HTTPClient *http.Client
	// Breaker short-circuits lookups while the backend keeps failing.
	Breaker *control.CircuitBreaker
	Now     func() time.Time
}

// Client performs lookups against the DuckDuckGo HTML endpoint.
type Client struct {
	endpoint   string
	maxResults int
	timeout    time.Duration
	httpClient *http.Client
	breaker    *control.CircuitBreaker
	now        func() time.Time
	logger     *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		endpoint:   opts.Endpoint,
		maxResults: opts.MaxResults,
		timeout:    opts.Timeout,
		httpClient: opts.HTTPClient,
		breaker:    opts.Breaker,
		now:        opts.Now,
		logger:     logger.Named("search"),
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.maxResults <= 0 {
		c.maxResults = DefaultMaxResults
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.breaker == nil {
		c.breaker = control.NewCircuitBreaker(3, time.Minute)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Search runs one lookup for query. It never fails: errors, throttling, an
// empty result set and an open circuit all yield the sentinel.
func (c *Client) Search(ctx context.Context, query string) Context {
	if !c.breaker.Allow(c.now()) {
		c.logger.Debug("search skipped, circuit open", zap.String("query", query))
		return Context{Text: Sentinel, Outcome: OutcomeCircuitOpen}
	}

	results, err := c.lookup(ctx, query)
	switch {
	case errors.Is(err, ErrRateLimited):
		c.breaker.RecordFailure("search_rate_limited", c.now())
		c.logger.Warn("search rate limited", zap.String("query", query), zap.Error(err))
		return Context{Text: Sentinel, Outcome: OutcomeRateLimited}
	case err != nil:
		c.breaker.RecordFailure("search_error", c.now())
		c.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		return Context{Text: Sentinel, Outcome: OutcomeError}
	}
	c.breaker.RecordSuccess()
	if len(results) == 0 {
		c.logger.Info("search returned no results", zap.String("query", query))
		return Context{Text: Sentinel, Outcome: OutcomeEmpty}
	}
	return Context{Text: FormatResults(results), Outcome: OutcomeOK}
}

// FormatResults renders hits as Title/Body/Link blocks separated by blank
// lines.
func FormatResults(results []Result) string {
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, fmt.Sprintf("Title: %s\nBody: %s\nLink: %s", r.Title, r.Snippet, r.URL))
	}
	return strings.Join(blocks, "\n\n")
}

func (c *Client) lookup(ctx context.Context, query string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{"q": {query}, "kl": {"wt-wt"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusForbidden, http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return ParseResults(string(body), c.maxResults)
}

// ParseResults extracts up to max hits from a DuckDuckGo HTML result page.
func ParseResults(page string, max int) ([]Result, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var results []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") && !hasClass(n, "result--ad") {
			r := extractResult(n)
			if r.URL != "" && r.Title != "" {
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func extractResult(n *html.Node) Result {
	var r Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a"):
				r.URL = unwrapRedirect(attr(n, "href"))
				r.Title = textContent(n)
			case hasClass(n, "result__snippet"):
				r.Snippet = textContent(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return r
}

// unwrapRedirect turns DuckDuckGo's "/l/?uddg=<target>" links into the
// target URL.
func unwrapRedirect(href string) string {
	if !strings.Contains(href, "/l/?") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(spaces.ReplaceAllString(b.String(), " "))
}

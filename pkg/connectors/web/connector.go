// Package web implements a load-state connector that crawls a site,
// yielding one document per page. The crawl stays on the starting host and
// is bounded by a page budget.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/quarryhq/quarry/pkg/connectors"
)

const defaultMaxPages = 500

// Config is the connector-specific configuration.
type Config struct {
	BaseURL  string `json:"base_url"`
	MaxPages int    `json:"max_pages"`
}

// Connector crawls a single site breadth-first.
type Connector struct {
	cfg    Config
	client *http.Client
}

// New builds a web connector from its configuration.
func New(config json.RawMessage) (connectors.Connector, error) {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("decoding web connector config: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("web connector requires base_url")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Connector{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// LoadCredentials is a no-op: public sites need none.
func (c *Connector) LoadCredentials(map[string]any) error { return nil }

// ValidateConnectorSettings fetches the base URL once.
func (c *Connector) ValidateConnectorSettings(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL, nil)
	if err != nil {
		return &connectors.ValidationError{Source: "web", Message: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &connectors.UnexpectedValidationError{Source: "web", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &connectors.InsufficientPermissionsError{Source: "web", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &connectors.ValidationError{Source: "web", Message: fmt.Sprintf("base URL returned HTTP %d", resp.StatusCode)}
	}
	return nil
}

// LoadAll crawls from the base URL.
func (c *Connector) LoadAll(ctx context.Context) connectors.DocumentIterator {
	// A bare host gets the "/" path so it matches resolved links to the root.
	start := c.cfg.BaseURL
	if u, err := url.Parse(start); err == nil && u.Path == "" {
		u.Path = "/"
		start = u.String()
	}
	return &crawler{
		conn:    c,
		queue:   []string{start},
		visited: map[string]bool{start: true},
	}
}

type crawler struct {
	conn    *Connector
	queue   []string
	visited map[string]bool
	emitted int
}

func (cr *crawler) Checkpoint() connectors.Checkpoint { return nil }

func (cr *crawler) Next(ctx context.Context) (*connectors.Item, error) {
	for len(cr.queue) > 0 && cr.emitted < cr.conn.cfg.MaxPages {
		pageURL := cr.queue[0]
		cr.queue = cr.queue[1:]

		doc, links, err := cr.conn.fetchPage(ctx, pageURL)
		if err != nil {
			if retryAfter, ok := rateLimited(err); ok {
				// Push the page back; the runtime sleeps out the delay and
				// calls Next again.
				cr.queue = append([]string{pageURL}, cr.queue...)
				return nil, &connectors.RateLimitedError{RetryAfter: retryAfter, Err: err}
			}
			return &connectors.Item{Failure: &connectors.ConnectorFailure{
				FailedDocumentID: pageURL,
				Message:          fmt.Sprintf("fetching %s", pageURL),
				Err:              err,
			}}, nil
		}

		for _, link := range links {
			if !cr.visited[link] {
				cr.visited[link] = true
				cr.queue = append(cr.queue, link)
			}
		}

		if doc == nil {
			continue
		}
		cr.emitted++
		return &connectors.Item{Document: doc}, nil
	}
	return nil, nil
}

// rateLimitError carries the Retry-After header of a 429 response.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return "HTTP 429" }

func rateLimited(err error) (time.Duration, bool) {
	var rl *rateLimitError
	if errors.As(err, &rl) {
		return rl.retryAfter, true
	}
	return 0, false
}

// fetchPage retrieves one page, returning its document (nil for non-HTML)
// and the same-host links found on it.
func (c *Connector) fetchPage(ctx context.Context, pageURL string) (*connectors.Document, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Minute
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, nil, &rateLimitError{retryAfter: retryAfter}
	}
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return nil, nil, nil
	}

	root, err := html.Parse(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing HTML: %w", err)
	}

	title, text := extractText(root)
	links := c.sameHostLinks(pageURL, root)

	if strings.TrimSpace(text) == "" {
		return nil, links, nil
	}

	if title == "" {
		title = pageURL
	}
	return &connectors.Document{
		ID:                 pageURL,
		SemanticIdentifier: title,
		Title:              title,
		Sections:           []connectors.Section{{Link: pageURL, Text: text}},
		Source:             "web",
	}, links, nil
}

// extractText walks the DOM collecting the title and visible text.
func extractText(root *html.Node) (title, text string) {
	var sb strings.Builder
	var walk func(n *html.Node, skip bool)
	walk = func(n *html.Node, skip bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				skip = true
			case "title":
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				skip = true
			}
		}
		if n.Type == html.TextNode && !skip {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				sb.WriteString(trimmed)
				sb.WriteByte('\n')
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child, skip)
		}
	}
	walk(root, false)
	return title, sb.String()
}

// sameHostLinks resolves hrefs and keeps those on the crawl host.
func (c *Connector) sameHostLinks(pageURL string, root *html.Node) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				resolved := base.ResolveReference(ref)
				if resolved.Host != base.Host || (resolved.Scheme != "http" && resolved.Scheme != "https") {
					continue
				}
				resolved.Fragment = ""
				links = append(links, resolved.String())
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return links
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quarryhq/quarry/pkg/connectors"
)

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Home</title></head>
			<body>Welcome <a href="/about">about</a> <a href="https://other.example.com/x">external</a></body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>About</title></head><body>About us <a href="/">home</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func buildConnector(t *testing.T, baseURL string) *Connector {
	t.Helper()
	raw, _ := json.Marshal(Config{BaseURL: baseURL})
	c, err := New(raw)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c.(*Connector)
}

func TestCrawlStaysOnHost(t *testing.T) {
	srv := newTestSite(t)
	c := buildConnector(t, srv.URL)

	it := c.LoadAll(context.Background())
	var ids []string
	for {
		item, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if item == nil {
			break
		}
		if item.Failure != nil {
			t.Fatalf("unexpected failure: %v", item.Failure)
		}
		ids = append(ids, item.Document.ID)
	}

	if len(ids) != 2 {
		t.Fatalf("crawled %d pages, want 2 (external link must be skipped): %v", len(ids), ids)
	}
}

func TestDocumentContent(t *testing.T) {
	srv := newTestSite(t)
	c := buildConnector(t, srv.URL)

	it := c.LoadAll(context.Background())
	item, err := it.Next(context.Background())
	if err != nil || item == nil || item.Document == nil {
		t.Fatalf("Next() = (%v, %v), want a document", item, err)
	}

	doc := item.Document
	if doc.Title != "Home" {
		t.Errorf("Title = %q, want Home", doc.Title)
	}
	if len(doc.Sections) != 1 || doc.Sections[0].Text == "" {
		t.Errorf("Sections = %+v, want one text section", doc.Sections)
	}
	if doc.Source != "web" {
		t.Errorf("Source = %q, want web", doc.Source)
	}
}

func TestFetchErrorBecomesFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Home</title></head><body>hi <a href="/broken">broken</a></body></html>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := buildConnector(t, srv.URL)
	it := c.LoadAll(context.Background())

	var docs, failures int
	for {
		item, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if item == nil {
			break
		}
		if item.Failure != nil {
			failures++
		} else {
			docs++
		}
	}
	if docs != 1 || failures != 1 {
		t.Errorf("docs=%d failures=%d, want 1 and 1", docs, failures)
	}
}

func TestRateLimitSurfacesTyped(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := buildConnector(t, srv.URL)
	it := c.LoadAll(context.Background())

	_, err := it.Next(context.Background())
	var rl *connectors.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("Next() error = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter.Seconds() != 7 {
		t.Errorf("RetryAfter = %v, want 7s", rl.RetryAfter)
	}
}

func TestValidateSettings(t *testing.T) {
	srv := newTestSite(t)
	c := buildConnector(t, srv.URL)
	if err := c.ValidateConnectorSettings(context.Background()); err != nil {
		t.Errorf("ValidateConnectorSettings() = %v, want nil", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(json.RawMessage(`{}`)); err == nil {
		t.Error("New() without base_url should error")
	}
}

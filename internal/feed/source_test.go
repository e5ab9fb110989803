package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/widgetdash/internal/model"
)

// mockSSRFGuard はテスト用のSSRFガード。
// blockAllがtrueなら全URLを、blockedHostsに含まれる文字列を持つURLを拒否する。
type mockSSRFGuard struct {
	blockAll     bool
	blockedHosts []string
	validated    []string
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (m *mockSSRFGuard) ValidateURL(rawURL string) error {
	m.validated = append(m.validated, rawURL)
	if m.blockAll {
		return fmt.Errorf("blocked by SSRF guard")
	}
	for _, h := range m.blockedHosts {
		if strings.Contains(rawURL, h) {
			return fmt.Errorf("blocked by SSRF guard")
		}
	}
	return nil
}

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Help Center</title>
    <link>https://example.com</link>
    <item>
      <title>Getting started</title>
      <link>https://example.com/articles/1</link>
      <guid>article-1</guid>
      <pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
      <description>&lt;p&gt;Hello&lt;/p&gt;</description>
    </item>
  </channel>
</rss>`

const testAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Docs</title>
  <id>urn:docs</id>
  <updated>2024-01-01T00:00:00Z</updated>
  <entry>
    <title>Billing</title>
    <id>urn:docs:billing</id>
    <link href="https://example.com/docs/billing"/>
    <updated>2024-01-01T00:00:00Z</updated>
    <content type="html">&lt;p&gt;Billing&lt;/p&gt;</content>
  </entry>
</feed>`

func newFeedServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestResolve_DirectRSS(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		fmt.Fprint(w, testRSS)
	})
	server := newFeedServer(t, mux)

	src := NewSource(&mockSSRFGuard{}, 0, 0)
	doc, err := src.Resolve(context.Background(), server.URL+"/feed.xml")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if doc.URL != server.URL+"/feed.xml" {
		t.Errorf("doc.URL = %q, want %q", doc.URL, server.URL+"/feed.xml")
	}
	if !strings.Contains(string(doc.Body), "Getting started") {
		t.Error("expected body to contain feed content")
	}
}

func TestResolve_GenericXMLIsSniffed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/atom", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, testAtom)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0"?><urlset></urlset>`)
	})
	server := newFeedServer(t, mux)
	src := NewSource(&mockSSRFGuard{}, 0, 0)

	if _, err := src.Resolve(context.Background(), server.URL+"/atom"); err != nil {
		t.Fatalf("Resolve(atom) returned error: %v", err)
	}

	_, err := src.Resolve(context.Background(), server.URL+"/sitemap.xml")
	if !model.IsAPIErrorCode(err, model.ErrCodeFeedNotDetected) {
		t.Errorf("Resolve(sitemap) error = %v, want FEED_NOT_DETECTED", err)
	}
}

func TestResolve_HTMLDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head>
			<link rel="alternate" type="application/rss+xml" href="/rss.xml">
			<link rel="alternate" type="application/atom+xml" href="/atom.xml">
		</head><body></body></html>`)
	})
	mux.HandleFunc("/atom.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, testAtom)
	})
	server := newFeedServer(t, mux)

	guard := &mockSSRFGuard{}
	src := NewSource(guard, 0, 0)
	doc, err := src.Resolve(context.Background(), server.URL+"/")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if doc.URL != server.URL+"/atom.xml" {
		t.Errorf("doc.URL = %q, want atom feed", doc.URL)
	}
	if len(guard.validated) != 2 {
		t.Errorf("validated %d URLs, want 2 (page and feed)", len(guard.validated))
	}
}

func TestResolve_HTMLWithoutFeedLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>No feeds</title></head></html>`)
	})
	server := newFeedServer(t, mux)

	_, err := NewSource(&mockSSRFGuard{}, 0, 0).Resolve(context.Background(), server.URL+"/")
	if !model.IsAPIErrorCode(err, model.ErrCodeFeedNotDetected) {
		t.Errorf("error = %v, want FEED_NOT_DETECTED", err)
	}
}

func TestResolve_LinkedFeedIsNotAFeed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><link rel="alternate" type="application/rss+xml" href="/broken"></head></html>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html></html>`)
	})
	server := newFeedServer(t, mux)

	_, err := NewSource(&mockSSRFGuard{}, 0, 0).Resolve(context.Background(), server.URL+"/")
	if !model.IsAPIErrorCode(err, model.ErrCodeFeedNotDetected) {
		t.Errorf("error = %v, want FEED_NOT_DETECTED", err)
	}
}

func TestResolve_SSRFBlocked(t *testing.T) {
	_, err := NewSource(&mockSSRFGuard{blockAll: true}, 0, 0).Resolve(context.Background(), "http://127.0.0.1/feed")
	if !model.IsAPIErrorCode(err, model.ErrCodeSSRFBlocked) {
		t.Errorf("error = %v, want SSRF_BLOCKED", err)
	}
}

func TestResolve_LinkedFeedIsValidated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><link rel="alternate" type="application/rss+xml" href="http://metadata.internal/feed"></head></html>`)
	})
	server := newFeedServer(t, mux)

	guard := &mockSSRFGuard{blockedHosts: []string{"metadata.internal"}}
	_, err := NewSource(guard, 0, 0).Resolve(context.Background(), server.URL+"/")
	if !model.IsAPIErrorCode(err, model.ErrCodeSSRFBlocked) {
		t.Errorf("error = %v, want SSRF_BLOCKED", err)
	}
}

func TestResolve_HTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := newFeedServer(t, mux)

	_, err := NewSource(&mockSSRFGuard{}, 0, 0).Resolve(context.Background(), server.URL+"/missing")
	if !model.IsAPIErrorCode(err, model.ErrCodeFetchFailed) {
		t.Errorf("error = %v, want FETCH_FAILED", err)
	}
}

func TestResolve_EmptyURL(t *testing.T) {
	_, err := NewSource(&mockSSRFGuard{}, 0, 0).Resolve(context.Background(), "  ")
	if !model.IsAPIErrorCode(err, model.ErrCodeInvalidURL) {
		t.Errorf("error = %v, want INVALID_URL", err)
	}
}

func TestResolve_SendsUserAgent(t *testing.T) {
	var gotUA string
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testRSS)
	})
	server := newFeedServer(t, mux)

	if _, err := NewSource(&mockSSRFGuard{}, 0, 0).Resolve(context.Background(), server.URL+"/feed"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !strings.HasPrefix(gotUA, "Widgetdash/") {
		t.Errorf("User-Agent = %q, want Widgetdash/ prefix", gotUA)
	}
}

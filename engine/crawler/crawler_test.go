package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/engine/knowledge/chunk"
)

const homePage = `<html><head><title>Agency Home</title><script>var tracking = 1;</script></head>
<body>
<nav><a href="/about">About</a> <a href="javascript:void(0)">Menu</a> <a href="#top">Top</a></nav>
<main><p>Welcome to the agency.</p><a href="/body-only">Body link</a></main>
<footer class="site-footer"><a href="/privacy">Privacy Policy</a> <a href="mailto:help@agency.gov">Email</a>
<a href="https://elsewhere.example.org/x">Partner</a></footer>
</body></html>`

func testPage(title, body string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><main>%s</main>
<footer><a href="/">Home</a></footer></body></html>`, title, body)
}

type site struct {
	mu   sync.Mutex
	hits map[string]int
}

func (s *site) hit(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newSite(t *testing.T, robots string) (*httptest.Server, *site) {
	t.Helper()
	state := &site{hits: make(map[string]int)}
	pages := map[string]string{
		"/":          homePage,
		"/about":     testPage("About", "About the agency and its mission."),
		"/privacy":   testPage("Privacy", "We protect visitor data."),
		"/body-only": testPage("Body", "Not linked from navigation."),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		state.hits[r.URL.Path]++
		state.mu.Unlock()
		if r.URL.Path == "/robots.txt" {
			if robots == "" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(robots))
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, state
}

func TestCollyCrawler_Crawl(t *testing.T) {
	ctx := context.Background()

	t.Run("Should follow same-site region links and capture regions", func(t *testing.T) {
		srv, state := newSite(t, "")
		c := New(Options{Parallelism: 2})
		defer c.Close()
		docs, err := c.Crawl(ctx, srv.URL)
		require.NoError(t, err)
		require.Len(t, docs, 3)

		home := docs[0]
		assert.Equal(t, srv.URL+"/", home.ID)
		assert.Equal(t, "Agency Home", home.Metadata.Title)
		assert.Equal(t, home.ID, home.Metadata.URL)
		assert.Contains(t, home.Text, "About (/about)")
		assert.Contains(t, home.Text, "Welcome to the agency.")
		assert.NotContains(t, home.Text, "tracking")

		sources := map[chunk.SemanticSource]string{}
		for _, region := range home.Regions {
			sources[region.Source] = region.Text
		}
		assert.Contains(t, sources[chunk.SourceNav], "About (/about)")
		assert.Contains(t, sources[chunk.SourceFooter], "Privacy Policy (/privacy)")

		var ids []string
		for _, doc := range docs {
			ids = append(ids, doc.ID)
		}
		assert.ElementsMatch(t, []string{srv.URL + "/", srv.URL + "/about", srv.URL + "/privacy"}, ids)
		assert.Zero(t, state.hit("/body-only"))
		assert.Equal(t, 1, state.hit("/"))
	})

	t.Run("Should stop at the request cap", func(t *testing.T) {
		srv, _ := newSite(t, "")
		c := New(Options{MaxRequests: 2, Parallelism: 1})
		defer c.Close()
		docs, err := c.Crawl(ctx, srv.URL)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})

	t.Run("Should honor robots rules when enabled", func(t *testing.T) {
		srv, state := newSite(t, "User-agent: *\nDisallow: /privacy\n")
		c := New(Options{RespectRobots: true})
		defer c.Close()
		docs, err := c.Crawl(ctx, srv.URL)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
		assert.Zero(t, state.hit("/privacy"))
	})

	t.Run("Should reject invalid urls", func(t *testing.T) {
		_, err := New(Options{}).Crawl(ctx, "ftp://agency.gov")
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.ErrCodeConfiguration))
	})

	t.Run("Should refuse to crawl after close", func(t *testing.T) {
		srv, _ := newSite(t, "")
		c := New(Options{})
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		_, err := c.Crawl(ctx, srv.URL)
		require.ErrorIs(t, err, ErrClosed)
	})

	t.Run("Should return no documents for a missing page", func(t *testing.T) {
		srv, _ := newSite(t, "")
		c := New(Options{})
		defer c.Close()
		docs, err := c.Crawl(ctx, srv.URL+"/missing")
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}

func TestExtractPage(t *testing.T) {
	pageURL, _ := url.Parse("https://agency.gov/")

	t.Run("Should fall back to article metadata for the title", func(t *testing.T) {
		body := `<html><head><meta property="og:title" content="Fallback Title"></head>
<body><article><p>Plenty of article text about the agency and its privacy practices, written so the
page carries enough prose for content scoring. Visitors can read how records are kept, who may access
them, and which offices answer questions about retention schedules.</p></article></body></html>`
		p, err := extractPage([]byte(body), pageURL, DefaultRegions)
		require.NoError(t, err)
		assert.Equal(t, "Fallback Title", p.title)
	})
	t.Run("Should collect all links when no regions are set", func(t *testing.T) {
		body := `<body><a href="/a">A</a><a href="/a">A again</a><a href="tel:123">Call</a><p><a href="/b">B</a></p></body>`
		p, err := extractPage([]byte(body), pageURL, []string{})
		require.NoError(t, err)
		assert.Equal(t, []string{"/a", "/b"}, p.links)
		assert.Empty(t, p.regions)
	})
	t.Run("Should not duplicate nested region text", func(t *testing.T) {
		body := `<body><footer><div class="footer-links"><a href="/terms">Terms</a></div></footer></body>`
		p, err := extractPage([]byte(body), pageURL, []string{"footer"})
		require.NoError(t, err)
		require.Len(t, p.regions, 1)
		assert.Equal(t, "Terms (/terms)", p.regions[0].Text)
	})
}

func TestCollapse(t *testing.T) {
	t.Run("Should fold compatibility characters and whitespace", func(t *testing.T) {
		assert.Equal(t, "Privacy Policy office", collapse("  Privacy\u00a0Policy \n\t o\ufb03ce "))
	})
}

func TestSameSite(t *testing.T) {
	base, _ := url.Parse("https://www.agency.gov/")
	cases := []struct {
		link string
		want bool
	}{
		{"https://agency.gov/about", true},
		{"http://www.agency.gov/about", true},
		{"https://forms.agency.gov/apply", true},
		{"https://agency.gov.evil.com/", false},
		{"https://other.gov/", false},
		{"mailto:help@agency.gov", false},
	}
	for _, tc := range cases {
		t.Run("Should classify "+tc.link, func(t *testing.T) {
			u, err := url.Parse(tc.link)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sameSite(base, u))
		})
	}
}

func TestFollowable(t *testing.T) {
	t.Run("Should skip fragments and unsafe schemes", func(t *testing.T) {
		for _, href := range []string{"", "#main", "JavaScript:alert(1)", "data:text/html,x", "vbscript:x", "mailto:a@b"} {
			assert.False(t, followable(href), href)
		}
		assert.True(t, followable("/privacy"))
		assert.True(t, followable("https://agency.gov/terms"))
	})
}

func TestFromAppConfig(t *testing.T) {
	t.Run("Should default missing values", func(t *testing.T) {
		opts := FromAppConfig(nil)
		assert.Equal(t, DefaultMaxRequests, opts.MaxRequests)
		assert.Equal(t, DefaultRegions, opts.Regions)
		assert.Equal(t, DefaultUserAgent, opts.UserAgent)
	})
}

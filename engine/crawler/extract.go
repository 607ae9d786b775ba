package crawler

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/unicode/norm"

	"github.com/certa-labs/certa/engine/knowledge/chunk"
)

var whitespace = regexp.MustCompile(`\s+`)

var skippedSchemes = []string{"javascript:", "data:", "vbscript:", "mailto:", "tel:"}

// page is the extracted content of one HTML response.
type page struct {
	title   string
	text    string
	regions []chunk.Region
	links   []string
}

// extractPage parses body and returns its clean text, region texts and the
// hrefs found inside the configured regions. With no regions every link counts.
func extractPage(body []byte, pageURL *url.URL, regions []string) (*page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("crawler: parse html: %w", err)
	}
	p := &page{title: strings.TrimSpace(doc.Find("title").First().Text())}
	if p.title == "" {
		if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil {
			p.title = strings.TrimSpace(article.Title)
		}
	}
	p.links = regionLinks(doc, regions)

	doc.Find("script, style, noscript, xml, head").Remove()
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if href, ok := s.Attr("href"); ok && strings.TrimSpace(href) != "" {
			text = fmt.Sprintf("%s (%s)", text, strings.TrimSpace(href))
		}
		s.ReplaceWithHtml(html.EscapeString(text))
	})
	for _, region := range regions {
		selector := regionSelector(region)
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			if s.ParentsFiltered(selector).Length() > 0 {
				return
			}
			if text := collapse(s.Text()); text != "" {
				p.regions = append(p.regions, chunk.Region{Source: regionSource(region), Text: text})
			}
		})
	}
	p.text = collapse(doc.Text())
	return p, nil
}

func regionLinks(doc *goquery.Document, regions []string) []string {
	selectors := make([]string, 0, len(regions))
	for _, region := range regions {
		selectors = append(selectors, regionSelector(region))
	}
	var scope *goquery.Selection
	if len(selectors) == 0 {
		scope = doc.Selection
	} else {
		scope = doc.Find(strings.Join(selectors, ", "))
	}
	seen := make(map[string]struct{})
	var links []string
	scope.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if !followable(href) {
			return
		}
		if _, ok := seen[href]; ok {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links
}

// regionSelector matches the element itself and elements whose class names it.
func regionSelector(region string) string {
	return fmt.Sprintf("%s, [class*=%q]", region, region)
}

func regionSource(region string) chunk.SemanticSource {
	switch {
	case strings.Contains(region, "footer"):
		return chunk.SourceFooter
	case strings.Contains(region, "header"):
		return chunk.SourceHeader
	default:
		return chunk.SourceNav
	}
}

func followable(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	return true
}

// collapse folds compatibility characters such as non-breaking spaces and
// ligatures (NFKC) and squeezes whitespace runs.
func collapse(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(norm.NFKC.String(text), " "))
}

// sameSite reports whether candidate belongs to the site rooted at base: the
// same host ignoring a leading www., or the same registrable domain.
func sameSite(base, candidate *url.URL) bool {
	if candidate.Scheme != "http" && candidate.Scheme != "https" {
		return false
	}
	baseHost := strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")
	host := strings.TrimPrefix(strings.ToLower(candidate.Hostname()), "www.")
	if baseHost == host {
		return true
	}
	baseDomain, err := publicsuffix.EffectiveTLDPlusOne(baseHost)
	if err != nil {
		return false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return false
	}
	return baseDomain == domain
}

// normalize drops the fragment and the www. prefix to key the visited set.
func normalize(u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	clone.Host = strings.TrimPrefix(strings.ToLower(clone.Host), "www.")
	if clone.Path == "" {
		clone.Path = "/"
	}
	return clone.String()
}

package crawler

import (
	"context"
	"net/http"
	"net/url"

	"github.com/temoto/robotstxt"

	"github.com/certa-labs/certa/pkg/logger"
)

// robotsGate answers whether a path may be fetched. A nil gate allows everything.
type robotsGate struct {
	group *robotstxt.Group
}

func (g *robotsGate) allowed(u *url.URL) bool {
	if g == nil || g.group == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return g.group.Test(path)
}

// loadRobots fetches robots.txt for base. Fetch or parse failures allow the crawl.
func loadRobots(ctx context.Context, client *http.Client, base *url.URL, agent string) *robotsGate {
	log := logger.FromContext(ctx)
	robotsURL := (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/robots.txt"}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", agent)
	resp, err := client.Do(req)
	if err != nil {
		log.Warn("Could not load robots.txt, continuing without it", "url", robotsURL, "error", err)
		return nil
	}
	defer resp.Body.Close()
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		log.Warn("Could not parse robots.txt, continuing without it", "url", robotsURL, "error", err)
		return nil
	}
	return &robotsGate{group: data.FindGroup(agent)}
}

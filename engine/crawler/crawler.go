package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly"

	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/engine/knowledge/chunk"
	"github.com/certa-labs/certa/pkg/logger"
)

const seqKey = "seq"

// ErrClosed is returned by Crawl after Close.
var ErrClosed = errors.New("crawler: closed")

// Crawler fetches the pages of a site as documents.
type Crawler interface {
	Crawl(ctx context.Context, rawURL string) ([]chunk.Document, error)
	Close() error
}

// CollyCrawler walks a site breadth-first with colly, following links found
// in the configured page regions.
type CollyCrawler struct {
	opts Options

	mu         sync.Mutex
	closed     bool
	transports []*timeoutTransport
}

func New(opts Options) *CollyCrawler {
	return &CollyCrawler{opts: opts.withDefaults()}
}

// crawl holds the state of one Crawl call.
type crawl struct {
	ctx       context.Context
	opts      Options
	base      *url.URL
	robots    *robotsGate
	collector *colly.Collector

	mu      sync.Mutex
	visited map[string]struct{}
	queued  int
	docs    []indexedDoc
}

type indexedDoc struct {
	seq int
	doc chunk.Document
}

// Crawl fetches rawURL and the same-site pages reachable from its regions,
// up to MaxRequests pages. Failed pages are logged and skipped.
func (c *CollyCrawler) Crawl(ctx context.Context, rawURL string) ([]chunk.Document, error) {
	base, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, core.NewError(
			fmt.Errorf("crawler: invalid url %q", rawURL),
			core.ErrCodeConfiguration,
			map[string]any{"url": rawURL},
		)
	}
	transport, err := c.newTransport(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("url", base.String())
	start := time.Now()

	run := &crawl{
		ctx:     ctx,
		opts:    c.opts,
		base:    base,
		visited: make(map[string]struct{}),
	}
	if c.opts.RespectRobots {
		run.robots = loadRobots(ctx, &http.Client{Transport: transport}, base, c.opts.UserAgent)
	}
	collector := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(c.opts.UserAgent),
	)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(transport)
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: c.opts.Parallelism}); err != nil {
		return nil, fmt.Errorf("crawler: limit rule: %w", err)
	}
	run.collector = collector
	collector.OnRequest(run.onRequest)
	collector.OnResponse(run.onResponse)
	collector.OnError(run.onError)

	log.Info("Crawl started", "max_requests", c.opts.MaxRequests, "regions", c.opts.Regions)
	run.enqueue(base)
	collector.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs := run.documents()
	log.Info("Crawl finished", "documents", len(docs), "requests", run.queued, "duration", time.Since(start))
	return docs, nil
}

// Close releases pooled connections. The crawler cannot be used afterwards.
func (c *CollyCrawler) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, t := range c.transports {
		t.closeIdle()
	}
	c.transports = nil
	return nil
}

func (c *CollyCrawler) newTransport(ctx context.Context) (*timeoutTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	t := newTransport(ctx, c.opts.RequestTimeout, c.opts.Retries)
	c.transports = append(c.transports, t)
	return t, nil
}

func (r *crawl) enqueue(u *url.URL) {
	if !sameSite(r.base, u) || !r.robots.allowed(u) {
		return
	}
	key := normalize(u)
	r.mu.Lock()
	if _, ok := r.visited[key]; ok || r.queued >= r.opts.MaxRequests {
		r.mu.Unlock()
		return
	}
	r.visited[key] = struct{}{}
	seq := r.queued
	r.queued++
	r.mu.Unlock()

	cctx := colly.NewContext()
	cctx.Put(seqKey, strconv.Itoa(seq))
	target := *u
	target.Fragment = ""
	if target.Path == "" {
		target.Path = "/"
	}
	if err := r.collector.Request(http.MethodGet, target.String(), nil, cctx, nil); err != nil {
		logger.FromContext(r.ctx).Debug("Skipping link", "link", target.String(), "error", err)
	}
}

func (r *crawl) onRequest(req *colly.Request) {
	if r.ctx.Err() != nil {
		req.Abort()
	}
}

func (r *crawl) onResponse(resp *colly.Response) {
	log := logger.FromContext(r.ctx)
	pageURL := resp.Request.URL
	if ct := resp.Headers.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		log.Debug("Skipping non-HTML response", "link", pageURL.String(), "content_type", ct)
		return
	}
	p, err := extractPage(resp.Body, pageURL, r.opts.Regions)
	if err != nil {
		log.Warn("Failed to extract page", "link", pageURL.String(), "error", err)
		return
	}
	if p.text != "" {
		seq, _ := strconv.Atoi(resp.Ctx.Get(seqKey))
		id := pageURL.String()
		r.mu.Lock()
		r.docs = append(r.docs, indexedDoc{seq: seq, doc: chunk.Document{
			ID:       id,
			Text:     p.text,
			Metadata: chunk.DocumentMetadata{Title: p.title, URL: id},
			Regions:  p.regions,
		}})
		r.mu.Unlock()
		log.Debug("Page captured", "link", id, "title", p.title, "chars", len(p.text))
	}
	if !sameSite(r.base, pageURL) {
		return
	}
	for _, href := range p.links {
		next, err := url.Parse(resp.Request.AbsoluteURL(href))
		if err != nil || next.Host == "" {
			continue
		}
		r.enqueue(next)
	}
}

func (r *crawl) onError(resp *colly.Response, err error) {
	link, status := "", 0
	if resp != nil {
		status = resp.StatusCode
		if resp.Request != nil {
			link = resp.Request.URL.String()
		}
	}
	logger.FromContext(r.ctx).Warn("Page request failed", "link", link, "status", status, "error", err)
}

func (r *crawl) documents() []chunk.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(r.docs, func(i, j int) bool { return r.docs[i].seq < r.docs[j].seq })
	out := make([]chunk.Document, len(r.docs))
	for i := range r.docs {
		out[i] = r.docs[i].doc
	}
	return out
}

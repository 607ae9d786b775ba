package crawler

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

// timeoutTransport bounds every request by a deadline and retries transport
// errors. The deadline stays active until the response body is closed.
type timeoutTransport struct {
	ctx     context.Context
	base    http.RoundTripper
	timeout time.Duration
	retries int
}

func newTransport(ctx context.Context, timeout time.Duration, retries int) *timeoutTransport {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &timeoutTransport{ctx: ctx, base: base, timeout: timeout, retries: retries}
}

func (t *timeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if err := t.ctx.Err(); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
		resp, err := t.base.RoundTrip(req.Clone(ctx))
		if err == nil {
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		cancel()
		lastErr = err
		if req.Body != nil && req.GetBody == nil {
			break
		}
	}
	return nil, lastErr
}

func (t *timeoutTransport) closeIdle() {
	if tr, ok := t.base.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

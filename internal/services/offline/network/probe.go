package network

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPProbe is a Source for hosts without a platform connectivity API. It
// issues a HEAD request to URL every Interval and reports a signal whenever
// the outcome changes.
type HTTPProbe struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// Subscribe probes once synchronously so the first signal reflects reality,
// then keeps probing in the background.
func (p *HTTPProbe) Subscribe(ctx context.Context, fn func(Signal)) (func(), error) {
	if strings.TrimSpace(p.URL) == "" {
		return nil, errors.New("probe url is required")
	}
	req, err := http.NewRequest(http.MethodHead, p.URL, nil)
	if err != nil {
		return nil, err
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	last := p.probe(ctx, req)
	fn(last)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			next := p.probe(ctx, req)
			if ctx.Err() != nil {
				return
			}
			if next.IsConnected != last.IsConnected {
				last = next
				fn(next)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (p *HTTPProbe) probe(ctx context.Context, base *http.Request) Signal {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	ok := false
	resp, err := client.Do(base.Clone(ctx))
	if err == nil {
		resp.Body.Close()
		ok = resp.StatusCode < http.StatusInternalServerError
	}
	return Signal{IsConnected: ok, Type: "probe", IsInternetReachable: &ok}
}

var _ Source = (*HTTPProbe)(nil)

// Package transport defines the network contract used to apply reads and
// mutations, with an HTTP implementation.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/platform/timeouts"
)

// IdempotencyHeader carries the queue item id so the server can deduplicate
// replays.
const IdempotencyHeader = "Idempotency-Key"

// Request is one network call. URL may be relative to the transport's base.
type Request struct {
	Method         string
	URL            string
	Body           json.RawMessage
	IdempotencyKey string
}

// Response is the server's answer. Data is opaque to the engine.
type Response struct {
	OK     bool
	Status int
	Data   json.RawMessage
}

// Transport performs requests.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Check converts a non-OK response into a classified domain error.
func Check(resp Response) error {
	if resp.OK {
		return nil
	}
	code := apperrors.ClassifyStatus(resp.Status)
	msg := http.StatusText(resp.Status)
	if msg == "" {
		msg = "status " + strconv.Itoa(resp.Status)
	}
	return apperrors.WithMetadata(code, "server responded "+strings.ToLower(msg), map[string]string{
		"status": strconv.Itoa(resp.Status),
		"body":   truncate(string(resp.Data), 256),
	})
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// HTTP implements Transport over net/http.
type HTTP struct {
	BaseURL *url.URL
	Client  *http.Client
	// Header is added to every request, e.g. Authorization.
	Header http.Header
	// Timeout bounds each call; zero uses timeouts.NetworkRequest.
	Timeout time.Duration
	// MaxResponseBytes caps response bodies; zero uses 8 MiB.
	MaxResponseBytes int64
}

// NewHTTP parses base and returns a transport using a default client.
func NewHTTP(base string) (*HTTP, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute", base)
	}
	return &HTTP{BaseURL: u, Client: &http.Client{}}, nil
}

const defaultMaxResponseBytes = 8 << 20

func (t *HTTP) Do(ctx context.Context, req Request) (Response, error) {
	target, err := t.resolve(req.URL)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "resolve request url", err)
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = timeouts.NetworkRequest
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "build request", err)
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeNetwork, method+" "+req.URL, err)
	}
	defer resp.Body.Close()

	limit := t.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeNetwork, "read response body", err)
	}
	if int64(len(raw)) > limit {
		return Response{}, apperrors.WithMetadata(apperrors.CodeNetwork, "response body too large", map[string]string{
			"status": strconv.Itoa(resp.StatusCode),
			"limit":  strconv.FormatInt(limit, 10),
		})
	}
	out := Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if json.Valid(raw) {
			out.Data = raw
		} else {
			// Non-JSON bodies are kept as a JSON string so callers always see
			// valid JSON.
			quoted, _ := json.Marshal(string(raw))
			out.Data = quoted
		}
	}
	return out, nil
}

func (t *HTTP) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() || t.BaseURL == nil {
		return ref.String(), nil
	}
	base := *t.BaseURL
	// Join the escaped forms too so encoded slashes in ids survive.
	rawPath := strings.TrimRight(base.EscapedPath(), "/") + "/" + strings.TrimLeft(ref.EscapedPath(), "/")
	base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	base.RawPath = rawPath
	base.RawQuery = ref.RawQuery
	return base.String(), nil
}

var _ Transport = (*HTTP)(nil)

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookingsync/internal/config"
	"bookingsync/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// envelope is the common response wrapper of the upstream API.
type envelope struct {
	Success *bool             `json:"success"`
	Type    string            `json:"type"`
	Count   int               `json:"count"`
	Pages   *pages            `json:"pages"`
	Data    []json.RawMessage `json:"data"`
	Code    int               `json:"code"`
	Error   string            `json:"error"`
}

type pages struct {
	NextPageExists bool   `json:"nextPageExists"`
	NextPageLink   string `json:"nextPageLink"`
}

type transport struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newTransport(cfg config.UpstreamConfig, logger *zerolog.Logger, component string) (*transport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.RequestsPerMinute / 20
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), burst)
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", component).Logger()
	}

	return &transport{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  l,
	}, nil
}

// do sends one request and returns the raw response body for 2xx answers.
func (t *transport) do(ctx context.Context, op, method, path string, query url.Values, headers map[string]string, body interface{}) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upstream %s: rate limiter: %w", op, err)
		}
	}

	u := *t.baseURL
	u.Path = u.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.http.Do(req)
	if err != nil {
		metrics.IncUpstream(op, "error")
		t.logger.Warn().Err(err).Str("op", op).Dur("duration", time.Since(start)).Msg("upstream request failed")
		return nil, fmt.Errorf("upstream %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncUpstream(op, "error")
		return nil, fmt.Errorf("upstream %s: read body: %w", op, err)
	}

	t.logger.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("upstream response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.IncUpstream(op, fmt.Sprintf("%d", resp.StatusCode))
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("upstream %s: %w", op, ErrNotFound)
		}
		return nil, errorFromBody(op, resp.StatusCode, data)
	}

	metrics.IncUpstream(op, "ok")
	return data, nil
}

func errorFromBody(op string, status int, data []byte) error {
	apiErr := &APIError{Op: op, StatusCode: status}
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error != "" {
		apiErr.Code = env.Code
		apiErr.Message = env.Error
		return apiErr
	}
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

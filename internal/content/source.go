// Package content fetches the text a job scores.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFetch wraps every content retrieval failure. Jobs treat it as retryable.
var ErrFetch = errors.New("content fetch failed")

// maxBodyBytes bounds a single content body.
const maxBodyBytes = 4 << 20

// Source returns the text behind a content reference.
type Source interface {
	FetchContent(ctx context.Context, ref string) (string, error)
}

// HTTPSource reads content from {baseURL}/contents/{ref}. The response may be
// plain text or a JSON object with a "body" field.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSource creates an HTTPSource. token is sent as a bearer token when set.
func NewHTTPSource(baseURL, token string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) FetchContent(ctx context.Context, ref string) (string, error) {
	u := fmt.Sprintf("%s/contents/%s", s.baseURL, url.PathEscape(ref))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%w: building request: %v", ErrFetch, err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: status %d", ErrFetch, ref, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", ErrFetch, err)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var doc struct {
			Body *string `json:"body"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil || doc.Body == nil {
			return "", fmt.Errorf("%w: %s: response has no body field", ErrFetch, ref)
		}
		return *doc.Body, nil
	}
	return string(raw), nil
}

// classifyError maps transport-level errors onto ErrFetch with a short cause.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timeout: %v", ErrFetch, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: timeout: %v", ErrFetch, err)
		}
		return fmt.Errorf("%w: unreachable: %v", ErrFetch, err)
	}

	return fmt.Errorf("%w: %v", ErrFetch, err)
}

// Fetcher is satisfied by the durable store's contents table.
type Fetcher interface {
	FetchContent(ctx context.Context, ref string) (string, error)
}

// StoreSource adapts a store to Source, wrapping its errors with ErrFetch.
type StoreSource struct {
	fetcher Fetcher
}

func NewStoreSource(f Fetcher) *StoreSource {
	return &StoreSource{fetcher: f}
}

func (s *StoreSource) FetchContent(ctx context.Context, ref string) (string, error) {
	body, err := s.fetcher.FetchContent(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, ref, err)
	}
	return body, nil
}

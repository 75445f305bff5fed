package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"devicetracker-server/internal/modules/tracker/types"
)

// ErrStatus matches every *StatusError.
var ErrStatus = errors.New("telemetry: unexpected http status")

// StatusError is returned for non-2xx responses from the telemetry API.
type StatusError struct {
	Feed string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("telemetry: feed %s: http status %d", e.Feed, e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// maxBody caps how much of a feed response is read.
const maxBody = 8 << 20

type Options struct {
	BaseURL string
	Account string
	APIKey  string
	Timeout time.Duration
	// Limit caps the number of samples requested. Zero leaves it to the provider.
	Limit int
}

// Client reads feed data from an Adafruit IO compatible REST API.
type Client struct {
	baseURL    string
	account    string
	apiKey     string
	limit      int
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	return &Client{
		baseURL:    opts.BaseURL,
		account:    opts.Account,
		apiKey:     opts.APIKey,
		limit:      opts.Limit,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

// FetchSeries returns the samples of feed oldest first. The API lists them
// newest first, so samples without distinguishing timestamps come back in
// reverse listed order.
func (c *Client) FetchSeries(ctx context.Context, feed string) (types.Series, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL(feed), nil)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-AIO-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry: feed %s: %w", feed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Feed: feed, Code: resp.StatusCode}
	}

	var series types.Series
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&series); err != nil {
		return nil, fmt.Errorf("telemetry: feed %s: decode: %w", feed, err)
	}
	slices.Reverse(series)
	slices.SortStableFunc(series, func(a, b types.Sample) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return series, nil
}

func (c *Client) feedURL(feed string) string {
	u := c.baseURL + "/api/v2/" + url.PathEscape(c.account) + "/feeds/" + url.PathEscape(feed) + "/data"
	if c.limit > 0 {
		u += "?" + url.Values{"limit": {strconv.Itoa(c.limit)}}.Encode()
	}
	return u
}

package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"pricewatch/internal/prices"
	"pricewatch/internal/watchlist"
)

var ErrNoToken = errors.New("finnhub: no api token configured")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("finnhub status %d", e.StatusCode)
	}
	return fmt.Sprintf("finnhub status %d: %s", e.StatusCode, e.Message)
}

type SearchResponse struct {
	Count  int                    `json:"count"`
	Result []watchlist.Instrument `json:"result"`
}

// Client is a thin request/response client for symbol search and quotes.
// It does not retry.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) url(p string, q url.Values) string {
	q.Set("token", c.token)
	return fmt.Sprintf("%s%s?%s", c.baseURL, p, q.Encode())
}

// Search looks up instruments matching query.
func (c *Client) Search(ctx context.Context, query string) (SearchResponse, error) {
	var out SearchResponse
	err := c.get(ctx, "/search", url.Values{"q": {query}}, &out)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("search %q: %w", query, err)
	}
	return out, nil
}

// Quote fetches the current quote snapshot for symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (prices.Quote, error) {
	var out prices.Quote
	err := c.get(ctx, "/quote", url.Values{"symbol": {symbol}}, &out)
	if err != nil {
		return prices.Quote{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, v any) error {
	if c.token == "" {
		return ErrNoToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, q), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		c.logger.Debug("finnhub error response", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

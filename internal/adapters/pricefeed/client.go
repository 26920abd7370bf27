// Package pricefeed implementa ports.PriceFeed sobre un servicio HTTP de
// precios de referencia.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec = 20
	defaultMaxAge     = 60 * time.Second
	defaultCacheTTL   = time.Second

	maxRetries    = 3
	baseRetryWait = 200 * time.Millisecond
)

// quoteResponse es la respuesta de GET /prices/{pair}.
type quoteResponse struct {
	Pair      string `json:"pair"`
	Price     string `json:"price"`      // entero, 18 decimales
	UpdatedAt int64  `json:"updated_at"` // unix segundos
}

type quote struct {
	price     *uint256.Int
	updatedAt time.Time
	fetchedAt time.Time
}

// Client consulta el feed con rate limiting, retries y una cache corta por
// par, de modo que IsStale + GetPrice en el mismo trade cuestan una petición.
type Client struct {
	http     *http.Client
	base     string
	limiter  *rate.Limiter
	maxAge   time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]quote
}

// Option ajusta un Client.
type Option func(*Client)

// WithMaxAge fija la antigüedad a partir de la cual un precio se considera stale.
func WithMaxAge(d time.Duration) Option {
	return func(c *Client) { c.maxAge = d }
}

// WithCacheTTL fija la vida de la cache por par. 0 la desactiva.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.cacheTTL = d }
}

// WithRate fija el límite de peticiones por segundo.
func WithRate(perSec float64) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSec), 5) }
}

// WithClock reemplaza el reloj (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient crea un Client contra base.
func NewClient(base string, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 5 * time.Second},
		base:     strings.TrimRight(base, "/"),
		limiter:  rate.NewLimiter(defaultRatePerSec, 5),
		maxAge:   defaultMaxAge,
		cacheTTL: defaultCacheTTL,
		now:      time.Now,
		cache:    make(map[string]quote),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetPrice devuelve el último precio de referencia del par.
func (c *Client) GetPrice(ctx context.Context, pair string) (*uint256.Int, error) {
	q, err := c.quote(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("pricefeed.GetPrice %s: %w", pair, err)
	}
	return new(uint256.Int).Set(q.price), nil
}

// IsStale indica si el último precio es más antiguo que maxAge.
func (c *Client) IsStale(ctx context.Context, pair string) (bool, error) {
	q, err := c.quote(ctx, pair)
	if err != nil {
		return false, fmt.Errorf("pricefeed.IsStale %s: %w", pair, err)
	}
	return c.now().Sub(q.updatedAt) > c.maxAge, nil
}

func (c *Client) quote(ctx context.Context, pair string) (quote, error) {
	now := c.now()
	c.mu.Lock()
	q, ok := c.cache[pair]
	c.mu.Unlock()
	if ok && now.Sub(q.fetchedAt) < c.cacheTTL {
		return q, nil
	}

	var resp quoteResponse
	endpoint := c.base + "/prices/" + url.PathEscape(pair)
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return quote{}, err
	}
	price, err := uint256.FromDecimal(resp.Price)
	if err != nil {
		return quote{}, fmt.Errorf("parse price %q: %w", resp.Price, err)
	}

	q = quote{price: price, updatedAt: time.Unix(resp.UpdatedAt, 0), fetchedAt: now}
	c.mu.Lock()
	c.cache[pair] = q
	c.mu.Unlock()
	return q, nil
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("rate limited by price feed", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

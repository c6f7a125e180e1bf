package kraken

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kraken-manager/internal/core"
)

const (
	ExchangeName   = "kraken"
	DefaultBaseURL = "https://api.kraken.com"
	APIVersion     = "0"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthSigned
)

// Client is the Kraken REST client. It owns the nonce source, so one API key
// should be driven by one Client per process.
type Client struct {
	baseURL    string
	signer     *Signer
	httpClient *http.Client
	retry      RetryPolicy
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *clientMetrics

	mu        sync.Mutex
	pairCache map[string]PairInfo
}

type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string
	// Timeout bounds a single HTTP attempt.
	Timeout    time.Duration
	MaxRetries int
	// RateLimit is the sustained private calls per second. Zero disables the limiter.
	RateLimit  float64
	RateBurst  int
	HTTPClient *http.Client
	Logger     *zap.Logger
	Meter      metric.Meter
	Now        func() time.Time
}

// NewClient returns a client. Without credentials only public calls work.
func NewClient(opts Options) (*Client, error) {
	timeout := 15 * time.Second
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := DefaultMaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		retry:      RetryPolicy{MaxRetries: maxRetries, Logger: logger},
		logger:     logger,
		metrics:    newClientMetrics(opts.Meter),
		pairCache:  make(map[string]PairInfo),
	}
	if opts.APIKey != "" || opts.APISecret != "" {
		signer, err := NewSigner(opts.APIKey, opts.APISecret, opts.Now)
		if err != nil {
			return nil, err
		}
		c.signer = signer
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

func (c *Client) Name() string { return ExchangeName }

func (c *Client) doRequest(ctx context.Context, method string, params url.Values, auth AuthType) (json.RawMessage, error) {
	if auth == AuthSigned && c.signer == nil {
		return nil, errors.New("api_key/api_secret required for private calls")
	}
	if params == nil {
		params = url.Values{}
	}
	return c.retry.Do(ctx, method, func(ctx context.Context) (json.RawMessage, error) {
		res, err := c.attempt(ctx, method, params, auth)
		c.metrics.request(ctx, method, Classify(err))
		return res, err
	})
}

func (c *Client) attempt(ctx context.Context, method string, params url.Values, auth AuthType) (json.RawMessage, error) {
	var (
		req *http.Request
		err error
	)
	if auth == AuthSigned {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		signed := c.signer.Sign("/"+APIVersion+"/private/"+method, params)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+signed.Path, strings.NewReader(signed.Body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", c.signer.APIKey())
		req.Header.Set("API-Sign", signed.Signature)
	} else {
		urlStr := c.baseURL + "/" + APIVersion + "/public/" + method
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
	}
	req.Header.Set("User-Agent", "kraken-manager")
	return c.send(ctx, req, method)
}

func (c *Client) call(ctx context.Context, method string, params url.Values, auth AuthType, out any) error {
	raw, err := c.doRequest(ctx, method, params, auth)
	if err != nil {
		return err
	}
	return c.decodeResult(method, raw, out)
}

// Rules returns the order normalization rules of an exchange pair, cached per client.
func (c *Client) Rules(ctx context.Context, pair string) (core.Rules, error) {
	info, err := c.pairInfo(ctx, pair)
	if err != nil {
		return core.Rules{}, err
	}
	return info.Rules(), nil
}

func (c *Client) pairInfo(ctx context.Context, pair string) (PairInfo, error) {
	if pair == "" {
		return PairInfo{}, errors.New("pair is required")
	}
	c.mu.Lock()
	if info, ok := c.pairCache[pair]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	pairs, err := c.AssetPairs(ctx, pair)
	if err != nil {
		return PairInfo{}, err
	}
	info, ok := pairs[pair]
	if !ok {
		for _, v := range pairs {
			info, ok = v, true
			break
		}
	}
	if !ok {
		return PairInfo{}, errors.Join(errors.New("pair not listed: "+pair), core.ErrUnknownSymbol)
	}
	c.mu.Lock()
	c.pairCache[pair] = info
	c.mu.Unlock()
	return info, nil
}

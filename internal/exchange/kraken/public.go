package kraken

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"kraken-manager/internal/core"
)

// Ticker returns the ticker of one pair.
func (c *Client) Ticker(ctx context.Context, pair string) (TickerInfo, error) {
	params := url.Values{}
	params.Set("pair", pair)
	var resp map[string]TickerInfo
	if err := c.call(ctx, "Ticker", params, AuthNone, &resp); err != nil {
		return TickerInfo{}, err
	}
	info, ok := pickPair(resp, pair)
	if !ok {
		return TickerInfo{}, fmt.Errorf("kraken Ticker: pair %s missing: %w", pair, core.ErrMalformedResponse)
	}
	return info, nil
}

// Depth returns up to count levels per side; count <= 0 uses the exchange default.
func (c *Client) Depth(ctx context.Context, pair string, count int) (Depth, error) {
	params := url.Values{}
	params.Set("pair", pair)
	if count > 0 {
		params.Set("count", strconv.Itoa(count))
	}
	var resp map[string]Depth
	if err := c.call(ctx, "Depth", params, AuthNone, &resp); err != nil {
		return Depth{}, err
	}
	book, ok := pickPair(resp, pair)
	if !ok {
		return Depth{}, fmt.Errorf("kraken Depth: pair %s missing: %w", pair, core.ErrMalformedResponse)
	}
	return book, nil
}

// RecentTrades returns public trades since the given cursor ("" for the latest page).
func (c *Client) RecentTrades(ctx context.Context, pair, since string) (RecentTrades, error) {
	params := url.Values{}
	params.Set("pair", pair)
	if since != "" {
		params.Set("since", since)
	}
	var resp map[string]json.RawMessage
	if err := c.call(ctx, "Trades", params, AuthNone, &resp); err != nil {
		return RecentTrades{}, err
	}
	out := RecentTrades{}
	for key, raw := range resp {
		if key == "last" {
			if err := c.decodeResult("Trades", raw, &out.Last); err != nil {
				return RecentTrades{}, err
			}
			continue
		}
		out.Pair = key
		if err := c.decodeResult("Trades", raw, &out.Trades); err != nil {
			return RecentTrades{}, err
		}
	}
	return out, nil
}

func (c *Client) Spread(ctx context.Context, pair string) (Spread, error) {
	params := url.Values{}
	params.Set("pair", pair)
	var resp map[string]json.RawMessage
	if err := c.call(ctx, "Spread", params, AuthNone, &resp); err != nil {
		return Spread{}, err
	}
	out := Spread{}
	for key, raw := range resp {
		if key == "last" {
			if err := c.decodeResult("Spread", raw, &out.Last); err != nil {
				return Spread{}, err
			}
			continue
		}
		out.Pair = key
		if err := c.decodeResult("Spread", raw, &out.Entries); err != nil {
			return Spread{}, err
		}
	}
	return out, nil
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp serverTime
	if err := c.call(ctx, "Time", nil, AuthNone, &resp); err != nil {
		return time.Time{}, err
	}
	return time.Unix(resp.UnixTime, 0).UTC(), nil
}

// Assets returns asset metadata keyed by exchange asset code.
func (c *Client) Assets(ctx context.Context, assets ...string) (map[string]AssetInfo, error) {
	params := url.Values{}
	if len(assets) > 0 {
		params.Set("asset", strings.Join(assets, ","))
	}
	var resp map[string]AssetInfo
	if err := c.call(ctx, "Assets", params, AuthNone, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AssetPairs returns pair metadata keyed by exchange pair name.
func (c *Client) AssetPairs(ctx context.Context, pairs ...string) (map[string]PairInfo, error) {
	params := url.Values{}
	if len(pairs) > 0 {
		params.Set("pair", strings.Join(pairs, ","))
	}
	var resp map[string]PairInfo
	if err := c.call(ctx, "AssetPairs", params, AuthNone, &resp); err != nil {
		return nil, err
	}
	c.mu.Lock()
	for name, info := range resp {
		c.pairCache[name] = info
	}
	c.mu.Unlock()
	return resp, nil
}

// pickPair finds the entry for pair, falling back to a single-entry result
// because Kraken keys results by canonical name even when queried by altname.
func pickPair[T any](resp map[string]T, pair string) (T, bool) {
	if v, ok := resp[pair]; ok {
		return v, true
	}
	var zero T
	if len(resp) != 1 {
		return zero, false
	}
	for _, v := range resp {
		return v, true
	}
	return zero, false
}

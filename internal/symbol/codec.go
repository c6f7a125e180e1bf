// Package symbol translates between platform symbols (BTC, BTC_USD) and
// Kraken-native asset and pair names (XXBT, XXBTZUSD).
package symbol

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"kraken-manager/internal/core"
)

const marketSeparator = "_"

// FiatCurrencies take the Z prefix on the exchange side.
var FiatCurrencies = []string{"USD", "EUR", "GBP", "CAD", "JPY"}

// legacyAssets are the exchange asset codes that do not follow the plain
// prefix rule, or whose platform code differs after stripping.
var legacyAssets = map[string]string{
	"XXBT": "BTC",
	"XXDG": "DOGE",
	"XETH": "ETH",
	"XLTC": "LTC",
	"XXRP": "XRP",
	"XXLM": "XLM",
	"XXMR": "XMR",
	"XZEC": "ZEC",
	"XETC": "ETC",
	"XREP": "REP",
	"XMLN": "MLN",
	"XICN": "ICN",
	"XNMC": "NMC",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZCAD": "CAD",
	"ZJPY": "JPY",
}

// altAssets are the short names used inside altname pairs such as XBTUSD.
var altAssets = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// plainAssets are listed without any prefix.
var plainAssets = []string{
	"USDT", "USDC", "DAI", "DOT", "ADA", "SOL", "LINK", "ATOM", "EOS", "XTZ", "BCH", "TRX", "UNI", "AVAX",
}

// Codec is safe for concurrent use. Pairs learned from exchange metadata take
// precedence over derived names.
type Codec struct {
	logger *zap.Logger

	mu         sync.RWMutex
	toPlatform map[string]string
	toExchange map[string]string
	pairs      map[string]string
	markets    map[string]string
	fiat       map[string]struct{}
}

func New(logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Codec{
		logger:     logger,
		toPlatform: make(map[string]string),
		toExchange: make(map[string]string),
		pairs:      make(map[string]string),
		markets:    make(map[string]string),
		fiat:       make(map[string]struct{}, len(FiatCurrencies)),
	}
	for _, f := range FiatCurrencies {
		c.fiat[f] = struct{}{}
	}
	for ex, pl := range legacyAssets {
		c.RegisterAsset(ex, pl)
	}
	for _, a := range plainAssets {
		c.RegisterAsset(a, a)
	}
	return c
}

// RegisterAsset adds an exact asset mapping in both directions.
func (c *Codec) RegisterAsset(exchange, platform string) {
	exchange = normalize(exchange)
	platform = normalize(platform)
	if exchange == "" || platform == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toPlatform[exchange] = platform
	c.toExchange[platform] = exchange
}

// RegisterPair adds an exact pair mapping, e.g. DOTUSD <-> DOT_USD.
func (c *Codec) RegisterPair(exchangePair, market string) {
	exchangePair = normalize(exchangePair)
	market = normalize(market)
	if exchangePair == "" || !strings.Contains(market, marketSeparator) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs[exchangePair] = market
	c.markets[market] = exchangePair
}

// ToExchange maps a platform market or commodity to its exchange name.
func (c *Codec) ToExchange(sym string) string {
	sym = normalize(sym)
	if !strings.Contains(sym, marketSeparator) {
		return c.ExchangeCommodity(sym)
	}
	c.mu.RLock()
	pair, ok := c.markets[sym]
	c.mu.RUnlock()
	if ok {
		return pair
	}
	base, quote, err := SplitMarket(sym)
	if err != nil {
		c.miss(sym, "to_exchange")
		return sym
	}
	return c.ExchangeCommodity(base) + c.ExchangeCommodity(quote)
}

// ToPlatform maps an exchange pair or asset to its platform symbol.
func (c *Codec) ToPlatform(sym string) string {
	sym = normalize(sym)
	if strings.Contains(sym, marketSeparator) {
		base, quote, err := SplitMarket(sym)
		if err != nil {
			c.miss(sym, "to_platform")
			return sym
		}
		return c.PlatformCommodity(base) + marketSeparator + c.PlatformCommodity(quote)
	}
	c.mu.RLock()
	market, isPair := c.pairs[sym]
	_, isAsset := c.toPlatform[sym]
	c.mu.RUnlock()
	if isPair {
		return market
	}
	if isAsset || len(sym) <= 4 {
		return c.PlatformCommodity(sym)
	}
	if base, quote, ok := c.splitPair(sym); ok {
		return c.PlatformCommodity(base) + marketSeparator + c.PlatformCommodity(quote)
	}
	c.miss(sym, "to_platform")
	return sym
}

// ExchangeCommodity maps a platform commodity code to an exchange asset code.
func (c *Codec) ExchangeCommodity(code string) string {
	code = normalize(code)
	c.mu.RLock()
	ex, ok := c.toExchange[code]
	_, isFiat := c.fiat[code]
	c.mu.RUnlock()
	switch {
	case ok:
		return ex
	case len(code) != 3:
		c.miss(code, "to_exchange")
		return code
	case isFiat:
		return "Z" + code
	default:
		return "X" + code
	}
}

// PlatformCommodity maps an exchange asset code (or altname) to a platform commodity code.
func (c *Codec) PlatformCommodity(code string) string {
	code = normalize(code)
	c.mu.RLock()
	pl, ok := c.toPlatform[code]
	c.mu.RUnlock()
	if ok {
		return pl
	}
	if alt, ok := altAssets[code]; ok {
		return alt
	}
	if len(code) > 4 {
		c.miss(code, "to_platform")
		return code
	}
	if len(code) > 3 && (code[0] == 'X' || code[0] == 'Z') {
		code = code[1:]
	}
	if alt, ok := altAssets[code]; ok {
		return alt
	}
	return code
}

// Base returns the platform base commodity of a platform market.
func (c *Codec) Base(market string) string {
	base, _, err := SplitMarket(normalize(market))
	if err != nil {
		return ""
	}
	return base
}

// Quote returns the platform quote commodity of a platform market.
func (c *Codec) Quote(market string) string {
	_, quote, err := SplitMarket(normalize(market))
	if err != nil {
		return ""
	}
	return quote
}

// splitPair finds a split of an exchange pair name whose halves are both known
// asset codes, trying the middle first. Positional halving of 6 and 8 letter
// names is the last resort.
func (c *Codec) splitPair(pair string) (string, string, bool) {
	n := len(pair)
	candidates := make([]int, 0, n)
	candidates = append(candidates, n/2)
	for i := 3; i <= n-3; i++ {
		if i != n/2 {
			candidates = append(candidates, i)
		}
	}
	for _, i := range candidates {
		if c.knownAsset(pair[:i]) && c.knownAsset(pair[i:]) {
			return pair[:i], pair[i:], true
		}
	}
	if n == 6 || n == 8 {
		c.logger.Warn("codec_positional_split", zap.String("symbol", pair))
		return pair[:n/2], pair[n/2:], true
	}
	return "", "", false
}

func (c *Codec) knownAsset(code string) bool {
	if _, ok := altAssets[code]; ok {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.toPlatform[code]; ok {
		return true
	}
	if _, ok := c.fiat[code]; ok {
		return true
	}
	return false
}

func (c *Codec) miss(sym, direction string) {
	c.logger.Warn("codec_miss", zap.String("symbol", sym), zap.String("direction", direction))
}

// SplitMarket splits BASE_QUOTE into its halves.
func SplitMarket(market string) (string, string, error) {
	parts := strings.Split(market, marketSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: market %q", core.ErrUnknownSymbol, market)
	}
	return parts[0], parts[1], nil
}

// JoinMarket builds a platform market symbol.
func JoinMarket(base, quote string) string {
	return normalize(base) + marketSeparator + normalize(quote)
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

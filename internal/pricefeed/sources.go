package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"settlement/internal/domain"
)

var (
	ErrUnsupportedPair = errors.New("asset pair not supported by source")
	ErrMalformedQuote  = errors.New("malformed price response")
)

// Source is one independent spot-price provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, pair domain.AssetPair) (decimal.Decimal, error)
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Host)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedQuote, err)
	}
	return nil
}

func positive(price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", ErrMalformedQuote, price)
	}
	return price, nil
}

// CoinGecko queries /simple/price. Base assets map to CoinGecko coin ids.
type CoinGecko struct {
	BaseURL string
	CoinIDs map[string]string
	Client  *http.Client
}

func NewCoinGecko(baseURL string, client *http.Client) *CoinGecko {
	return &CoinGecko{
		BaseURL: strings.TrimRight(baseURL, "/"),
		CoinIDs: map[string]string{"STX": "blockstack", "BTC": "bitcoin", "SBTC": "bitcoin"},
		Client:  client,
	}
}

func (s *CoinGecko) Name() string { return "coingecko" }

func (s *CoinGecko) Fetch(ctx context.Context, pair domain.AssetPair) (decimal.Decimal, error) {
	coin, ok := s.CoinIDs[pair.Base]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedPair, pair)
	}
	vs := strings.ToLower(pair.Quote)

	q := url.Values{}
	q.Set("ids", coin)
	q.Set("vs_currencies", vs)

	var body map[string]map[string]decimal.Decimal
	if err := getJSON(ctx, s.Client, s.BaseURL+"/simple/price?"+q.Encode(), &body); err != nil {
		return decimal.Zero, err
	}
	price, ok := body[coin][vs]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: missing %s/%s", ErrMalformedQuote, coin, vs)
	}
	return positive(price)
}

// Binance queries /api/v3/ticker/price; USD is quoted through USDT.
type Binance struct {
	BaseURL string
	Client  *http.Client
}

func NewBinance(baseURL string, client *http.Client) *Binance {
	return &Binance{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

func (s *Binance) Name() string { return "binance" }

func (s *Binance) Fetch(ctx context.Context, pair domain.AssetPair) (decimal.Decimal, error) {
	quote := pair.Quote
	if quote == "USD" {
		quote = "USDT"
	}
	symbol := pair.Base + quote

	var body struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := getJSON(ctx, s.Client, s.BaseURL+"/api/v3/ticker/price?symbol="+url.QueryEscape(symbol), &body); err != nil {
		return decimal.Zero, err
	}
	if body.Symbol != "" && body.Symbol != symbol {
		return decimal.Zero, fmt.Errorf("%w: got symbol %s, want %s", ErrMalformedQuote, body.Symbol, symbol)
	}
	return positive(body.Price)
}

// Kraken queries /0/public/Ticker and reads the last trade price.
type Kraken struct {
	BaseURL string
	Client  *http.Client
}

func NewKraken(baseURL string, client *http.Client) *Kraken {
	return &Kraken{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

func (s *Kraken) Name() string { return "kraken" }

func (s *Kraken) Fetch(ctx context.Context, pair domain.AssetPair) (decimal.Decimal, error) {
	var body struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			LastTrade []string `json:"c"`
		} `json:"result"`
	}
	if err := getJSON(ctx, s.Client, s.BaseURL+"/0/public/Ticker?pair="+url.QueryEscape(pair.Base+pair.Quote), &body); err != nil {
		return decimal.Zero, err
	}
	if len(body.Error) > 0 {
		return decimal.Zero, fmt.Errorf("kraken error: %s", strings.Join(body.Error, "; "))
	}
	for _, ticker := range body.Result {
		if len(ticker.LastTrade) == 0 {
			break
		}
		price, err := decimal.NewFromString(ticker.LastTrade[0])
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrMalformedQuote, err)
		}
		return positive(price)
	}
	return decimal.Zero, fmt.Errorf("%w: empty ticker result", ErrMalformedQuote)
}

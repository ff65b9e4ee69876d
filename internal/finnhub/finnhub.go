package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/renealas/designlyStock/internal/quote"
)

const defaultBaseURL = "https://finnhub.io/api/v1"

// Quote is the REST quote payload for one symbol.
type Quote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

// Profile is the subset of the company profile the watchlist needs.
type Profile struct {
	Name     string `json:"name"`
	Ticker   string `json:"ticker"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
	Exchange string `json:"exchange"`
}

// Client fetches snapshot data over REST. It is only used to prime the
// price cache before streaming starts.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger

	// pause between per-symbol calls in Watchlist, to stay under the
	// upstream request quota. Tests set it to 0.
	Pause time.Duration
}

func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger,
		Pause:   300 * time.Millisecond,
	}
}

func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	if err := c.getJSON(ctx, "/quote", symbol, &q); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func (c *Client) Profile(ctx context.Context, symbol string) (Profile, error) {
	var p Profile
	if err := c.getJSON(ctx, "/stock/profile2", symbol, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Watchlist fetches a snapshot quote for each symbol. One symbol's failure
// never aborts the batch: a failed quote yields zero values and a failed
// profile falls back to the symbol as the display name.
func (c *Client) Watchlist(ctx context.Context, symbols []string) []quote.Quote {
	out := make([]quote.Quote, 0, len(symbols))
	for i, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if i > 0 && c.Pause > 0 {
			time.Sleep(c.Pause)
		}

		q, err := c.Quote(ctx, sym)
		if err != nil {
			c.log.Warn("snapshot quote failed, using placeholder",
				zap.String("symbol", sym), zap.Error(err))
			q = Quote{Timestamp: time.Now().Unix()}
		}
		p, err := c.Profile(ctx, sym)
		if err != nil {
			c.log.Warn("snapshot profile failed, using symbol as name",
				zap.String("symbol", sym), zap.Error(err))
			p = Profile{Name: sym, Ticker: sym}
		}
		name := p.Name
		if name == "" {
			name = sym
		}
		out = append(out, quote.Quote{
			Symbol:        sym,
			Name:          name,
			Price:         q.Current,
			Change:        q.Change,
			PercentChange: q.PercentChange,
		})
	}
	return out
}

func (c *Client) getJSON(ctx context.Context, path, symbol string, dst any) error {
	u := fmt.Sprintf("%s%s?symbol=%s&token=%s",
		c.baseURL, path, url.QueryEscape(symbol), url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("finnhub %s http %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

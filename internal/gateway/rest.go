// rest.go implements the venue REST access used by the gateway: kline
// backfill on bootstrap and orderbook snapshot fetch on resync.
//
// REST responses are reshaped into the venue's websocket frame form and
// re-enter the pipeline through the raw topics, so the ingress normalizers
// stay the single decoding point.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"marketpipe/pkg/types"
)

// RESTClient wraps a resty client with retry and rate limiting for one
// venue base URL.
type RESTClient struct {
	http   *resty.Client
	venue  string
	rl     *RateLimiter
	logger *slog.Logger
}

// NewRESTClient creates a REST client with retry and rate limiting.
func NewRESTClient(baseURL, venue string, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{
		http:   httpClient,
		venue:  venue,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "rest_"+venue),
	}
}

// FetchKlines backfills up to limit candles for (symbol, tf), returned as
// websocket-shaped frames ready for the raw candle topic.
func (c *RESTClient) FetchKlines(ctx context.Context, symbol, tf string, limit int, market types.MarketType) ([][]byte, error) {
	if err := c.rl.Klines.Wait(ctx); err != nil {
		return nil, err
	}
	switch c.venue {
	case "bybit":
		return c.bybitKlines(ctx, symbol, tf, limit, market)
	case "binance":
		return c.binanceKlines(ctx, symbol, tf, limit)
	case "okx":
		return c.okxKlines(ctx, symbol, tf, limit, market)
	default:
		return nil, fmt.Errorf("klines: unsupported venue %s", c.venue)
	}
}

func (c *RESTClient) bybitKlines(ctx context.Context, symbol, tf string, limit int, market types.MarketType) ([][]byte, error) {
	category := "spot"
	if market == types.MarketFutures {
		category = "linear"
	}
	var resp struct {
		Result struct {
			List [][]string `json:"list"` // [start, o, h, l, c, vol, turnover], newest first
		} `json:"result"`
	}
	r, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"category": category,
			"symbol":   symbol,
			"interval": bybitBar(tf),
			"limit":    fmt.Sprintf("%d", limit),
		}).
		SetResult(&resp).
		Get("/v5/market/kline")
	if err != nil {
		return nil, fmt.Errorf("bybit klines: %w", err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("bybit klines: status %d", r.StatusCode())
	}

	frames := make([][]byte, 0, len(resp.Result.List))
	// Oldest first so the feature engines warm up in order.
	for i := len(resp.Result.List) - 1; i >= 0; i-- {
		row := resp.Result.List[i]
		if len(row) < 6 {
			continue
		}
		start := parseInt(row[0])
		frame := map[string]any{
			"topic": "kline." + bybitBar(tf) + "." + symbol,
			"type":  "snapshot",
			"ts":    start,
			"data": []map[string]any{{
				"start":    start,
				"end":      start + tfMillisFor(tf),
				"interval": bybitBar(tf),
				"open":     row[1],
				"high":     row[2],
				"low":      row[3],
				"close":    row[4],
				"volume":   row[5],
				"confirm":  true,
			}},
		}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func (c *RESTClient) binanceKlines(ctx context.Context, symbol, tf string, limit int) ([][]byte, error) {
	var rows [][]any
	r, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": tf,
			"limit":    fmt.Sprintf("%d", limit),
		}).
		SetResult(&rows).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("binance klines: status %d", r.StatusCode())
	}

	frames := make([][]byte, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		frame := map[string]any{
			"e": "kline",
			"E": row[6],
			"s": symbol,
			"k": map[string]any{
				"t": row[0],
				"T": row[6],
				"s": symbol,
				"i": tf,
				"o": row[1],
				"h": row[2],
				"l": row[3],
				"c": row[4],
				"v": row[5],
				"x": true,
			},
		}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func (c *RESTClient) okxKlines(ctx context.Context, symbol, tf string, limit int, market types.MarketType) ([][]byte, error) {
	var resp struct {
		Data [][]string `json:"data"` // newest first
	}
	r, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"instId": okxInstID(symbol, market),
			"bar":    strings.ToUpper(tf),
			"limit":  fmt.Sprintf("%d", limit),
		}).
		SetResult(&resp).
		Get("/api/v5/market/candles")
	if err != nil {
		return nil, fmt.Errorf("okx klines: %w", err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("okx klines: status %d", r.StatusCode())
	}

	frames := make([][]byte, 0, len(resp.Data))
	for i := len(resp.Data) - 1; i >= 0; i-- {
		row := resp.Data[i]
		if len(row) < 6 {
			continue
		}
		padded := append(append([]string(nil), row...), "0", "0", "1")
		frame := map[string]any{
			"arg": map[string]string{
				"channel": "candle" + strings.ToUpper(tf),
				"instId":  okxInstID(symbol, market),
			},
			"data": [][]string{padded[:9]},
		}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		frames = append(frames, data)
	}
	return frames, nil
}

// FetchBookSnapshot fetches a depth snapshot for symbol, reshaped into the
// venue's snapshot frame form.
func (c *RESTClient) FetchBookSnapshot(ctx context.Context, symbol string, depth int, market types.MarketType) ([]byte, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	switch c.venue {
	case "bybit":
		category := "spot"
		if market == types.MarketFutures {
			category = "linear"
		}
		var resp struct {
			Result struct {
				S  string     `json:"s"`
				B  [][]string `json:"b"`
				A  [][]string `json:"a"`
				TS int64      `json:"ts"`
				U  uint64     `json:"u"`
			} `json:"result"`
		}
		r, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"category": category,
				"symbol":   symbol,
				"limit":    fmt.Sprintf("%d", depth),
			}).
			SetResult(&resp).
			Get("/v5/market/orderbook")
		if err != nil {
			return nil, fmt.Errorf("bybit book: %w", err)
		}
		if r.IsError() {
			return nil, fmt.Errorf("bybit book: status %d", r.StatusCode())
		}
		return json.Marshal(map[string]any{
			"topic": "orderbook." + fmt.Sprintf("%d", depth) + "." + symbol,
			"type":  "snapshot",
			"ts":    resp.Result.TS,
			"data": map[string]any{
				"s": resp.Result.S,
				"b": resp.Result.B,
				"a": resp.Result.A,
				"u": resp.Result.U,
			},
		})

	case "binance":
		var resp json.RawMessage
		r, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol": symbol,
				"limit":  fmt.Sprintf("%d", depth),
			}).
			SetResult(&resp).
			Get("/api/v3/depth")
		if err != nil {
			return nil, fmt.Errorf("binance book: %w", err)
		}
		if r.IsError() {
			return nil, fmt.Errorf("binance book: status %d", r.StatusCode())
		}
		return resp, nil

	case "okx":
		var resp struct {
			Data []json.RawMessage `json:"data"`
		}
		r, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"instId": okxInstID(symbol, market),
				"sz":     fmt.Sprintf("%d", depth),
			}).
			SetResult(&resp).
			Get("/api/v5/market/books")
		if err != nil {
			return nil, fmt.Errorf("okx book: %w", err)
		}
		if r.IsError() || len(resp.Data) == 0 {
			return nil, fmt.Errorf("okx book: status %d", r.StatusCode())
		}
		return json.Marshal(map[string]any{
			"arg": map[string]string{
				"channel": "books",
				"instId":  okxInstID(symbol, market),
			},
			"action": "snapshot",
			"data":   []json.RawMessage{resp.Data[0]},
		})

	default:
		return nil, fmt.Errorf("book: unsupported venue %s", c.venue)
	}
}

func parseInt(s string) int64 {
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}

func tfMillisFor(tf string) int64 {
	switch tf {
	case "1m":
		return 60_000
	case "5m":
		return 300_000
	case "15m":
		return 900_000
	case "1h":
		return 3_600_000
	case "4h":
		return 14_400_000
	case "1d":
		return 86_400_000
	default:
		return 60_000
	}
}

package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// MarkPriceStream is a combined-stream websocket feed over closed klines
// for a set of symbols, subscribing to `<symbol>@kline_<interval>`. The
// strategy loop still fetches Klines over REST every cycle and appends the
// latest closed candle per symbol from here when it is newer.
type MarkPriceStream struct {
	wsBaseURL string
	interval  string

	mu      sync.RWMutex
	symbols []string
	latest  map[string]Kline

	onClose func(symbol string, k Kline)
}

func NewMarkPriceStream(wsBaseURL, interval string) *MarkPriceStream {
	return &MarkPriceStream{
		wsBaseURL: wsBaseURL,
		interval:  interval,
		latest:    make(map[string]Kline),
	}
}

// SetSymbols replaces the subscribed symbol set. Takes effect on the next
// reconnect; the universe loop calls this just before publishing
// UNIVERSE_UPDATED.
func (m *MarkPriceStream) SetSymbols(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = append([]string(nil), symbols...)
}

// OnClosedCandle registers the callback invoked whenever a subscribed
// symbol's candle closes.
func (m *MarkPriceStream) OnClosedCandle(fn func(symbol string, k Kline)) {
	m.onClose = fn
}

// Latest returns the most recently closed candle seen for symbol.
func (m *MarkPriceStream) Latest(symbol string) (Kline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.latest[symbol]
	return k, ok
}

// Run maintains the combined stream connection until ctx is cancelled,
// reconnecting with backoff and re-subscribing to the current symbol set
// on every reconnect (the universe can change between reconnects).
func (m *MarkPriceStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.mu.RLock()
		symbols := append([]string(nil), m.symbols...)
		m.mu.RUnlock()
		if len(symbols) == 0 {
			if !sleepOrDone(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		if err := m.runOnce(ctx, symbols); err != nil {
			log.Warn().Err(err).Msg("binance: mark-price stream disconnected, reconnecting")
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second
	}
}

func (m *MarkPriceStream) runOnce(ctx context.Context, symbols []string) error {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@kline_" + m.interval
	}
	url := m.wsBaseURL + "/stream?streams=" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("binance: dial mark-price stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m.handleMessage(message)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-done:
		return fmt.Errorf("binance: mark-price stream read loop ended")
	}
}

func (m *MarkPriceStream) handleMessage(raw []byte) {
	var envelope struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol string `json:"s"`
			Kline  struct {
				OpenTime  int64  `json:"t"`
				CloseTime int64  `json:"T"`
				Open      string `json:"o"`
				High      string `json:"h"`
				Low       string `json:"l"`
				Close     string `json:"c"`
				Volume    string `json:"v"`
				IsClosed  bool   `json:"x"`
			} `json:"k"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Warn().Err(err).Msg("binance: could not parse mark-price stream frame")
		return
	}
	if !envelope.Data.Kline.IsClosed {
		return
	}

	k := Kline{
		OpenTime:  time.UnixMilli(envelope.Data.Kline.OpenTime).UTC(),
		Open:      parseDecimal(envelope.Data.Kline.Open),
		High:      parseDecimal(envelope.Data.Kline.High),
		Low:       parseDecimal(envelope.Data.Kline.Low),
		Close:     parseDecimal(envelope.Data.Kline.Close),
		Volume:    parseDecimal(envelope.Data.Kline.Volume),
		CloseTime: time.UnixMilli(envelope.Data.Kline.CloseTime).UTC(),
	}

	symbol := envelope.Data.Symbol
	m.mu.Lock()
	m.latest[symbol] = k
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose(symbol, k)
	}
}

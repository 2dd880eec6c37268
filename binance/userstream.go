package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// UserStreamEvent is a parsed frame handed to the orchestrator's callback.
// Kind distinguishes the two Binance user-data payload shapes the core
// cares about: order updates and account updates.
type UserStreamEvent struct {
	Kind          string // "ORDER_TRADE_UPDATE" | "ACCOUNT_UPDATE"
	ClientOrderID string
	Symbol        string
	OrderStatus   string
	FillPrice     string
	FillQuantity  string
	AccountEquity string
}

// UserStream is a long-lived, listen-key-authenticated websocket connection
// delivering order and account update frames.
type UserStream struct {
	wsBaseURL string
	rest      *RestClient

	onEvent     func(UserStreamEvent)
	onReconnect func()

	conn      *websocket.Conn
	listenKey string
}

func NewUserStream(wsBaseURL string, rest *RestClient) *UserStream {
	return &UserStream{wsBaseURL: wsBaseURL, rest: rest}
}

// OnEvent registers the callback invoked for every parsed frame.
func (u *UserStream) OnEvent(fn func(UserStreamEvent)) { u.onEvent = fn }

// OnReconnect registers the callback invoked after a successful reconnect,
// before new frames are consumed — the orchestrator uses this to trigger
// reconciliation, since frames delivered during the outage are lost.
func (u *UserStream) OnReconnect(fn func()) { u.onReconnect = fn }

// Run blocks, maintaining the connection until ctx is cancelled. It never
// returns a reconnectable error to the caller; disconnects are retried
// internally with exponential backoff.
func (u *UserStream) Run(ctx context.Context) error {
	first := true
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		listenKey, err := u.rest.StartUserStream(ctx)
		if err != nil {
			log.Error().Err(err).Msg("binance: user-stream could not obtain listen key")
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		u.listenKey = listenKey

		if err := u.connect(ctx); err != nil {
			log.Error().Err(err).Msg("binance: user-stream connect failed")
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		if !first && u.onReconnect != nil {
			u.onReconnect()
		}
		first = false

		u.readLoop(ctx) // returns when the connection drops or ctx is cancelled
	}
}

func (u *UserStream) connect(ctx context.Context) error {
	url := u.wsBaseURL + "/ws/" + u.listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("binance: dial user stream: %w", err)
	}
	u.conn = conn
	return nil
}

func (u *UserStream) readLoop(ctx context.Context) {
	keepAlive := time.NewTicker(20 * time.Minute)
	defer keepAlive.Stop()
	defer u.conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := u.conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Msg("binance: user-stream read failed, will reconnect")
				return
			}
			u.handleMessage(message)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-keepAlive.C:
			if err := u.rest.KeepAliveUserStream(ctx, u.listenKey); err != nil {
				log.Warn().Err(err).Msg("binance: listen key keep-alive failed")
			}
		}
	}
}

func (u *UserStream) handleMessage(raw []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Warn().Err(err).Msg("binance: could not parse user-stream frame")
		return
	}

	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		u.handleOrderTradeUpdate(raw)
	case "ACCOUNT_UPDATE":
		u.handleAccountUpdate(raw)
	}
}

func (u *UserStream) handleOrderTradeUpdate(raw []byte) {
	var frame struct {
		Order struct {
			Symbol        string `json:"s"`
			ClientOrderID string `json:"c"`
			Status        string `json:"X"`
			FillPrice     string `json:"L"`
			FillQuantity  string `json:"l"`
		} `json:"o"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Warn().Err(err).Msg("binance: could not parse ORDER_TRADE_UPDATE")
		return
	}
	if u.onEvent == nil {
		return
	}
	u.onEvent(UserStreamEvent{
		Kind: "ORDER_TRADE_UPDATE", ClientOrderID: frame.Order.ClientOrderID,
		Symbol: frame.Order.Symbol, OrderStatus: frame.Order.Status,
		FillPrice: frame.Order.FillPrice, FillQuantity: frame.Order.FillQuantity,
	})
}

func (u *UserStream) handleAccountUpdate(raw []byte) {
	var frame struct {
		Account struct {
			Balances []struct {
				WalletBalance string `json:"wb"`
			} `json:"B"`
		} `json:"a"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Warn().Err(err).Msg("binance: could not parse ACCOUNT_UPDATE")
		return
	}
	if u.onEvent == nil || len(frame.Account.Balances) == 0 {
		return
	}
	u.onEvent(UserStreamEvent{Kind: "ACCOUNT_UPDATE", AccountEquity: frame.Account.Balances[0].WalletBalance})
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > 2*time.Minute {
		return 2 * time.Minute
	}
	return next
}

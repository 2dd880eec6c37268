package binance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleMessageIgnoresUnclosedCandles(t *testing.T) {
	m := NewMarkPriceStream("wss://example", "15m")

	m.handleMessage([]byte(`{"stream":"btcusdt@kline_15m","data":{"s":"BTCUSDT","k":{"t":1,"T":2,"o":"1","h":"2","l":"0.5","c":"1.5","v":"10","x":false}}}`))

	_, ok := m.Latest("BTCUSDT")
	assert.False(t, ok)
}

func TestHandleMessageRecordsClosedCandleAndInvokesCallback(t *testing.T) {
	m := NewMarkPriceStream("wss://example", "15m")

	var gotSymbol string
	var gotClose decimal.Decimal
	m.OnClosedCandle(func(symbol string, k Kline) {
		gotSymbol = symbol
		gotClose = k.Close
	})

	m.handleMessage([]byte(`{"stream":"btcusdt@kline_15m","data":{"s":"BTCUSDT","k":{"t":1000,"T":2000,"o":"100","h":"110","l":"90","c":"105","v":"50","x":true}}}`))

	latest, ok := m.Latest("BTCUSDT")
	require.True(t, ok)
	assert.True(t, latest.Close.Equal(decimal.NewFromInt(105)))
	assert.Equal(t, "BTCUSDT", gotSymbol)
	assert.True(t, gotClose.Equal(decimal.NewFromInt(105)))
}

func TestSetSymbolsCopiesInput(t *testing.T) {
	m := NewMarkPriceStream("wss://example", "15m")
	symbols := []string{"BTCUSDT"}
	m.SetSymbols(symbols)
	symbols[0] = "MUTATED"

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Equal(t, "BTCUSDT", m.symbols[0])
}

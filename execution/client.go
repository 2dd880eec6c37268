package execution

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderRequest is what the engine asks an ExchangeClient to place. It is a
// transport-agnostic shape so execution never imports the binance package
// directly, keeping the engine testable against a fake client.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	ReduceOnly    bool
}

// OrderAck is the exchange's synchronous response to placing an order.
type OrderAck struct {
	OrderID string
	Status  string
}

// ExchangeClient is the subset of exchange REST surface the execution
// engine needs. binance.RestClient implements it; tests use a fake.
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

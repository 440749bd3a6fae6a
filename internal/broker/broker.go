// Package broker defines the external broker abstraction the engine
// consumes and a concrete HTTP-based implementation wrapping rate
// limiting, 401-retry-once credential refresh, and a gorilla/websocket
// streaming client.
package broker

import "context"

// Funds is the broker's margin snapshot.
type Funds struct {
	AvailableMargin float64
	UsedMargin      float64
}

// Quote is a single last-traded-price read.
type Quote struct {
	Symbol string
	LTP    float64
}

// BrokerPosition is the broker's view of one open position.
type BrokerPosition struct {
	Symbol    string
	NetQty    int64
	LTP       float64
	PnL       float64
}

// BrokerOrderStatus is the broker's normalized order status vocabulary.
type BrokerOrderStatus string

const (
	BrokerOrderCancelled BrokerOrderStatus = "CANCELLED"
	BrokerOrderFilled    BrokerOrderStatus = "FILLED"
	BrokerOrderTransit   BrokerOrderStatus = "TRANSIT"
	BrokerOrderRejected  BrokerOrderStatus = "REJECTED"
	BrokerOrderPending   BrokerOrderStatus = "PENDING"
)

// BrokerOrder is the broker's view of one order.
type BrokerOrder struct {
	BrokerOrderID string
	Status        BrokerOrderStatus
	FilledQty     int64
	AvgPrice      float64
}

// SubmitOrderPayload is the wire shape sent to submit_order.
type SubmitOrderPayload struct {
	Symbol       string
	Side         string
	Type         string
	Product      string
	Quantity     int64
	Price        *float64
	TriggerPrice *float64
	Validity     string
}

// SubmitOrderResult is submit_order's response.
type SubmitOrderResult struct {
	OK      bool
	ID      string
	Message string
}

// StreamTick is one event from a live market-data subscription.
type StreamTick struct {
	Symbol string
	LTP    float64
	Volume *int64
	OI     *int64
}

// StreamHandlers are the callbacks a Stream subscription drives.
type StreamHandlers struct {
	OnTick  func(StreamTick)
	OnOpen  func()
	OnClose func()
	OnError func(error)
}

// Broker is the abstract interface the core's components depend on. Every
// method must be safely callable through a circuit breaker (i.e. return a
// plain error rather than panicking or blocking indefinitely).
type Broker interface {
	Funds(ctx context.Context) (Funds, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)
	Orders(ctx context.Context) ([]BrokerOrder, error)
	SubmitOrder(ctx context.Context, payload SubmitOrderPayload) (SubmitOrderResult, error)
	Stream(ctx context.Context, symbols []string, handlers StreamHandlers) error
}

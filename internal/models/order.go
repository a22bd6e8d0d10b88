package models

import "time"

// OrderRequest is the adapter-agnostic submission record built by the
// dispatcher from a Signal and a sized lot count.
type OrderRequest struct {
	ClientOrderID   string
	Symbol          string // broker handle, already resolved by filter.Check
	Side            Side
	OrderType       OrderType
	Volume          float64 // lots
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	ExpiryHintMs    int64 // unix ms hint; only honored by adapters with native expiry
}

// OrderResult is the outcome of submitting or cancelling an order through a
// broker adapter.
type OrderResult struct {
	Success     bool
	BrokerOrder string
	Message     string
	FilledPrice float64
	StatusCode  int // set by REST-style adapters on failure
}

// PendingOrder is a broker-reported order awaiting fill.
type PendingOrder struct {
	ID             string
	Symbol         string // canonical, reverse-mapped from the broker handle
	Side           Side
	OrderType      OrderType
	Volume         float64
	EntryPrice     float64
	CreatedAt      time.Time
	CreatedAtKnown bool // false when the broker did not report a creation time; never reaped
	NativeExpiry   time.Time
	HasNativeExpiry bool
}

// Position is a broker-reported open position.
type Position struct {
	ID            string
	Symbol        string
	Side          Side
	Volume        float64
	EntryPrice    float64
	CurrentPrice  float64
	HasCurrentPrice bool
	UnrealizedPnL float64
}

package domain

import (
	"context"
	"errors"
	"time"
)

// Broker-agnostic session types. These abstract away bridge-specific
// implementations (MT5 bridge, dev-mode simulator) so the pool and the
// emergency flows never depend on a concrete client.

// Broker session errors. The pool maps these onto connection states and
// refusal reasons.
var (
	ErrBrokerNotConnected     = errors.New("broker session not connected")
	ErrBrokerAlreadyConnected = errors.New("broker session already connected")
	ErrBrokerRefused          = errors.New("broker refused credentials")
	ErrBridgeDown             = errors.New("bridge unreachable")
)

// BrokerCredentials identifies a broker account for session login
type BrokerCredentials struct {
	AccountNumber string `json:"account_number"`
	Password      string `json:"password,omitempty"`
	Server        string `json:"server"`
}

// BrokerAccountInfo is a point-in-time account state sample from the broker
type BrokerAccountInfo struct {
	Currency    string  `json:"currency"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Leverage    int     `json:"leverage"`
}

// BrokerPosition is an open position as reported by the broker. Position is
// the locally persisted row; the reconciler diffs the two.
type BrokerPosition struct {
	OpenedAt     time.Time `json:"opened_at"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Ticket       int64     `json:"ticket"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	Profit       float64   `json:"profit"`
	Swap         float64   `json:"swap"`
	Commission   float64   `json:"commission"`
}

// BrokerQuote is a market data sample for one symbol: the current
// bid/ask plus the latest completed bar. The positions reconciler feeds
// these to the panic monitor.
type BrokerQuote struct {
	At       time.Time `json:"at"`
	BarTime  time.Time `json:"bar_time"`
	Symbol   string    `json:"symbol"`
	Bid      float64   `json:"bid"`
	Ask      float64   `json:"ask"`
	BarHigh  float64   `json:"bar_high"`
	BarLow   float64   `json:"bar_low"`
	BarClose float64   `json:"bar_close"`
}

// Mid returns the bid/ask midpoint, falling back to whichever side is set
func (q BrokerQuote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	if q.Bid > 0 {
		return q.Bid
	}
	return q.Ask
}

// Spread returns the ask-bid distance, zero when either side is missing
func (q BrokerQuote) Spread() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return q.Ask - q.Bid
}

// BrokerCloseResult reports the outcome of closing one position
type BrokerCloseResult struct {
	Error      string  `json:"error,omitempty"`
	Ticket     int64   `json:"ticket"`
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
	Closed     bool    `json:"closed"`
}

// BrokerClient is one broker session. Implementations must be safe for
// concurrent use; reconcilers call Account/Positions while emergency flows
// call CloseAll.
type BrokerClient interface {
	// Connect logs the session in and returns the initial account state
	Connect(ctx context.Context, creds BrokerCredentials) (*BrokerAccountInfo, error)

	// Disconnect ends the session. Safe to call on a dead session.
	Disconnect(ctx context.Context) error

	// Account fetches current account state
	Account(ctx context.Context) (*BrokerAccountInfo, error)

	// Positions fetches all open positions
	Positions(ctx context.Context) ([]BrokerPosition, error)

	// Quotes fetches current market data for the given symbols. Symbols
	// the broker has no data for are omitted from the result.
	Quotes(ctx context.Context, symbols []string) ([]BrokerQuote, error)

	// ClosePosition closes a single position by ticket
	ClosePosition(ctx context.Context, ticket int64) (*BrokerCloseResult, error)

	// CloseAll flattens the account. Used by the emergency flows, so
	// implementations keep trying remaining positions after individual
	// close failures.
	CloseAll(ctx context.Context, reason string) ([]BrokerCloseResult, error)

	// Ping verifies the session is alive
	Ping(ctx context.Context) error
}

// BrokerDialer creates a fresh client for one profile session. The pool owns
// the client lifecycle after Dial returns.
type BrokerDialer interface {
	Dial(profileID string) BrokerClient
}

// BrokerDialerFunc adapts a function to the BrokerDialer interface
type BrokerDialerFunc func(profileID string) BrokerClient

// Dial implements BrokerDialer
func (f BrokerDialerFunc) Dial(profileID string) BrokerClient {
	return f(profileID)
}

// Package sim provides an in-memory broker client used in dev mode and
// tests when no bridge URL is configured. State mutations are deterministic:
// Connect returns the seeded account, CloseAll flattens the seeded positions.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
)

// Client is a simulated broker session
type Client struct {
	account   domain.BrokerAccountInfo
	positions map[int64]domain.BrokerPosition
	quotes    map[string]domain.BrokerQuote
	connected bool

	// Failure injection for tests
	ConnectErr error
	AccountErr error
	QuotesErr  error
	CloseErr   error
	PingErr    error

	mu sync.Mutex
}

// NewClient creates a simulator seeded with an account state
func NewClient(account domain.BrokerAccountInfo) *Client {
	return &Client{
		account:   account,
		positions: make(map[int64]domain.BrokerPosition),
		quotes:    make(map[string]domain.BrokerQuote),
	}
}

// SeedQuote sets the market data returned for a symbol
func (c *Client) SeedQuote(q domain.BrokerQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q.At.IsZero() {
		q.At = time.Now().UTC()
	}
	c.quotes[q.Symbol] = q
}

// SeedPosition adds an open position to the simulated account
func (c *Client) SeedPosition(p domain.BrokerPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	c.positions[p.Ticket] = p
}

// SetAccount replaces the simulated account state
func (c *Client) SetAccount(account domain.BrokerAccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = account
}

// Connect implements domain.BrokerClient
func (c *Client) Connect(_ context.Context, _ domain.BrokerCredentials) (*domain.BrokerAccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	if c.connected {
		return nil, domain.ErrBrokerAlreadyConnected
	}
	c.connected = true
	info := c.account
	return &info, nil
}

// Disconnect implements domain.BrokerClient
func (c *Client) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// Account implements domain.BrokerClient
func (c *Client) Account(_ context.Context) (*domain.BrokerAccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, domain.ErrBrokerNotConnected
	}
	if c.AccountErr != nil {
		return nil, c.AccountErr
	}
	info := c.account
	return &info, nil
}

// Positions implements domain.BrokerClient
func (c *Client) Positions(_ context.Context) ([]domain.BrokerPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, domain.ErrBrokerNotConnected
	}
	out := make([]domain.BrokerPosition, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out, nil
}

// Quotes implements domain.BrokerClient. Symbols without a seeded quote
// are synthesised from an open position's current price so dev mode has
// a flat but plausible market.
func (c *Client) Quotes(_ context.Context, symbols []string) ([]domain.BrokerQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, domain.ErrBrokerNotConnected
	}
	if c.QuotesErr != nil {
		return nil, c.QuotesErr
	}

	now := time.Now().UTC()
	out := make([]domain.BrokerQuote, 0, len(symbols))
	for _, symbol := range symbols {
		if q, ok := c.quotes[symbol]; ok {
			out = append(out, q)
			continue
		}
		price := 0.0
		for _, p := range c.positions {
			if p.Symbol == symbol {
				price = p.CurrentPrice
				break
			}
		}
		if price <= 0 {
			continue
		}
		half := price * 0.00005
		out = append(out, domain.BrokerQuote{
			At:       now,
			BarTime:  now.Truncate(time.Minute),
			Symbol:   symbol,
			Bid:      price - half,
			Ask:      price + half,
			BarHigh:  price,
			BarLow:   price,
			BarClose: price,
		})
	}
	return out, nil
}

// ClosePosition implements domain.BrokerClient
func (c *Client) ClosePosition(_ context.Context, ticket int64) (*domain.BrokerCloseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, domain.ErrBrokerNotConnected
	}
	if c.CloseErr != nil {
		return nil, c.CloseErr
	}
	p, ok := c.positions[ticket]
	if !ok {
		return &domain.BrokerCloseResult{Ticket: ticket, Closed: false, Error: "position not found"}, nil
	}
	delete(c.positions, ticket)
	return &domain.BrokerCloseResult{
		Ticket:     ticket,
		Closed:     true,
		ClosePrice: p.CurrentPrice,
		Profit:     p.Profit,
	}, nil
}

// CloseAll implements domain.BrokerClient
func (c *Client) CloseAll(_ context.Context, _ string) ([]domain.BrokerCloseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, domain.ErrBrokerNotConnected
	}
	if c.CloseErr != nil {
		return nil, c.CloseErr
	}
	results := make([]domain.BrokerCloseResult, 0, len(c.positions))
	for ticket, p := range c.positions {
		results = append(results, domain.BrokerCloseResult{
			Ticket:     ticket,
			Closed:     true,
			ClosePrice: p.CurrentPrice,
			Profit:     p.Profit,
		})
		delete(c.positions, ticket)
	}
	return results, nil
}

// Ping implements domain.BrokerClient
func (c *Client) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return domain.ErrBrokerNotConnected
	}
	return c.PingErr
}

// Dialer hands out simulators seeded with the same account template. Each
// profile gets its own independent simulator instance.
type Dialer struct {
	Template domain.BrokerAccountInfo

	mu       sync.Mutex
	sessions map[string]*Client
}

// NewDialer creates a dialer for dev mode
func NewDialer(template domain.BrokerAccountInfo) *Dialer {
	return &Dialer{
		Template: template,
		sessions: make(map[string]*Client),
	}
}

// Dial implements domain.BrokerDialer. Re-dialing a profile returns a fresh
// session but keeps earlier seeded positions, mirroring a broker that
// remembers state.
func (d *Dialer) Dial(profileID string) domain.BrokerClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if client, ok := d.sessions[profileID]; ok {
		client.mu.Lock()
		client.connected = false
		client.mu.Unlock()
		return client
	}
	client := NewClient(d.Template)
	d.sessions[profileID] = client
	return client
}

// Session returns the simulator backing a profile, for test assertions
func (d *Dialer) Session(profileID string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[profileID]
}

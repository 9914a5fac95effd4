// Package mtbridge implements the broker adapter against the MT5 bridge
// process. The bridge speaks JSON request/response frames over a websocket,
// one session per profile.
package mtbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout    = 30 * time.Second
	writeWait      = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// request is one frame sent to the bridge
type request struct {
	Params interface{} `json:"params,omitempty"`
	ID     string      `json:"id"`
	Method string      `json:"method"`
}

// response is one frame received from the bridge
type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	ID     string          `json:"id"`
	Error  string          `json:"error,omitempty"`
	OK     bool            `json:"ok"`
}

// Client is a domain.BrokerClient backed by one bridge websocket session
type Client struct {
	url        string
	profileID  string
	httpClient *http.Client
	log        zerolog.Logger

	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool
	mu         sync.RWMutex

	pending   map[string]chan *response
	pendingMu sync.Mutex
	nextID    uint64

	writeMu sync.Mutex
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Proxies in front of the bridge negotiate HTTP/2 via TLS ALPN, but the
// websocket upgrade handshake requires HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewClient creates a bridge client for one profile session
func NewClient(url, profileID string, log zerolog.Logger) *Client {
	return &Client{
		url:        url,
		profileID:  profileID,
		httpClient: createHTTP1Client(),
		pending:    make(map[string]chan *response),
		log: log.With().
			Str("component", "mtbridge").
			Str("profile_id", profileID).
			Logger(),
	}
}

// Dialer creates bridge clients pointed at a fixed bridge URL
type Dialer struct {
	URL string
	Log zerolog.Logger
}

// Dial implements domain.BrokerDialer
func (d *Dialer) Dial(profileID string) domain.BrokerClient {
	return NewClient(d.URL, profileID, d.Log)
}

// Connect dials the bridge websocket and logs the broker session in
func (c *Client) Connect(ctx context.Context, creds domain.BrokerCredentials) (*domain.BrokerAccountInfo, error) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil, domain.ErrBrokerAlreadyConnected
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrBridgeDown, err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCtx = connCtx
	c.cancelFunc = connCancel
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)

	var info domain.BrokerAccountInfo
	if err := c.call(ctx, "connect", creds, &info); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("bridge login failed: %w", err)
	}

	c.log.Info().
		Str("account", creds.AccountNumber).
		Float64("balance", info.Balance).
		Msg("Bridge session established")
	return &info, nil
}

// Disconnect ends the session and closes the websocket
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	cancel := c.cancelFunc
	c.conn = nil
	c.connCtx = nil
	c.cancelFunc = nil
	c.connected = false
	c.mu.Unlock()

	// Best effort logout before tearing the socket down
	logoutCtx, logoutCancel := context.WithTimeout(ctx, 5*time.Second)
	_ = c.callOn(logoutCtx, conn, "disconnect", nil, nil)
	logoutCancel()

	if cancel != nil {
		cancel()
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		return fmt.Errorf("error closing bridge socket: %w", err)
	}
	return nil
}

// Account fetches the current account state
func (c *Client) Account(ctx context.Context) (*domain.BrokerAccountInfo, error) {
	var info domain.BrokerAccountInfo
	if err := c.call(ctx, "account", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Positions fetches all open positions
func (c *Client) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var positions []domain.BrokerPosition
	if err := c.call(ctx, "positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Quotes fetches market data for the given symbols
func (c *Client) Quotes(ctx context.Context, symbols []string) ([]domain.BrokerQuote, error) {
	var quotes []domain.BrokerQuote
	params := map[string][]string{"symbols": symbols}
	if err := c.call(ctx, "quotes", params, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

// ClosePosition closes one position by ticket
func (c *Client) ClosePosition(ctx context.Context, ticket int64) (*domain.BrokerCloseResult, error) {
	var result domain.BrokerCloseResult
	params := map[string]int64{"ticket": ticket}
	if err := c.call(ctx, "close_position", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CloseAll flattens the account
func (c *Client) CloseAll(ctx context.Context, reason string) ([]domain.BrokerCloseResult, error) {
	var results []domain.BrokerCloseResult
	params := map[string]string{"reason": reason}
	if err := c.call(ctx, "close_all", params, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Ping verifies the session is alive
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// call sends a request on the current connection and decodes the result
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return domain.ErrBrokerNotConnected
	}
	return c.callOn(ctx, conn, method, params, result)
}

// callOn sends a request on a specific connection. Used directly during
// disconnect when the client state is already torn down.
func (c *Client) callOn(ctx context.Context, conn *websocket.Conn, method string, params, result interface{}) error {
	id := c.nextRequestID()
	respChan := make(chan *response, 1)

	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	writeCtx, writeCancel := context.WithTimeout(ctx, writeWait)
	c.writeMu.Lock()
	err = conn.Write(writeCtx, websocket.MessageText, data)
	c.writeMu.Unlock()
	writeCancel()
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	waitCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var waitCancel context.CancelFunc
		waitCtx, waitCancel = context.WithTimeout(ctx, requestTimeout)
		defer waitCancel()
	}

	select {
	case resp := <-respChan:
		if resp == nil {
			return domain.ErrBrokerNotConnected
		}
		if !resp.OK {
			if resp.Error == "invalid credentials" || resp.Error == "login rejected" {
				return fmt.Errorf("%w: %s", domain.ErrBrokerRefused, resp.Error)
			}
			return fmt.Errorf("bridge %s failed: %s", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("bridge %s timed out: %w", method, waitCtx.Err())
	}
}

// readLoop dispatches bridge responses to their pending callers
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.failPending()

	for {
		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				c.log.Info().Int("status", int(closeStatus)).Msg("Bridge socket closed normally")
			} else if ctx.Err() != nil {
				c.log.Debug().Msg("Bridge read cancelled")
			} else {
				c.log.Error().Err(err).Msg("Bridge read error")
				c.markDisconnected()
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		var resp response
		if err := json.Unmarshal(message, &resp); err != nil {
			c.log.Error().Err(err).Msg("Failed to parse bridge response")
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// failPending wakes every in-flight caller with a nil response
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

// markDisconnected flags the session dead after a transport failure
func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// nextRequestID returns a connection-unique request id
func (c *Client) nextRequestID() string {
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	c.pendingMu.Unlock()
	return c.profileID + "-" + strconv.FormatUint(id, 10)
}

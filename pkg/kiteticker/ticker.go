// Package kiteticker is a client for the Zerodha Kite streaming quotes
// websocket. It provides Subscribe / SetMode, auto-reconnect with exponential
// backoff and resubscribe, heartbeat handling and binary tick parsing.
package kiteticker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// RootURI is the production streaming endpoint.
	RootURI = "wss://ws.kite.trade"

	heartbeatInterval = 10 * time.Second
)

// Subscription modes.
const (
	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"
)

// wire actions
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionMode        = "mode"
)

// Ticker is one streaming connection. The provider caps both the number of
// simultaneous connections per API key and the tokens per connection; those
// budgets are the caller's concern.
type Ticker struct {
	apiKey      string
	accessToken string

	// URL can be overridden for tests; defaults to RootURI.
	URL string

	Dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[uint32]string // token -> mode
	closed     bool

	// retry config
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int

	// Callbacks
	OnConnect     func()
	OnTick        func(Tick)
	OnMessage     func(messageType int, data []byte) // raw hook, optional
	OnError       func(err error)
	OnClose       func()
	OnReconnect   func(attempt int, delay time.Duration)
	OnNoReconnect func(attempts int)

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures a Ticker.
type Config struct {
	APIKey      string
	AccessToken string

	ReconnectDelay    time.Duration // initial backoff, default 2s
	MaxReconnectDelay time.Duration // backoff cap, default 30s
	MaxRetries        int           // reconnect attempts before giving up, default 5
}

// New creates a Ticker. Connect must be called to start streaming.
func New(cfg Config) (*Ticker, error) {
	if cfg.APIKey == "" || cfg.AccessToken == "" {
		return nil, errors.New("kiteticker: api key and access token are required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Ticker{
		apiKey:            cfg.APIKey,
		accessToken:       cfg.AccessToken,
		URL:               RootURI,
		Dialer:            websocket.DefaultDialer,
		subscribed:        make(map[uint32]string),
		reconnectDelay:    cfg.ReconnectDelay,
		maxReconnectDelay: cfg.MaxReconnectDelay,
		maxRetries:        cfg.MaxRetries,
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// Connect dials the websocket and starts the read and heartbeat loops.
func (t *Ticker) Connect() error {
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("kiteticker: parse url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", t.apiKey)
	q.Set("access_token", t.accessToken)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Add("X-Kite-Version", "3")

	conn, resp, err := t.Dialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			log.Printf("[kiteticker] dial failed, status: %s", resp.Status)
		}
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	go t.readLoop(conn)
	go t.heartbeatLoop(conn)

	if t.OnConnect != nil {
		t.OnConnect()
	}
	return nil
}

// Close tears the connection down and disables reconnects.
func (t *Ticker) Close() {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	t.cancel()
}

// Subscribe requests streaming for tokens and records them for resubscribe.
// Tokens start in quote mode until SetMode is called.
func (t *Ticker) Subscribe(tokens []uint32) error {
	if err := t.send(actionSubscribe, tokens); err != nil {
		return err
	}
	t.mu.Lock()
	for _, tok := range tokens {
		if _, ok := t.subscribed[tok]; !ok {
			t.subscribed[tok] = ModeQuote
		}
	}
	t.mu.Unlock()
	return nil
}

// Unsubscribe stops streaming for tokens.
func (t *Ticker) Unsubscribe(tokens []uint32) error {
	if err := t.send(actionUnsubscribe, tokens); err != nil {
		return err
	}
	t.mu.Lock()
	for _, tok := range tokens {
		delete(t.subscribed, tok)
	}
	t.mu.Unlock()
	return nil
}

// SetMode switches the streaming mode for tokens.
func (t *Ticker) SetMode(mode string, tokens []uint32) error {
	req := map[string]interface{}{
		"a": actionMode,
		"v": []interface{}{mode, tokens},
	}
	if err := t.writeJSON(req); err != nil {
		return err
	}
	t.mu.Lock()
	for _, tok := range tokens {
		if _, ok := t.subscribed[tok]; ok {
			t.subscribed[tok] = mode
		}
	}
	t.mu.Unlock()
	return nil
}

// Resubscribe resends subscription and mode requests for all recorded tokens.
func (t *Ticker) Resubscribe() error {
	t.mu.Lock()
	byMode := make(map[string][]uint32)
	for tok, mode := range t.subscribed {
		byMode[mode] = append(byMode[mode], tok)
	}
	t.mu.Unlock()

	for mode, tokens := range byMode {
		if err := t.send(actionSubscribe, tokens); err != nil {
			return err
		}
		if err := t.SetMode(mode, tokens); err != nil {
			return err
		}
	}
	return nil
}

func (t *Ticker) send(action string, tokens []uint32) error {
	return t.writeJSON(map[string]interface{}{"a": action, "v": tokens})
}

func (t *Ticker) writeJSON(v interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("kiteticker: not connected")
	}
	return conn.WriteJSON(v)
}

// readLoop reads frames until the connection drops, then hands off to the
// reconnect logic. Binary frames carry ticks; text frames carry JSON errors
// and postbacks.
func (t *Ticker) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		mt, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				if t.OnClose != nil {
					t.OnClose()
				}
				return
			}
			log.Printf("[kiteticker] read error: %v", err)
			t.reconnect()
			return
		}

		if t.OnMessage != nil {
			t.OnMessage(mt, message)
		}

		switch mt {
		case websocket.BinaryMessage:
			// 1-byte binary frames are server heartbeats.
			if len(message) < 2 {
				continue
			}
			ticks, perr := ParseBinary(message)
			if perr != nil {
				log.Printf("[kiteticker] parse error: %v", perr)
				continue
			}
			if t.OnTick != nil {
				for _, tick := range ticks {
					t.OnTick(tick)
				}
			}

		case websocket.TextMessage:
			t.handleTextMessage(message)
		}
	}
}

func (t *Ticker) handleTextMessage(message []byte) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Type == "error" && t.OnError != nil {
		var errMsg string
		json.Unmarshal(msg.Data, &errMsg)
		t.OnError(fmt.Errorf("kiteticker: server error: %s", errMsg))
	}
}

// reconnect retries the connection with exponential backoff and resubscribes
// on success. After maxRetries consecutive failures it gives up and fires
// OnNoReconnect; the caller decides whether to mark the shard degraded.
func (t *Ticker) reconnect() {
	delay := t.reconnectDelay

	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		if t.OnReconnect != nil {
			t.OnReconnect(attempt, delay)
		}

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := t.Connect(); err == nil {
			if err := t.Resubscribe(); err != nil {
				log.Printf("[kiteticker] resubscribe failed: %v", err)
			}
			return
		}

		delay *= 2
		if delay > t.maxReconnectDelay {
			delay = t.maxReconnectDelay
		}
	}

	if t.OnNoReconnect != nil {
		t.OnNoReconnect(t.maxRetries)
	}
}

// heartbeatLoop sends periodic pings so intermediaries keep the connection up.
func (t *Ticker) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
			if err != nil {
				return // read loop notices the dead connection
			}
		}
	}
}

// Package kiteconnect is a minimal Kite Connect v3 REST client covering the
// endpoints the streaming pipeline needs: session exchange, the instrument
// dump, and last traded price lookups.
package kiteconnect

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRoot    = "https://api.kite.trade"
	defaultTimeout = 7 * time.Second
	kiteVersion    = "3"

	// requestsPerSecond matches the documented Kite Connect rate limit
	// for quote endpoints.
	requestsPerSecond = 3
)

var routes = map[string]string{
	"session.token":      "/session/token",
	"session.invalidate": "/session/token",
	"user.profile":       "/user/profile",
	"market.instruments": "/instruments",
	"market.quote.ltp":   "/quote/ltp",
	"market.quote":       "/quote",
}

type Config struct {
	APIKey      string
	AccessToken string

	RootURL string        // default: https://api.kite.trade
	Timeout time.Duration // default: 7s
	Debug   bool
}

type Client struct {
	apiKey      string
	accessToken string
	rootURL     string
	debug       bool

	httpClient *http.Client
	limiter    *rate.Limiter

	// SessionExpiryHook is called when the API reports a TokenException,
	// which means the access token is no longer valid.
	SessionExpiryHook func()
}

func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		rootURL:     strings.TrimRight(cfg.RootURL, "/"),
		debug:       cfg.Debug,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

func (c *Client) SetAccessToken(token string) { c.accessToken = token }
func (c *Client) AccessToken() string         { return c.accessToken }

func (c *Client) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Kite-Version", kiteVersion)
	h.Set("User-Agent", "optionstream/1.0")
	if c.accessToken != "" {
		h.Set("Authorization", "token "+c.apiKey+":"+c.accessToken)
	}
	return h
}

// apiError is the Kite error envelope: {"status":"error","message":...,"error_type":...}.
type apiError struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
}

func (c *Client) do(ctx context.Context, method, route string, params url.Values) ([]byte, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	return c.doURL(ctx, method, c.rootURL+uri, params)
}

func (c *Client) doURL(ctx context.Context, method, fullURL string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	reqURL := fullURL
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else if params != nil {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = c.requestHeaders()
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if c.debug {
		log.Printf("[kiteconnect] %s %s", method, reqURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if jerr := json.Unmarshal(raw, &apiErr); jerr == nil && apiErr.ErrorType != "" {
			if apiErr.ErrorType == "TokenException" && c.SessionExpiryHook != nil {
				c.SessionExpiryHook()
			}
			return nil, &apiErr
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

// unwrap decodes the success envelope {"status":"success","data":...} into out.
func unwrap(raw []byte, out any) error {
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("couldn't parse response: %w", err)
	}
	return json.Unmarshal(envelope.Data, out)
}

// UserSession is the token set returned by the session exchange.
type UserSession struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	AccessToken string `json:"access_token"`
	PublicToken string `json:"public_token"`
	LoginTime   string `json:"login_time"`
}

// GenerateSession exchanges a request token for an access token. The checksum
// is SHA-256 of api_key + request_token + api_secret, per the Kite Connect
// login flow. On success the client's access token is updated in place.
func (c *Client) GenerateSession(ctx context.Context, requestToken, apiSecret string) (*UserSession, error) {
	sum := sha256.Sum256([]byte(c.apiKey + requestToken + apiSecret))

	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("request_token", requestToken)
	params.Set("checksum", hex.EncodeToString(sum[:]))

	raw, err := c.do(ctx, http.MethodPost, "session.token", params)
	if err != nil {
		return nil, err
	}
	var session UserSession
	if err := unwrap(raw, &session); err != nil {
		return nil, err
	}
	c.accessToken = session.AccessToken
	return &session, nil
}

// InvalidateSession logs the access token out.
func (c *Client) InvalidateSession(ctx context.Context) error {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("access_token", c.accessToken)
	_, err := c.do(ctx, http.MethodDelete, "session.invalidate", params)
	return err
}

// Instrument is one row of the exchange instrument dump.
type Instrument struct {
	InstrumentToken uint32
	ExchangeToken   uint32
	TradingSymbol   string
	Name            string
	LastPrice       float64
	Expiry          string
	Strike          float64
	TickSize        float64
	LotSize         int
	InstrumentType  string
	Segment         string
	Exchange        string
}

// Instruments downloads and parses the CSV instrument dump for an exchange
// (e.g. "NFO"). Pass an empty exchange for the full dump.
func (c *Client) Instruments(ctx context.Context, exchange string) ([]Instrument, error) {
	uri := c.rootURL + routes["market.instruments"]
	if exchange != "" {
		uri += "/" + exchange
	}
	raw, err := c.doURL(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	return parseInstrumentsCSV(raw)
}

func parseInstrumentsCSV(raw []byte) ([]Instrument, error) {
	r := csv.NewReader(strings.NewReader(string(raw)))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("instrument dump: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"instrument_token", "tradingsymbol", "expiry", "strike", "instrument_type"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("instrument dump: missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var out []Instrument
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("instrument dump: %w", err)
		}
		token, err := strconv.ParseUint(field(row, "instrument_token"), 10, 32)
		if err != nil {
			continue
		}
		exchangeToken, _ := strconv.ParseUint(field(row, "exchange_token"), 10, 32)
		lastPrice, _ := strconv.ParseFloat(field(row, "last_price"), 64)
		strike, _ := strconv.ParseFloat(field(row, "strike"), 64)
		tickSize, _ := strconv.ParseFloat(field(row, "tick_size"), 64)
		lotSize, _ := strconv.Atoi(field(row, "lot_size"))

		out = append(out, Instrument{
			InstrumentToken: uint32(token),
			ExchangeToken:   uint32(exchangeToken),
			TradingSymbol:   field(row, "tradingsymbol"),
			Name:            field(row, "name"),
			LastPrice:       lastPrice,
			Expiry:          field(row, "expiry"),
			Strike:          strike,
			TickSize:        tickSize,
			LotSize:         lotSize,
			InstrumentType:  field(row, "instrument_type"),
			Segment:         field(row, "segment"),
			Exchange:        field(row, "exchange"),
		})
	}
	return out, nil
}

// LTPQuote is the last traded price for one instrument.
type LTPQuote struct {
	InstrumentToken uint32  `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
}

// LTP fetches last traded prices for instruments given as "EXCHANGE:SYMBOL"
// keys, e.g. "NSE:HDFCBANK". The response is keyed the same way.
func (c *Client) LTP(ctx context.Context, instruments ...string) (map[string]LTPQuote, error) {
	params := url.Values{}
	for _, key := range instruments {
		params.Add("i", key)
	}
	raw, err := c.do(ctx, http.MethodGet, "market.quote.ltp", params)
	if err != nil {
		return nil, err
	}
	out := map[string]LTPQuote{}
	if err := unwrap(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

package kiteconnect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const instrumentCSV = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
13411082,52387,HDFCBANK25SEP1600CE,HDFCBANK,12.5,2025-09-30,1600,0.05,550,CE,NFO-OPT,NFO
13411338,52388,HDFCBANK25SEP1600PE,HDFCBANK,8.1,2025-09-30,1600,0.05,550,PE,NFO-OPT,NFO
`

func TestParseInstrumentsCSV(t *testing.T) {
	instruments, err := parseInstrumentsCSV([]byte(instrumentCSV))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(instruments) != 2 {
		t.Fatalf("got %d instruments, want 2", len(instruments))
	}
	first := instruments[0]
	if first.InstrumentToken != 13411082 {
		t.Errorf("token = %d", first.InstrumentToken)
	}
	if first.TradingSymbol != "HDFCBANK25SEP1600CE" || first.Name != "HDFCBANK" {
		t.Errorf("symbol = %q, name = %q", first.TradingSymbol, first.Name)
	}
	if first.Strike != 1600 || first.LotSize != 550 || first.InstrumentType != "CE" {
		t.Errorf("strike = %v, lot = %d, type = %q", first.Strike, first.LotSize, first.InstrumentType)
	}
	if first.Expiry != "2025-09-30" {
		t.Errorf("expiry = %q", first.Expiry)
	}
}

func TestParseInstrumentsCSV_MissingColumn(t *testing.T) {
	if _, err := parseInstrumentsCSV([]byte("a,b,c\n1,2,3\n")); err == nil {
		t.Error("expected error for missing columns")
	}
}

func TestLTP(t *testing.T) {
	var gotAuth, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Kite-Version")
		if r.URL.Path != "/quote/ltp" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query()["i"]; len(got) != 2 {
			t.Errorf("instrument params = %v", got)
		}
		w.Write([]byte(`{"status":"success","data":{"NSE:HDFCBANK":{"instrument_token":341249,"last_price":1612.4},"NSE:INFY":{"instrument_token":408065,"last_price":1501.0}}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", AccessToken: "token", RootURL: srv.URL})
	quotes, err := c.LTP(context.Background(), "NSE:HDFCBANK", "NSE:INFY")
	if err != nil {
		t.Fatalf("LTP: %v", err)
	}
	if gotAuth != "token key:token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotVersion != "3" {
		t.Errorf("X-Kite-Version = %q", gotVersion)
	}
	if q := quotes["NSE:HDFCBANK"]; q.LastPrice != 1612.4 || q.InstrumentToken != 341249 {
		t.Errorf("quote = %+v", q)
	}
}

func TestGenerateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("api_key") != "key" || r.PostForm.Get("request_token") != "reqtok" {
			t.Errorf("form = %v", r.PostForm)
		}
		if len(r.PostForm.Get("checksum")) != 64 {
			t.Errorf("checksum = %q", r.PostForm.Get("checksum"))
		}
		w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234","access_token":"newtoken"}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", RootURL: srv.URL})
	session, err := c.GenerateSession(context.Background(), "reqtok", "secret")
	if err != nil {
		t.Fatalf("GenerateSession: %v", err)
	}
	if session.AccessToken != "newtoken" || session.UserID != "AB1234" {
		t.Errorf("session = %+v", session)
	}
	if c.AccessToken() != "newtoken" {
		t.Errorf("client token not updated: %q", c.AccessToken())
	}
}

func TestTokenExceptionFiresExpiryHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","message":"Token is invalid","error_type":"TokenException"}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", AccessToken: "stale", RootURL: srv.URL})
	expired := false
	c.SessionExpiryHook = func() { expired = true }

	if _, err := c.LTP(context.Background(), "NSE:INFY"); err == nil {
		t.Fatal("expected error")
	}
	if !expired {
		t.Error("session expiry hook not called")
	}
}

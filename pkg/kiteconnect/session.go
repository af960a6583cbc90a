package kiteconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

const kiteWebRoot = "https://kite.zerodha.com"

// LoginCredentials drives the headless Kite login flow: the web login with
// user id and password, the TOTP second factor, and the Connect redirect that
// yields a request token.
type LoginCredentials struct {
	UserID     string
	Password   string
	TOTPSecret string
	APIKey     string
	APISecret  string
}

// TwoFACode computes the current TOTP code from the shared secret.
func TwoFACode(secret string) (string, error) {
	return totp.GenerateCode(secret, time.Now())
}

type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		RequestID string `json:"request_id"`
	} `json:"data"`
	Message string `json:"message"`
}

// AutoLogin performs the full headless login and returns a live session:
// password login, TOTP two-factor, the Connect authorize redirect to capture
// the request token, and finally the token exchange.
func (c *Client) AutoLogin(ctx context.Context, creds LoginCredentials) (*UserSession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	// request_token arrives as a query param on the final redirect, which
	// points at the app's registered URL and is not itself fetchable.
	var requestToken string
	web := &http.Client{
		Jar:     jar,
		Timeout: c.httpClient.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if tok := req.URL.Query().Get("request_token"); tok != "" {
				requestToken = tok
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	requestID, err := webLogin(ctx, web, creds.UserID, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	code, err := TwoFACode(creds.TOTPSecret)
	if err != nil {
		return nil, fmt.Errorf("totp: %w", err)
	}
	if err := webTwoFA(ctx, web, creds.UserID, requestID, code); err != nil {
		return nil, fmt.Errorf("twofa: %w", err)
	}

	authorizeURL := fmt.Sprintf("%s/connect/login?api_key=%s&v=%s", kiteWebRoot, url.QueryEscape(creds.APIKey), kiteVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizeURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := web.Do(req)
	if err != nil && requestToken == "" {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	if requestToken == "" {
		return nil, fmt.Errorf("authorize: no request_token in redirect")
	}

	return c.GenerateSession(ctx, requestToken, creds.APISecret)
}

func webLogin(ctx context.Context, web *http.Client, userID, password string) (string, error) {
	form := url.Values{}
	form.Set("user_id", userID)
	form.Set("password", password)

	var out loginResponse
	if err := postForm(ctx, web, kiteWebRoot+"/api/login", form, &out); err != nil {
		return "", err
	}
	if out.Status != "success" {
		return "", fmt.Errorf("%s", out.Message)
	}
	return out.Data.RequestID, nil
}

func webTwoFA(ctx context.Context, web *http.Client, userID, requestID, code string) error {
	form := url.Values{}
	form.Set("user_id", userID)
	form.Set("request_id", requestID)
	form.Set("twofa_value", code)
	form.Set("twofa_type", "totp")

	var out loginResponse
	if err := postForm(ctx, web, kiteWebRoot+"/api/twofa", form, &out); err != nil {
		return err
	}
	if out.Status != "success" {
		return fmt.Errorf("%s", out.Message)
	}
	return nil
}

func postForm(ctx context.Context, web *http.Client, uri string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", kiteVersion)

	resp, err := web.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/encoding/json"
	"github.com/tradeforge/engine/internal/domain"
	"golang.org/x/time/rate"
)

// HTTPBroker is the default Broker implementation: a REST client wrapping
// rate limiting, 401-retry-once credential refresh, and a gorilla/websocket
// streaming client.
type HTTPBroker struct {
	baseURL string
	wsURL   string
	auth    *AuthManager
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewHTTPBroker builds a client bound to a broker's REST/WS base URLs. rps
// caps outbound request rate with one token-bucket limiter shared across
// every call this process makes.
func NewHTTPBroker(baseURL, wsURL string, auth *AuthManager, rps float64, log zerolog.Logger) *HTTPBroker {
	return &HTTPBroker{
		baseURL: baseURL,
		wsURL:   wsURL,
		auth:    auth,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:     log.With().Str("component", "broker_http").Logger(),
	}
}

// doRequest issues one HTTP call with rate limiting, bearer auth, and a
// single 401-triggered refresh-and-retry.
func (c *HTTPBroker) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	resp, status, err := c.rawRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusUnauthorized {
		return checkStatus(status, resp)
	}

	if _, err := c.auth.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	resp, status, err = c.rawRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, domain.NewBrokerError(domain.CodeAuthRefreshFailed, "retry after refresh still unauthorized")
	}
	return checkStatus(status, resp)
}

func (c *HTTPBroker) rawRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("broker request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func checkStatus(status int, body []byte) ([]byte, error) {
	if status >= 400 {
		return nil, domain.NewBrokerError(domain.CodeBrokerUnavailable, fmt.Sprintf("status %d: %s", status, string(body)))
	}
	return body, nil
}

func (c *HTTPBroker) Funds(ctx context.Context) (Funds, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/funds", nil)
	if err != nil {
		return Funds{}, err
	}
	var f Funds
	if err := json.Unmarshal(body, &f); err != nil {
		return Funds{}, fmt.Errorf("decode funds: %w", err)
	}
	return f, nil
}

func (c *HTTPBroker) Quote(ctx context.Context, symbol string) (Quote, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/quote?symbol="+symbol, nil)
	if err != nil {
		return Quote{}, err
	}
	var q Quote
	if err := json.Unmarshal(body, &q); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	return q, nil
}

func (c *HTTPBroker) Positions(ctx context.Context) ([]BrokerPosition, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, err
	}
	var ps []BrokerPosition
	if err := json.Unmarshal(body, &ps); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return ps, nil
}

func (c *HTTPBroker) Orders(ctx context.Context) ([]BrokerOrder, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/orders", nil)
	if err != nil {
		return nil, err
	}
	var os []BrokerOrder
	if err := json.Unmarshal(body, &os); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return os, nil
}

func (c *HTTPBroker) SubmitOrder(ctx context.Context, payload SubmitOrderPayload) (SubmitOrderResult, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return SubmitOrderResult{}, err
	}
	var r SubmitOrderResult
	if err := json.Unmarshal(body, &r); err != nil {
		return SubmitOrderResult{}, fmt.Errorf("decode submit result: %w", err)
	}
	return r, nil
}

// Stream opens a long-lived WebSocket subscription. Tick frames are decoded
// with segmentio/encoding/json: allocation-light decode matters once ticks
// arrive at market rate. Reconnection/backoff lives in internal/feed, which
// owns the lifecycle of this call; Stream itself returns on any read error
// so the caller can decide whether and how to retry.
func (c *HTTPBroker) Stream(ctx context.Context, symbols []string, handlers StreamHandlers) error {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return fmt.Errorf("dial feed websocket: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "symbols": symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if handlers.OnClose != nil {
				handlers.OnClose()
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read feed message: %w", err)
		}
		var tick StreamTick
		if err := json.Unmarshal(raw, &tick); err != nil {
			if handlers.OnError != nil {
				handlers.OnError(fmt.Errorf("decode tick: %w", err))
			}
			continue
		}
		if handlers.OnTick != nil {
			handlers.OnTick(tick)
		}
	}
}

// fyersRefresher is the default TokenRefresher: a Fyers/Zerodha-style
// refresh-token exchange posting appIdHash + refresh_token + pin.
type fyersRefresher struct {
	baseURL string
	http    *http.Client
}

// NewFyersRefresher builds the default TokenRefresher implementation.
func NewFyersRefresher(baseURL string) TokenRefresher {
	return &fyersRefresher{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (r *fyersRefresher) Refresh(ctx context.Context, creds Credentials) (string, error) {
	pin := creds.PIN
	if creds.TOTPSecret != "" {
		totp, err := GenerateTOTP(creds.TOTPSecret)
		if err != nil {
			return "", fmt.Errorf("generate totp for refresh: %w", err)
		}
		pin = totp
	}

	payload := map[string]string{
		"grant_type":    "refresh_token",
		"appIdHash":     AppIDHash(creds.AppID, creds.SecretID),
		"refresh_token": creds.RefreshToken,
		"pin":           pin,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal refresh payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/validate-refresh-token", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("refresh status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	return out.AccessToken, nil
}

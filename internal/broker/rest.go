package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/riverbend/signalbot/internal/catalog"
	"github.com/riverbend/signalbot/internal/models"
)

// APIError is returned for any REST call whose status code indicates
// failure, carrying the status for callers that want to branch on it
// (CancelOrder's retry policy treats 404 as success, for instance).
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rest broker: status %d: %s", e.Status, e.Body)
}

// RESTConfig configures a RESTBroker.
type RESTConfig struct {
	AuthBaseURL string
	Username    string
	Password    string
	AccountID   string // optional explicit account selector
	HTTPClient  *http.Client
}

// jwtClaims is the subset of the broker's JWT payload this adapter reads.
// It never verifies the signature - the token is bearer-auth material
// handed back to the same issuing service, not a trust boundary this
// process adjudicates.
type jwtClaims struct {
	jwt.RegisteredClaims
	APIHost string `json:"apiHost"`
}

// restAccount is one entry of the broker's account-list response.
type restAccount struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// RESTBroker implements Broker against a stateless REST API authenticated
// with a JWT whose payload carries the canonical API host to use for all
// subsequent calls. It has no native order-expiry support, which is why
// the expiry reaper exists.
type RESTBroker struct {
	cfg       RESTConfig
	client    *http.Client
	catalog   *catalog.Catalog
	accountID string // local config account id, passed to NewRESTBroker

	mu        sync.RWMutex
	token     string
	apiHost   string
	accountSel string // the selected trading account id on the broker side
}

// NewRESTBroker constructs a REST/JWT adapter. catalog is used to reverse
// map broker symbol handles back to canonical symbols on read paths.
func NewRESTBroker(cfg RESTConfig, cat *catalog.Catalog, localAccountID string) *RESTBroker {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTBroker{cfg: cfg, client: client, catalog: cat, accountID: localAccountID}
}

var _ Broker = (*RESTBroker)(nil)

// Connect authenticates and recovers the canonical API host from the JWT
// payload, then selects a trading account per the spec's rule: the
// configured id if present; otherwise the first active account; otherwise
// the first account in the list.
func (r *RESTBroker) Connect(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": r.cfg.Username,
		"password": r.cfg.Password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.AuthBaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Token    string        `json:"accessToken"`
		Accounts []restAccount `json:"accounts"`
	}
	if err := r.do(req, &out); err != nil {
		return fmt.Errorf("rest broker login: %w", err)
	}

	apiHost, err := decodeAPIHost(out.Token)
	if err != nil {
		return fmt.Errorf("rest broker: decoding jwt payload: %w", err)
	}

	selected := selectAccount(out.Accounts, r.cfg.AccountID)
	if selected == "" {
		return fmt.Errorf("rest broker: no trading account available")
	}

	r.mu.Lock()
	r.token = out.Token
	r.apiHost = apiHost
	r.accountSel = selected
	r.mu.Unlock()

	return nil
}

// selectAccount implements configured-id -> first-active -> first-in-list.
func selectAccount(accounts []restAccount, configuredID string) string {
	if configuredID != "" {
		for _, a := range accounts {
			if a.ID == configuredID {
				return a.ID
			}
		}
	}
	for _, a := range accounts {
		if a.Active {
			return a.ID
		}
	}
	if len(accounts) > 0 {
		return accounts[0].ID
	}
	return ""
}

func decodeAPIHost(token string) (string, error) {
	parser := jwt.NewParser()
	var claims jwtClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return "", err
	}
	if claims.APIHost == "" {
		return "", fmt.Errorf("jwt payload did not include an api host")
	}
	return claims.APIHost, nil
}

// Disconnect clears the cached token; the REST adapter holds no other
// session state. Calls made afterwards fail with ErrNotConnected until
// Connect runs again.
func (r *RESTBroker) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
	return nil
}

func (r *RESTBroker) baseURL() (string, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.token == "" || r.apiHost == "" {
		return "", "", ErrNotConnected
	}
	return r.apiHost, r.token, nil
}

func (r *RESTBroker) do(req *http.Request, out interface{}) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (r *RESTBroker) authedRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	host, token, err := r.baseURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(host, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.mu.RLock()
	accountSel := r.accountSel
	r.mu.RUnlock()
	req.Header.Set("X-Account-Id", accountSel)
	return req, nil
}

// AccountInfo implements Broker.
func (r *RESTBroker) AccountInfo(ctx context.Context) (models.AccountState, error) {
	req, err := r.authedRequest(ctx, http.MethodGet, "/accounts/state", nil)
	if err != nil {
		return models.AccountState{}, err
	}
	var out struct {
		Balance      float64 `json:"balance"`
		Equity       float64 `json:"equity"`
		UsedMargin   float64 `json:"usedMargin"`
		FreeMargin   float64 `json:"freeMargin"`
		BaseCurrency string  `json:"currency"`
		Leverage     float64 `json:"leverage"`
	}
	if err := r.do(req, &out); err != nil {
		return models.AccountState{}, err
	}
	return models.AccountState{
		Balance:      out.Balance,
		Equity:       out.Equity,
		UsedMargin:   out.UsedMargin,
		FreeMargin:   out.FreeMargin,
		BaseCurrency: out.BaseCurrency,
		Leverage:     out.Leverage,
	}, nil
}

// ListSymbols implements Broker.
func (r *RESTBroker) ListSymbols(ctx context.Context) ([]string, error) {
	req, err := r.authedRequest(ctx, http.MethodGet, "/instruments", nil)
	if err != nil {
		return nil, err
	}
	var out []struct {
		Name string `json:"name"`
	}
	if err := r.do(req, &out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out))
	for _, o := range out {
		names = append(names, o.Name)
	}
	return names, nil
}

// PlaceOrder implements Broker. The REST variant has no native expiry, so
// req.ExpiryHintMs is ignored here; the reaper is responsible for aging
// out unfilled orders. req.Symbol already carries the account's resolved
// broker handle; this adapter submits it as-is.
func (r *RESTBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"symbol":        req.Symbol,
		"side":          req.Side,
		"type":          req.OrderType,
		"qty":           req.Volume,
		"price":         req.EntryPrice,
		"stopLoss":      req.StopLoss,
		"takeProfit":    req.TakeProfit,
		"clientOrderId": req.ClientOrderID,
	})
	httpReq, err := r.authedRequest(ctx, http.MethodPost, "/orders", bytes.NewReader(payload))
	if err != nil {
		return models.OrderResult{}, err
	}
	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := r.do(httpReq, &out); err != nil {
		var apiErr *APIError
		if ok := asAPIError(err, &apiErr); ok {
			return models.OrderResult{Success: false, Message: apiErr.Error(), StatusCode: apiErr.Status}, nil
		}
		return models.OrderResult{}, err
	}
	return models.OrderResult{Success: true, BrokerOrder: out.OrderID}, nil
}

// CancelOrder implements Broker's cancel contract, including the spec's
// retry policy: on timeout, up to two retries with a fixed 2s backoff;
// HTTP 404 is treated as success (already filled or cancelled); any other
// non-2xx is reported as a failed OrderResult carrying the status code.
func (r *RESTBroker) CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error) {
	const maxRetries = 2
	const backoff = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := r.authedRequest(ctx, http.MethodDelete, "/orders/"+orderID, nil)
		if err != nil {
			return models.OrderResult{}, err
		}
		err = r.do(req, nil)
		if err == nil {
			return models.OrderResult{Success: true}, nil
		}

		var apiErr *APIError
		if asAPIError(err, &apiErr) {
			if apiErr.Status == http.StatusNotFound {
				return models.OrderResult{Success: true, Message: "order already gone"}, nil
			}
			return models.OrderResult{Success: false, Message: apiErr.Error(), StatusCode: apiErr.Status}, nil
		}

		lastErr = err
		if !isTimeout(err) || attempt == maxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return models.OrderResult{}, ctx.Err()
		}
	}
	return models.OrderResult{Success: false, Message: lastErr.Error()}, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func asAPIError(err error, target **APIError) bool {
	if ae, ok := err.(*APIError); ok {
		*target = ae
		return true
	}
	return false
}

// PendingOrders implements Broker. Orders whose creation time the upstream
// payload omits are marked CreatedAtKnown = false so the reaper never
// cancels them.
func (r *RESTBroker) PendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	req, err := r.authedRequest(ctx, http.MethodGet, "/orders/pending", nil)
	if err != nil {
		return nil, err
	}
	var out []struct {
		ID        string  `json:"id"`
		Symbol    string  `json:"symbol"`
		Side      string  `json:"side"`
		Type      string  `json:"type"`
		Qty       float64 `json:"qty"`
		Price     float64 `json:"price"`
		CreatedAt *string `json:"createdAt"`
	}
	if err := r.do(req, &out); err != nil {
		return nil, err
	}

	orders := make([]models.PendingOrder, 0, len(out))
	for _, o := range out {
		po := models.PendingOrder{
			ID:         o.ID,
			Symbol:     r.catalog.ReverseResolve(o.Symbol, r.accountID),
			Side:       models.Side(strings.ToUpper(o.Side)),
			OrderType:  models.OrderType(strings.ToUpper(o.Type)),
			Volume:     o.Qty,
			EntryPrice: o.Price,
		}
		if o.CreatedAt != nil {
			if ts, err := time.Parse(time.RFC3339, *o.CreatedAt); err == nil {
				po.CreatedAt = ts
				po.CreatedAtKnown = true
			}
		}
		orders = append(orders, po)
	}
	return orders, nil
}

// OpenPositions implements Broker.
func (r *RESTBroker) OpenPositions(ctx context.Context) ([]models.Position, error) {
	req, err := r.authedRequest(ctx, http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, err
	}
	var out []struct {
		ID          string  `json:"id"`
		Symbol      string  `json:"symbol"`
		Side        string  `json:"side"`
		Qty         float64 `json:"qty"`
		EntryPrice  float64 `json:"entryPrice"`
		MarketPrice *float64 `json:"marketPrice"`
		PnL         float64 `json:"unrealizedPnl"`
	}
	if err := r.do(req, &out); err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(out))
	for _, p := range out {
		pos := models.Position{
			ID:            p.ID,
			Symbol:        r.catalog.ReverseResolve(p.Symbol, r.accountID),
			Side:          models.Side(strings.ToUpper(p.Side)),
			Volume:        p.Qty,
			EntryPrice:    p.EntryPrice,
			UnrealizedPnL: p.PnL,
		}
		if p.MarketPrice != nil {
			pos.CurrentPrice = *p.MarketPrice
			pos.HasCurrentPrice = true
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

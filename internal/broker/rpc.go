package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riverbend/signalbot/internal/catalog"
	"github.com/riverbend/signalbot/internal/config"
	"github.com/riverbend/signalbot/internal/models"
)

// wireLotScale converts between lots and the broker's integer volume units
// (lot x 100), matching the convention used by persistent-session brokers
// whose wire protocol has no native fractional-lot field.
const wireLotScale = 100.0

// frameEnvelope is the on-wire message: a kind tag, an optional
// server-echoed request id (used for correlation when the server supports
// it), and a JSON payload specific to Kind.
type frameEnvelope struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// RPCConfig configures an RPCBroker session.
type RPCConfig struct {
	DialAddr      string // host:port of the persistent session endpoint
	TokenEndpoint string // HTTP endpoint for refresh-token rotation
	ClientID      string
	ClientSecret  string
	AccessToken   string
	RefreshToken  string
	AccountID     string // empty selects the first account returned by the server
	Demo          bool

	Store          *config.Store // token rotation sink; nil keeps rotated tokens in memory only
	LocalAccountID string        // the config account id RotateTokens targets

	DialTimeout time.Duration
	HTTPClient  *http.Client
}

// RPCBroker implements Broker over a persistent, framed binary session with
// two-phase authentication (application, then account) and request/response
// correlation bounded to one in-flight request per message kind - the
// server either echoes a request id, in which case that takes precedence,
// or the adapter falls back to matching by kind alone.
type RPCBroker struct {
	cfg     RPCConfig
	catalog *catalog.Catalog

	mu          sync.Mutex
	conn        net.Conn
	writer      *bufio.Writer
	accessToken string
	refreshTok  string
	accountID   string
	connected   bool

	pendingMu     sync.Mutex
	pendingByID   map[string]*pendingSlot // requestId -> slot
	pendingByKind map[string]*pendingSlot // kind -> slot, enforces depth 1 per kind

	kindLocksMu sync.Mutex
	kindLocks   map[string]*sync.Mutex // one lock per request kind, serializing same-kind calls

	readErrCh chan error
}

// pendingSlot is a single in-flight request awaiting its correlated
// response. Responses are matched by echoed request id when the server
// supplies one; servers that merely echo the request's kind tag back
// unchanged are matched by kind instead.
type pendingSlot struct {
	kind  string
	reqID string
	ch    chan frameEnvelope
}

// NewRPCBroker constructs a persistent RPC adapter.
func NewRPCBroker(cfg RPCConfig, cat *catalog.Catalog) *RPCBroker {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RPCBroker{
		cfg:           cfg,
		catalog:       cat,
		accessToken:   cfg.AccessToken,
		refreshTok:    cfg.RefreshToken,
		accountID:     cfg.AccountID,
		pendingByID:   make(map[string]*pendingSlot),
		pendingByKind: make(map[string]*pendingSlot),
		kindLocks:     make(map[string]*sync.Mutex),
	}
}

var _ Broker = (*RPCBroker)(nil)

// Connect dials the session, refreshes the access token if a refresh token
// is configured, and performs the two-phase (application, then account)
// authentication handshake.
func (r *RPCBroker) Connect(ctx context.Context) error {
	if r.refreshTok != "" {
		if err := r.refreshAccessToken(ctx); err != nil {
			return fmt.Errorf("rpc broker: refreshing token: %w", err)
		}
	}

	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.DialAddr)
	if err != nil {
		return fmt.Errorf("rpc broker: dial: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.writer = bufio.NewWriter(conn)
	r.mu.Unlock()

	r.readErrCh = make(chan error, 1)
	go r.readLoop(conn)

	authRes, err := r.call(ctx, "APP_AUTH", map[string]string{
		"clientId":     r.cfg.ClientID,
		"clientSecret": r.cfg.ClientSecret,
	})
	if err != nil {
		return fmt.Errorf("rpc broker: application auth: %w", err)
	}
	if authRes.Kind == "ERROR" {
		return fmt.Errorf("rpc broker: application auth rejected: %s", string(authRes.Payload))
	}

	if r.accountID == "" {
		listRes, err := r.call(ctx, "ACCOUNT_LIST", map[string]string{"accessToken": r.accessToken})
		if err != nil {
			return fmt.Errorf("rpc broker: listing accounts: %w", err)
		}
		var list struct {
			Accounts []string `json:"accounts"`
		}
		if err := json.Unmarshal(listRes.Payload, &list); err != nil || len(list.Accounts) == 0 {
			return fmt.Errorf("rpc broker: no account returned by session")
		}
		r.accountID = list.Accounts[0]
	}

	acctRes, err := r.call(ctx, "ACCOUNT_AUTH", map[string]string{
		"accountId":   r.accountID,
		"accessToken": r.accessToken,
	})
	if err != nil {
		return fmt.Errorf("rpc broker: account auth: %w", err)
	}
	if acctRes.Kind == "ERROR" {
		return fmt.Errorf("rpc broker: account auth rejected: %s", string(acctRes.Payload))
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

// refreshAccessToken exchanges the current refresh token for a new access
// and refresh token pair. The grant is single-use: on success, both new
// tokens are persisted to the config store before the old pair is
// discarded; if persistence fails, the old pair remains live in memory and
// the refresh is reported as failed so the caller does not proceed with
// tokens that were never durably saved.
func (r *RPCBroker) refreshAccessToken(ctx context.Context) error {
	form := strings.NewReader(fmt.Sprintf(
		"grant_type=refresh_token&refresh_token=%s&client_id=%s&client_secret=%s",
		r.refreshTok, r.cfg.ClientID, r.cfg.ClientSecret,
	))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenEndpoint, form)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("token endpoint returned no access token")
	}

	if r.cfg.Store != nil {
		newRefresh := out.RefreshToken
		if newRefresh == "" {
			newRefresh = r.refreshTok
		}
		if err := r.cfg.Store.RotateTokens(r.cfg.LocalAccountID, out.AccessToken, newRefresh); err != nil {
			return fmt.Errorf("persisting rotated tokens: %w", err)
		}
		r.refreshTok = newRefresh
	} else if out.RefreshToken != "" {
		r.refreshTok = out.RefreshToken
	}
	r.accessToken = out.AccessToken
	return nil
}

// Disconnect closes the session. It does not round-trip through call/
// readLoop since a half-closed socket would hang it.
func (r *RPCBroker) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// readLoop demultiplexes incoming frames to whichever in-flight call is
// waiting for them, preferring a server-echoed request id and falling back
// to matching by kind when the server does not echo one.
func (r *RPCBroker) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		var lenBuf [4]byte
		if _, err := readFull(reader, lenBuf[:]); err != nil {
			r.readErrCh <- err
			r.failAllPending(err)
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := readFull(reader, body); err != nil {
			r.readErrCh <- err
			r.failAllPending(err)
			return
		}

		var env frameEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			continue
		}

		r.pendingMu.Lock()
		var slot *pendingSlot
		if env.RequestID != "" {
			slot = r.pendingByID[env.RequestID]
		}
		if slot == nil {
			slot = r.pendingByKind[env.Kind]
		}
		if slot != nil {
			delete(r.pendingByID, slot.reqID)
			if r.pendingByKind[slot.kind] == slot {
				delete(r.pendingByKind, slot.kind)
			}
		}
		r.pendingMu.Unlock()
		if slot != nil {
			slot.ch <- env
		}
	}
}

func (r *RPCBroker) failAllPending(err error) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, slot := range r.pendingByID {
		close(slot.ch)
		delete(r.pendingByID, id)
	}
	r.pendingByKind = make(map[string]*pendingSlot)
}

func readFull(reader *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := reader.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// call sends a request of the given kind and blocks for its correlated
// response. Only one request per kind may be outstanding at a time; this
// mirrors the bounded-depth-1 correlation the session protocol supports -
// a second call of the same kind blocks on kindLock until the first
// resolves, rather than failing or overwriting the in-flight slot.
func (r *RPCBroker) call(ctx context.Context, kind string, payload interface{}) (frameEnvelope, error) {
	unlock, err := r.lockKind(ctx, kind)
	if err != nil {
		return frameEnvelope{}, err
	}
	defer unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return frameEnvelope{}, err
	}
	reqID := uuid.NewString()
	env := frameEnvelope{Kind: kind, RequestID: reqID, Payload: body}
	wire, err := json.Marshal(env)
	if err != nil {
		return frameEnvelope{}, err
	}

	ch := make(chan frameEnvelope, 1)
	slot := &pendingSlot{kind: kind, reqID: reqID, ch: ch}
	r.pendingMu.Lock()
	r.pendingByID[reqID] = slot
	r.pendingByKind[kind] = slot
	r.pendingMu.Unlock()

	r.mu.Lock()
	if r.writer == nil {
		r.mu.Unlock()
		return frameEnvelope{}, ErrNotConnected
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(wire)))
	_, werr := r.writer.Write(lenBuf[:])
	if werr == nil {
		_, werr = r.writer.Write(wire)
	}
	if werr == nil {
		werr = r.writer.Flush()
	}
	r.mu.Unlock()
	if werr != nil {
		r.clearSlot(slot)
		return frameEnvelope{}, werr
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return frameEnvelope{}, fmt.Errorf("rpc broker: session closed while awaiting %s response", kind)
		}
		return env, nil
	case <-ctx.Done():
		r.clearSlot(slot)
		return frameEnvelope{}, ctx.Err()
	}
}

// lockKind acquires the per-kind serialization lock, waiting for any
// in-flight request of the same kind to finish. If ctx is cancelled while
// waiting, the lock is handed off to a background goroutine that releases
// it once acquired, so a later caller never deadlocks on an abandoned wait.
func (r *RPCBroker) lockKind(ctx context.Context, kind string) (func(), error) {
	r.kindLocksMu.Lock()
	l, ok := r.kindLocks[kind]
	if !ok {
		l = &sync.Mutex{}
		r.kindLocks[kind] = l
	}
	r.kindLocksMu.Unlock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return l.Unlock, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			l.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// clearSlot removes slot's entries if they are still the current
// occupants - a response may have already claimed and removed them
// between the caller giving up and this running.
func (r *RPCBroker) clearSlot(slot *pendingSlot) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.pendingByID[slot.reqID] == slot {
		delete(r.pendingByID, slot.reqID)
	}
	if r.pendingByKind[slot.kind] == slot {
		delete(r.pendingByKind, slot.kind)
	}
}

// AccountInfo implements Broker.
func (r *RPCBroker) AccountInfo(ctx context.Context) (models.AccountState, error) {
	res, err := r.call(ctx, "ACCOUNT_INFO", map[string]string{"accountId": r.accountID})
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
	if err := json.Unmarshal(res.Payload, &out); err != nil {
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
func (r *RPCBroker) ListSymbols(ctx context.Context) ([]string, error) {
	res, err := r.call(ctx, "SYMBOLS_LIST", map[string]string{"accountId": r.accountID})
	if err != nil {
		return nil, err
	}
	var out struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// PlaceOrder implements Broker, converting lots to the wire's integer
// volume units and carrying req.ExpiryHintMs as a native good-till-date
// expiry when set. req.Symbol already carries the account's resolved
// broker handle; this adapter submits it as-is.
func (r *RPCBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	payload := map[string]interface{}{
		"accountId":  r.accountID,
		"symbol":     req.Symbol,
		"side":       string(req.Side),
		"type":       string(req.OrderType),
		"volume":     int64(req.Volume * wireLotScale),
		"price":      req.EntryPrice,
		"stopLoss":   req.StopLoss,
		"takeProfit": req.TakeProfit,
	}
	if req.ExpiryHintMs > 0 {
		payload["timeInForce"] = "GOOD_TILL_DATE"
		payload["expirationTimestamp"] = req.ExpiryHintMs
	} else {
		payload["timeInForce"] = "GTC"
	}

	res, err := r.call(ctx, "ORDER_PLACE", payload)
	if err != nil {
		return models.OrderResult{}, err
	}
	if res.Kind == "ERROR" {
		return models.OrderResult{Success: false, Message: string(res.Payload)}, nil
	}
	var out struct {
		OrderID     string  `json:"orderId"`
		FilledPrice float64 `json:"filledPrice"`
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{Success: true, BrokerOrder: out.OrderID, FilledPrice: out.FilledPrice}, nil
}

// CancelOrder implements Broker. The persistent session has no HTTP status
// codes to interpret, so cancellation success/failure comes directly from
// the server's response kind.
func (r *RPCBroker) CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error) {
	res, err := r.call(ctx, "ORDER_CANCEL", map[string]string{
		"accountId": r.accountID,
		"orderId":   orderID,
	})
	if err != nil {
		return models.OrderResult{}, err
	}
	if res.Kind == "ERROR" {
		return models.OrderResult{Success: false, Message: string(res.Payload)}, nil
	}
	return models.OrderResult{Success: true}, nil
}

// PendingOrders implements Broker, reversing broker symbol handles back to
// canonical symbols and dividing wire volume units back down to lots.
func (r *RPCBroker) PendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	res, err := r.call(ctx, "RECONCILE", map[string]string{"accountId": r.accountID})
	if err != nil {
		return nil, err
	}
	var out struct {
		Orders []struct {
			ID           string  `json:"orderId"`
			Symbol       string  `json:"symbol"`
			Side         string  `json:"side"`
			Type         string  `json:"type"`
			Volume       int64   `json:"volume"`
			Price        float64 `json:"price"`
			OpenTimeUnix *int64  `json:"openTimestamp"`
			ExpiryUnix   *int64  `json:"expirationTimestamp"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return nil, err
	}

	orders := make([]models.PendingOrder, 0, len(out.Orders))
	for _, o := range out.Orders {
		po := models.PendingOrder{
			ID:         o.ID,
			Symbol:     r.catalog.ReverseResolve(o.Symbol, r.cfg.LocalAccountID),
			Side:       models.Side(strings.ToUpper(o.Side)),
			OrderType:  models.OrderType(strings.ToUpper(o.Type)),
			Volume:     float64(o.Volume) / wireLotScale,
			EntryPrice: o.Price,
		}
		if o.OpenTimeUnix != nil {
			po.CreatedAt = time.UnixMilli(*o.OpenTimeUnix)
			po.CreatedAtKnown = true
		}
		if o.ExpiryUnix != nil {
			po.NativeExpiry = time.UnixMilli(*o.ExpiryUnix)
			po.HasNativeExpiry = true
		}
		orders = append(orders, po)
	}
	return orders, nil
}

// OpenPositions implements Broker.
func (r *RPCBroker) OpenPositions(ctx context.Context) ([]models.Position, error) {
	res, err := r.call(ctx, "RECONCILE", map[string]string{"accountId": r.accountID})
	if err != nil {
		return nil, err
	}
	var out struct {
		Positions []struct {
			ID           string  `json:"positionId"`
			Symbol       string  `json:"symbol"`
			Side         string  `json:"side"`
			Volume       int64   `json:"volume"`
			EntryPrice   float64 `json:"entryPrice"`
			CurrentPrice *float64 `json:"currentPrice"`
			PnL          float64 `json:"unrealizedPnl"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(out.Positions))
	for _, p := range out.Positions {
		pos := models.Position{
			ID:            p.ID,
			Symbol:        r.catalog.ReverseResolve(p.Symbol, r.cfg.LocalAccountID),
			Side:          models.Side(strings.ToUpper(p.Side)),
			Volume:        float64(p.Volume) / wireLotScale,
			EntryPrice:    p.EntryPrice,
			UnrealizedPnL: p.PnL,
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = *p.CurrentPrice
			pos.HasCurrentPrice = true
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// encodeFrame is exposed for tests that need to write a well-formed frame
// onto the fake session's pipe.
func encodeFrame(env frameEnvelope) []byte {
	body, _ := json.Marshal(env)
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)
	return buf.Bytes()
}

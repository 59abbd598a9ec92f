// Package odoo talks to an Odoo instance over its JSON-RPC endpoint and
// implements reconciliation.Accounting on top of the account and
// l10n_mx_edi models.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/reconciliation"
	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

// Config identifies one Odoo database and user.
type Config struct {
	URL      string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// Fault is an error returned by the Odoo server.
type Fault struct {
	Code    int
	Name    string
	Message string
}

func (f *Fault) Error() string {
	if f.Name != "" {
		return fmt.Sprintf("odoo fault %s: %s", f.Name, f.Message)
	}
	return fmt.Sprintf("odoo fault %d: %s", f.Code, f.Message)
}

// Unwrap classifies every fault as a reconciliation failure.
func (f *Fault) Unwrap() error {
	return reconciliation.ErrReconciliation
}

// ErrAuthentication means Odoo refused the credentials.
var ErrAuthentication = reconciliation.NewReconciliationError("odoo rejected the credentials")

// Client is a JSON-RPC client bound to one database. It authenticates
// lazily and caches the user id.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
	seq        atomic.Int64

	mu  sync.Mutex
	uid int64
}

// NewClient creates a client; no request is made until the first call.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("odoo").With(zap.String("odoo_db", cfg.Database)),
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

// call posts one JSON-RPC call and decodes the result into out.
func (c *Client) call(ctx context.Context, service, method string, args []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return fmt.Errorf("odoo: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("odoo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: odoo unreachable: %v", reconciliation.ErrReconciliation, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: read odoo response: %v", reconciliation.ErrReconciliation, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: odoo HTTP %d", reconciliation.ErrReconciliation, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: malformed odoo response: %v", reconciliation.ErrReconciliation, err)
	}
	if decoded.Error != nil {
		msg := decoded.Error.Data.Message
		if msg == "" {
			msg = decoded.Error.Message
		}
		return &Fault{Code: decoded.Error.Code, Name: decoded.Error.Data.Name, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", reconciliation.ErrReconciliation, method, err)
	}
	return nil
}

// Authenticate logs in and caches the user id.
func (c *Client) Authenticate(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return c.uid, nil
	}
	ctx, span := c.startSpan(ctx, "common", "authenticate")
	defer span.End()

	var result json.RawMessage
	args := []any{c.config.Database, c.config.Username, c.config.Password, map[string]any{}}
	if err := c.call(ctx, "common", "authenticate", args, &result); err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	var uid int64
	if err := json.Unmarshal(result, &uid); err != nil || uid == 0 {
		// Odoo answers false for bad credentials.
		telemetry.RecordError(span, ErrAuthentication)
		return 0, fmt.Errorf("%w: %s@%s", ErrAuthentication, c.config.Username, c.config.Database)
	}
	c.uid = uid
	c.logger.Debug("authenticated", zap.Int64("uid", uid))
	return uid, nil
}

// ServerVersion returns the server_version string
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var info struct {
		ServerVersion string `json:"server_version"`
	}
	if err := c.call(ctx, "common", "version", []any{}, &info); err != nil {
		return "", err
	}
	return info.ServerVersion, nil
}

// ExecuteKW runs model.method(*args, **kwargs) and decodes into out.
func (c *Client) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	ctx, span := c.startSpan(ctx, model, method)
	defer span.End()

	callArgs := []any{c.config.Database, uid, c.config.Password, model, method, args, kwargs}
	if err := c.call(ctx, "object", "execute_kw", callArgs, out); err != nil {
		telemetry.RecordError(span, err)
		c.logger.Debug("execute_kw failed", zap.String("model", model), zap.String("method", method), zap.Error(err))
		return err
	}
	return nil
}

// Domain is an Odoo search domain in prefix notation.
type Domain []any

// SearchRead reads fields of records matching domain. limit 0 means all.
func (c *Client) SearchRead(ctx context.Context, model string, domain Domain, fields []string, limit int, out any) error {
	if domain == nil {
		domain = Domain{}
	}
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	return c.ExecuteKW(ctx, model, "search_read", []any{domain}, kwargs, out)
}

// Read reads fields of records by id
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string, out any) error {
	return c.ExecuteKW(ctx, model, "read", []any{ids}, map[string]any{"fields": fields}, out)
}

// Create inserts one record and returns its id
func (c *Client) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	var id int64
	if err := c.ExecuteKW(ctx, model, "create", []any{values}, nil, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// Write updates records
func (c *Client) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	return c.ExecuteKW(ctx, model, "write", []any{ids, values}, nil, nil)
}

func (c *Client) startSpan(ctx context.Context, model, method string) (context.Context, trace.Span) {
	return telemetry.StartClientSpan(ctx, "odoo", method,
		telemetry.SpanAttrRPCModel, model,
		telemetry.SpanAttrRPCMethod, method,
	)
}

// isMissingModel reports a fault raised because a model or field is not
// installed, which optional lookups tolerate.
func isMissingModel(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	msg := strings.ToLower(f.Message)
	return strings.Contains(msg, "object") && strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "invalid field") ||
		strings.Contains(f.Name, "KeyError")
}

// Many2One decodes Odoo's [id, "display name"] pairs, plain ids and false.
type Many2One struct {
	ID   int64
	Name string
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Many2One) UnmarshalJSON(b []byte) error {
	*m = Many2One{}
	switch {
	case bytes.Equal(b, []byte("false")), bytes.Equal(b, []byte("null")):
		return nil
	case len(b) > 0 && b[0] == '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		if len(pair) > 0 {
			if err := json.Unmarshal(pair[0], &m.ID); err != nil {
				return err
			}
		}
		if len(pair) > 1 {
			_ = json.Unmarshal(pair[1], &m.Name)
		}
		return nil
	default:
		return json.Unmarshal(b, &m.ID)
	}
}

// Text decodes a char field, which Odoo sends as false when empty.
type Text string

// UnmarshalJSON implements json.Unmarshaler
func (t *Text) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("false")) || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

// Package client talks to the ricevute REST surface, including the raw PUT
// to a signed object-storage URL.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

// ErrUnauthorized is returned when the server rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

const DefaultTimeout = 30 * time.Second

type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8081. The /api prefix
	// is added by the client.
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *applog.Logger
}

type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *applog.Logger
}

// APIError is a non-2xx answer that maps to no domain error.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields []core.FieldError `json:"fields"`
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}

	return &Client{
		base:   base,
		token:  cfg.Token,
		http:   hc,
		logger: logger.WithComponent(applog.ComponentClient),
	}, nil
}

type (
	expenseEnvelope struct {
		Expense core.Expense `json:"expense"`
	}
	listEnvelope struct {
		Expenses []core.Expense `json:"expenses"`
	}
	deletedEnvelope struct {
		Deleted core.Expense `json:"deleted"`
	}
)

func (c *Client) List(ctx context.Context) ([]core.Expense, error) {
	var out listEnvelope
	if err := c.do(ctx, applog.OpList, http.MethodGet, "/api/expenses", nil, &out); err != nil {
		return nil, err
	}
	if out.Expenses == nil {
		out.Expenses = []core.Expense{}
	}
	return out.Expenses, nil
}

// Get returns core.ErrNotFound when the record does not exist.
func (c *Client) Get(ctx context.Context, id int64) (core.Expense, error) {
	var out expenseEnvelope
	err := c.do(ctx, applog.OpRead, http.MethodGet, expensePath(id), nil, &out)
	return out.Expense, err
}

func (c *Client) Create(ctx context.Context, in core.ExpenseInput) (core.Expense, error) {
	var out expenseEnvelope
	err := c.do(ctx, applog.OpCreate, http.MethodPost, "/api/expenses", in, &out)
	return out.Expense, err
}

func (c *Client) Replace(ctx context.Context, id int64, in core.ExpenseInput) (core.Expense, error) {
	var out expenseEnvelope
	err := c.do(ctx, applog.OpReplace, http.MethodPut, expensePath(id), in, &out)
	return out.Expense, err
}

func (c *Client) Patch(ctx context.Context, id int64, p core.ExpensePatch) (core.Expense, error) {
	var out expenseEnvelope
	err := c.do(ctx, applog.OpPatch, http.MethodPatch, expensePath(id), p, &out)
	return out.Expense, err
}

// Delete returns the record as it was before removal.
func (c *Client) Delete(ctx context.Context, id int64) (core.Expense, error) {
	var out deletedEnvelope
	err := c.do(ctx, applog.OpDelete, http.MethodDelete, expensePath(id), nil, &out)
	return out.Deleted, err
}

// SignUpload runs the first step of the attachment handshake.
func (c *Client) SignUpload(ctx context.Context, filename, contentType string) (core.UploadTarget, error) {
	body := struct {
		Filename string `json:"filename"`
		Type     string `json:"type"`
	}{filename, contentType}

	var out core.UploadTarget
	if err := c.do(ctx, applog.OpSign, http.MethodPost, "/api/upload/sign", body, &out); err != nil {
		return core.UploadTarget{}, err
	}
	if out.URL == "" || out.Key == "" {
		return core.UploadTarget{}, core.Transport(applog.OpSign, fmt.Errorf("incomplete upload target"))
	}
	if out.ContentType == "" {
		out.ContentType = contentType
	}
	return out, nil
}

// Upload PUTs raw bytes to a signed URL. The URL carries its own
// authorization, so no bearer token is sent. Any failure is a transport
// error: the object store either accepted the whole body or nothing.
func (c *Client) Upload(ctx context.Context, target core.UploadTarget, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", target.ContentType)
	if size >= 0 {
		req.ContentLength = size
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return core.Transport(applog.OpUpload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return core.Transport(applog.OpUpload, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))})
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.DebugContext(ctx, "Object uploaded",
		applog.FieldAttachmentKey, target.Key,
		applog.FieldDuration, time.Since(start).Milliseconds())
	return nil
}

// Bind commits a previously uploaded key to a record.
func (c *Client) Bind(ctx context.Context, id int64, key string) (core.Expense, error) {
	return c.Patch(ctx, id, core.ExpensePatch{AttachmentKey: &key})
}

// Export writes the XLSX workbook to w.
func (c *Client) Export(ctx context.Context, w io.Writer) error {
	resp, err := c.send(ctx, applog.OpExport, http.MethodGet, "/api/expenses/export", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(applog.OpExport, resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return core.Transport(applog.OpExport, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	resp, err := c.send(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Client-Request-ID", reqID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "Request failed",
			applog.FieldOperation, op,
			applog.FieldRequestID, reqID,
			applog.FieldError, err)
		return nil, core.Transport(op, err)
	}

	c.logger.DebugContext(ctx, "Request completed",
		applog.FieldOperation, op,
		applog.FieldRequestID, reqID,
		applog.FieldMethod, method,
		applog.FieldPath, path,
		applog.FieldStatusCode, resp.StatusCode,
		applog.FieldDuration, time.Since(start).Milliseconds())
	return resp, nil
}

// decodeError maps a failed response onto the domain taxonomy: 400 is a
// ValidationError, 404 is core.ErrNotFound, 401 is ErrUnauthorized, and
// 429 or 5xx is a transport error.
func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	apiErr := &APIError{Status: resp.StatusCode, Message: msg}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		if len(body.Fields) == 0 {
			return &core.ValidationError{Fields: []core.FieldError{{Reason: core.ReasonInvalidJSON, Message: msg}}}
		}
		return &core.ValidationError{Fields: body.Fields}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return core.Transport(op, apiErr)
	default:
		return apiErr
	}
}

func expensePath(id int64) string {
	return "/api/expenses/" + strconv.FormatInt(id, 10)
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 64 << 10

// Client is a thin client for the PostgREST and edge-function surface of a
// Supabase-style backend. It carries the credentials every channel needs.
type Client struct {
	baseURL    string
	apiKey     string
	schema     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSchema sets the Postgres schema used for RPC and table calls.
func WithSchema(schema string) ClientOption {
	return func(c *Client) {
		c.schema = schema
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Configured reports whether both the URL and the API key are set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// doRequest performs an authenticated request against the backend.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.schema != "" {
		req.Header.Set("Accept-Profile", c.schema)
		req.Header.Set("Content-Profile", c.schema)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return c.httpClient.Do(req)
}

// RPC calls a Postgres function through POST /rest/v1/rpc/{name}. A non-2xx
// response is returned as an ErrorInfo, transport failures as an error.
func (c *Client) RPC(ctx context.Context, name string, args map[string]any) (json.RawMessage, *ErrorInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(name), args, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("calling rpc %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp), nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading rpc %s response: %w", name, err)
	}
	return normalizeData(data), nil, nil
}

// InvokeFunction posts body to the edge function name and returns the status
// code and raw response body.
func (c *Client) InvokeFunction(ctx context.Context, name string, body any) (int, []byte, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/functions/v1/"+url.PathEscape(name), body, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("invoking function %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading function %s response: %w", name, err)
	}
	return resp.StatusCode, data, nil
}

// Insert writes row into table without asking for it back.
func (c *Client) Insert(ctx context.Context, table string, row any) (*ErrorInfo, error) {
	header := http.Header{}
	header.Set("Prefer", "return=minimal")

	resp, err := c.doRequest(ctx, http.MethodPost, "/rest/v1/"+url.PathEscape(table), row, header)
	if err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp), nil
	}
	io.Copy(io.Discard, resp.Body)
	return nil, nil
}

// TableExists reports whether table is exposed by PostgREST, selecting column
// with a zero-row limit.
func (c *Client) TableExists(ctx context.Context, table, column string) (bool, error) {
	q := url.Values{}
	q.Set("select", column)
	q.Set("limit", "1")

	resp, err := c.doRequest(ctx, http.MethodGet, "/rest/v1/"+url.PathEscape(table)+"?"+q.Encode(), nil, nil)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, fmt.Errorf("checking table %s: status %d", table, resp.StatusCode)
	default:
		// PostgREST answers 400 with 42P01 or PGRST205 for unknown tables.
		return false, nil
	}
}

// postgrestError is the error body PostgREST returns.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
	Hint    any    `json:"hint"`
	Error   any    `json:"error"`
}

// decodeError builds an ErrorInfo from a failed response. Bodies that are not
// PostgREST errors are kept verbatim in Details.
func decodeError(resp *http.Response) *ErrorInfo {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	info := &ErrorInfo{
		Status: resp.StatusCode,
		Code:   CodeHTTP,
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		info.Code = CodeAuth
	}

	var pe postgrestError
	if err := json.Unmarshal(body, &pe); err == nil && (pe.Message != "" || pe.Code != "" || pe.Error != nil) {
		info.Message = pe.Message
		if info.Message == "" {
			info.Message = stringify(pe.Error)
		}
		if pe.Code != "" && info.Code != CodeAuth {
			info.Code = pe.Code
		}
		info.Details = stringify(pe.Details)
		info.Hint = stringify(pe.Hint)
	} else {
		info.Details = strings.TrimSpace(string(body))
	}
	if info.Message == "" {
		info.Message = fmt.Sprintf("status %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return info
}

// stringify renders a loosely typed JSON field as text.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		if msg, ok := t["message"].(string); ok {
			return msg
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// normalizeData turns an empty body into JSON null and wraps non-JSON text
// as a JSON string.
func normalizeData(data []byte) json.RawMessage {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		return json.RawMessage(quoted)
	}
	return json.RawMessage(data)
}

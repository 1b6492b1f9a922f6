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
)

// DirectRESTChannel posts straight to the generic RPC endpoint with nothing but
// the key headers. It bypasses Client so it still works when the higher-level
// paths are broken by proxy or CORS configuration.
type DirectRESTChannel struct {
	baseURL    string
	apiKey     string
	proc       Procedure
	httpClient *http.Client
}

// NewDirectREST creates the direct REST channel.
func NewDirectREST(baseURL, apiKey string, proc Procedure, hc *http.Client) *DirectRESTChannel {
	if proc.Name == "" {
		proc = Procedure{Name: DefaultProcedureB, Param: DefaultParamB}
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &DirectRESTChannel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		proc:       proc,
		httpClient: hc,
	}
}

func (c *DirectRESTChannel) ID() ChannelID { return DirectREST }

func (c *DirectRESTChannel) Attempt(ctx context.Context, sql string) (Outcome, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return Outcome{Err: notConfigured(DirectREST, sql)}, nil
	}

	payload, err := json.Marshal(map[string]string{c.proc.Param: procedureSQL(sql)})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshaling direct rpc body: %w", err)
	}

	endpoint := c.baseURL + "/rest/v1/rpc/" + url.PathEscape(c.proc.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Outcome{}, fmt.Errorf("creating direct rpc request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("direct rpc %s: %w", c.proc.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		info := decodeError(resp)
		info.Channel = DirectREST
		info.Query = sql
		return Outcome{Err: info}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading direct rpc response: %w", err)
	}
	return Outcome{Data: normalizeData(data)}, nil
}

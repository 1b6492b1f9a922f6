package transport

import (
	"context"
	"encoding/json"
	"net/http"
)

// DefaultEdgeFunction is the edge function that executes SQL.
const DefaultEdgeFunction = "execute-sql"

// EdgeFunctionChannel runs SQL through an edge function that accepts {"sql": ...}.
type EdgeFunctionChannel struct {
	client *Client
	name   string
}

// NewEdgeFunction creates the edge-function channel.
func NewEdgeFunction(client *Client, name string) *EdgeFunctionChannel {
	if name == "" {
		name = DefaultEdgeFunction
	}
	return &EdgeFunctionChannel{client: client, name: name}
}

func (c *EdgeFunctionChannel) ID() ChannelID { return EdgeFunction }

// Attempt posts the SQL to the edge function. Success is a 2xx response whose
// body has no error field.
func (c *EdgeFunctionChannel) Attempt(ctx context.Context, sql string) (Outcome, error) {
	if !c.client.Configured() {
		return Outcome{Err: notConfigured(EdgeFunction, sql)}, nil
	}

	status, body, err := c.client.InvokeFunction(ctx, c.name, map[string]string{"sql": sql})
	if err != nil {
		return Outcome{}, err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return Outcome{Err: &ErrorInfo{
			Message: "edge function rejected credentials",
			Details: string(body),
			Code:    CodeAuth,
			Status:  status,
			Query:   sql,
			Channel: EdgeFunction,
		}}, nil
	}

	var payload map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = nil
		}
	}

	if status < 200 || status > 299 {
		info := &ErrorInfo{
			Message: "edge function returned " + http.StatusText(status),
			Code:    CodeEdgeFunction,
			Status:  status,
			Query:   sql,
			Channel: EdgeFunction,
		}
		if raw, ok := payload["error"]; ok {
			info.Details = rawText(raw)
		} else {
			info.Details = string(body)
		}
		return Outcome{Err: info}, nil
	}

	if raw, ok := payload["error"]; ok && string(raw) != "null" {
		info := &ErrorInfo{
			Message: rawText(raw),
			Code:    CodeEdgeFunction,
			Status:  status,
			Query:   sql,
			Channel: EdgeFunction,
		}
		var pe postgrestError
		if json.Unmarshal(raw, &pe) == nil && pe.Message != "" {
			info.Message = pe.Message
			if pe.Code != "" {
				info.Code = pe.Code
			}
			info.Details = stringify(pe.Details)
			info.Hint = stringify(pe.Hint)
		}
		return Outcome{Err: info}, nil
	}

	if raw, ok := payload["data"]; ok {
		return Outcome{Data: raw}, nil
	}
	return Outcome{Data: normalizeData(body)}, nil
}

// rawText renders a JSON value as text, unquoting strings.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return stringify(v)
	}
	return string(raw)
}

func notConfigured(id ChannelID, sql string) *ErrorInfo {
	return &ErrorInfo{
		Message: "backend url or key not configured",
		Code:    CodeNotConfigured,
		Query:   sql,
		Channel: id,
	}
}

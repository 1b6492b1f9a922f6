package emulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/markb/sbexec/internal/transport"
)

// handleFunction serves the execute-sql edge function. SQL failures are
// reported in the body's error field with a 200, as the function does.
func (s *Server) handleFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != s.functionName {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Function not found: " + name})
		return
	}

	disabled, ok := s.gate(r.Context(), transport.EdgeFunction)
	if !ok {
		return
	}
	if disabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "edge function unavailable"})
		return
	}
	if !requireServiceRole(w, r) {
		return
	}

	var body struct {
		SQL string `json:"sql"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(body.SQL) == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "sql is required"})
		return
	}

	data, err := s.store.Exec(r.Context(), body.SQL)
	if err != nil {
		info := toErrorInfo(err)
		json.NewEncoder(w).Encode(map[string]any{
			"data": nil,
			"error": map[string]any{
				"code":    info.Code,
				"message": info.Message,
				"details": nil,
				"hint":    nil,
			},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"data": data, "error": nil})
}

// handleRPC serves POST /rest/v1/rpc/{name} for the exec procedures.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// The raw REST channel sends only the key headers.
	if r.Header.Get("Content-Profile") == "" && r.Header.Get("Accept-Profile") == "" {
		disabled, ok := s.gate(r.Context(), transport.DirectREST)
		if !ok {
			return
		}
		if disabled {
			writeError(w, http.StatusBadGateway, "PGRST000", "upstream rejected the request", "")
			return
		}
	}

	proc, found := s.procedures[name]
	if found {
		disabled, ok := s.gate(r.Context(), proc.channel)
		if !ok {
			return
		}
		found = !disabled
	}

	var args map[string]any
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeError(w, http.StatusBadRequest, "PGRST102", "Invalid JSON body", "")
			return
		}
	}

	sql, hasParam := args[proc.param].(string)
	if !found || !hasParam {
		params := make([]string, 0, len(args))
		for k := range args {
			params = append(params, k)
		}
		writeError(w, http.StatusNotFound, "PGRST202",
			fmt.Sprintf("Could not find the function public.%s(%s) in the schema cache", name, strings.Join(params, ", ")),
			"Perhaps you meant to call a different function")
		return
	}
	if !requireServiceRole(w, r) {
		return
	}

	data, err := s.store.Exec(r.Context(), sql)
	if err != nil {
		info := toErrorInfo(err)
		writeError(w, http.StatusBadRequest, info.Code, info.Message, "")
		return
	}
	w.Write(data)
}

// handleSelect serves GET /rest/v1/{table}?select=a,b&limit=n.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	cols, ok := s.lookupTable(w, r, table)
	if !ok {
		return
	}

	var columns []string
	if sel := r.URL.Query().Get("select"); sel != "" && sel != "*" {
		for _, c := range strings.Split(sel, ",") {
			c = strings.TrimSpace(c)
			if !cols[c] {
				writeError(w, http.StatusBadRequest, "42703", fmt.Sprintf("column %s.%s does not exist", table, c), "")
				return
			}
			columns = append(columns, c)
		}
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "PGRST103", "limit must be a non-negative integer", "")
			return
		}
		limit = n
	}

	rows, err := s.store.Select(r.Context(), table, columns, limit)
	if err != nil {
		info := toErrorInfo(err)
		writeError(w, http.StatusBadRequest, info.Code, info.Message, "")
		return
	}
	if r.Method == http.MethodHead {
		return
	}
	json.NewEncoder(w).Encode(rows)
}

// handleInsert serves POST /rest/v1/{table} with a single object or an array
// of objects. Writes need the service_role key.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	cols, ok := s.lookupTable(w, r, table)
	if !ok {
		return
	}
	if !requireServiceRole(w, r) {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "PGRST102", "Invalid JSON body", "")
		return
	}
	var rows []map[string]any
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &rows); err != nil {
			writeError(w, http.StatusBadRequest, "PGRST102", "Invalid JSON body", "")
			return
		}
	} else {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			writeError(w, http.StatusBadRequest, "PGRST102", "Invalid JSON body", "")
			return
		}
		rows = append(rows, row)
	}

	for _, row := range rows {
		for c := range row {
			if !cols[c] {
				writeError(w, http.StatusBadRequest, "PGRST204",
					fmt.Sprintf("Could not find the '%s' column of '%s' in the schema cache", c, table), "")
				return
			}
		}
	}

	for _, row := range rows {
		if err := s.store.Insert(r.Context(), table, row); err != nil {
			info := toErrorInfo(err)
			status := http.StatusBadRequest
			if info.Code == "23505" {
				status = http.StatusConflict
			}
			writeError(w, status, info.Code, info.Message, "")
			return
		}
	}

	if strings.Contains(r.Header.Get("Prefer"), "return=representation") {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(rows)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// lookupTable writes a PostgREST not-found error when table is unknown.
func (s *Server) lookupTable(w http.ResponseWriter, r *http.Request, table string) (map[string]bool, bool) {
	if !identifier.MatchString(table) {
		writeError(w, http.StatusBadRequest, "PGRST100", "invalid table name", "")
		return nil, false
	}
	cols, err := s.store.tableColumns(r.Context(), table)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PGRST000", err.Error(), "")
		return nil, false
	}
	if cols == nil {
		writeError(w, http.StatusNotFound, "PGRST205",
			fmt.Sprintf("Could not find the table 'public.%s' in the schema cache", table), "")
		return nil, false
	}
	return cols, true
}

package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/transport"
)

func TestWriter_Record(t *testing.T) {
	var got map[string]any
	var checks atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/operation_logs", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("apikey"))
		switch r.Method {
		case http.MethodGet:
			checks.Add(1)
			assert.Equal(t, "operation_id", r.URL.Query().Get("select"))
			w.Write([]byte("[]"))
		case http.MethodPost:
			assert.Equal(t, "return=minimal", r.Header.Get("Prefer"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	wr := NewWriter(transport.NewClient(srv.URL, "key"), "", log.Discard())
	assert.Equal(t, DefaultTable, wr.Table())

	err := wr.Record(context.Background(), Entry{
		OperationType:   TypeSQLExecution,
		Status:          StatusSuccess,
		MethodUsed:      "edge-function",
		ExecutionTimeMs: 12,
		Details:         map[string]any{"attempts": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, "sql_execution", got["operation_type"])
	assert.Equal(t, "success", got["status"])
	assert.Equal(t, "edge-function", got["method_used"])
	assert.EqualValues(t, 12, got["execution_time_ms"])
	assert.NotEmpty(t, got["created_at"])
	_, err = uuid.Parse(got["operation_id"].(string))
	assert.NoError(t, err)

	require.NoError(t, wr.Record(context.Background(), Entry{OperationType: TypeDiagnostic, Status: StatusSuccess}))
	assert.EqualValues(t, 1, checks.Load(), "existence is cached once confirmed")
}

func TestWriter_TableMissing(t *testing.T) {
	var inserts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			inserts.Add(1)
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"PGRST205","message":"Could not find the table"}`))
	}))
	defer srv.Close()

	wr := NewWriter(transport.NewClient(srv.URL, "key"), "operation_logs", log.Discard())

	ok, err := wr.Available(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	err = wr.Record(context.Background(), Entry{OperationType: TypeDiagnostic})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, inserts.Load())
}

func TestWriter_NotConfigured(t *testing.T) {
	wr := NewWriter(transport.NewClient("", ""), "", log.Discard())
	ok, err := wr.Available(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriter_InsertRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("[]"))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"23502","message":"null value in column \"status\""}`))
	}))
	defer srv.Close()

	wr := NewWriter(transport.NewClient(srv.URL, "key"), "", log.Discard())
	err := wr.Record(context.Background(), Entry{OperationType: TypeMigration})
	require.Error(t, err)

	var info *transport.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, "23502", info.Code)
}

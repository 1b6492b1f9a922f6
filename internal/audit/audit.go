// Package audit records executions, diagnostic runs and migrations into the
// backend's operation log table. The table is optional: when it is missing,
// callers get ErrUnavailable and carry on.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/transport"
)

// DefaultTable is the operation log table created by the bundled migrations.
const DefaultTable = "operation_logs"

// ErrUnavailable is returned by Record when the audit table does not exist.
var ErrUnavailable = errors.New("audit table unavailable")

// Operation types.
const (
	TypeSQLExecution = "sql_execution"
	TypeDiagnostic   = "diagnostic"
	TypeMigration    = "migration"
)

// Statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry is one row of the operation log.
type Entry struct {
	OperationID     uuid.UUID `json:"operation_id"`
	OperationType   string    `json:"operation_type"`
	Status          string    `json:"status"`
	MethodUsed      string    `json:"method_used,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Details         any       `json:"details,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Writer inserts entries through PostgREST.
type Writer struct {
	client *transport.Client
	table  string
	logger *slog.Logger

	mu        sync.Mutex
	available bool
}

// NewWriter creates a writer for table. An empty table name means DefaultTable.
func NewWriter(client *transport.Client, table string, logger *slog.Logger) *Writer {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = log.Logger()
	}
	return &Writer{client: client, table: table, logger: logger}
}

// Table returns the name of the audit table.
func (w *Writer) Table() string {
	return w.table
}

// Available reports whether the audit table exists. A positive answer is
// cached; a negative one is checked again next time, since a migration may
// create the table in the meantime.
func (w *Writer) Available(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.available {
		return true, nil
	}
	if !w.client.Configured() {
		return false, nil
	}
	ok, err := w.client.TableExists(ctx, w.table, "operation_id")
	if err != nil {
		return false, err
	}
	w.available = ok
	return ok, nil
}

// Record writes e, filling in OperationID and CreatedAt when unset.
func (w *Writer) Record(ctx context.Context, e Entry) error {
	ok, err := w.Available(ctx)
	if err != nil {
		return fmt.Errorf("checking audit table: %w", err)
	}
	if !ok {
		return ErrUnavailable
	}

	if e.OperationID == uuid.Nil {
		e.OperationID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	info, err := w.client.Insert(ctx, w.table, e)
	if err != nil {
		return fmt.Errorf("recording %s: %w", e.OperationType, err)
	}
	if info != nil {
		return fmt.Errorf("recording %s: %w", e.OperationType, info)
	}

	w.logger.Debug("audit entry recorded",
		"table", w.table,
		"operation_id", e.OperationID,
		"operation_type", e.OperationType,
		"status", e.Status,
	)
	return nil
}

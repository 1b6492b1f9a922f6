package diagnostic

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/markb/sbexec/internal/audit"
	"github.com/markb/sbexec/internal/config"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/sqlexec"
	"github.com/markb/sbexec/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubChannel struct {
	id   transport.ChannelID
	code string // empty means success
}

func (s stubChannel) ID() transport.ChannelID { return s.id }

func (s stubChannel) Attempt(ctx context.Context, sql string) (transport.Outcome, error) {
	if s.code == "" {
		return transport.Outcome{Data: json.RawMessage(`[{"?column?":1}]`)}, nil
	}
	return transport.Outcome{Err: &transport.ErrorInfo{Message: "failed", Code: s.code}}, nil
}

// channels builds the four canonical channels; codes maps a channel to its
// failure code, absent channels succeed.
func channels(codes map[transport.ChannelID]string) []transport.Channel {
	var out []transport.Channel
	for _, id := range transport.KnownChannels() {
		out = append(out, stubChannel{id: id, code: codes[id]})
	}
	return out
}

func newTool(plan sqlexec.Plan, chs []transport.Channel, opts ...Option) *Tool {
	exec := sqlexec.New(plan, sqlexec.WithLogger(log.Discard()), sqlexec.WithBaseDelay(time.Millisecond))
	base := []Option{WithBackend("https://example.supabase.co", "key"), WithLogger(log.Discard())}
	return New(exec, chs, append(base, opts...)...)
}

func TestRun_AllHealthy(t *testing.T) {
	chs := channels(nil)
	report := newTool(sqlexec.DefaultPlan(chs), chs).Run(context.Background())

	require.Len(t, report.Channels, 4)
	for i, id := range transport.KnownChannels() {
		assert.Equal(t, string(id), report.Channels[i].Method)
		assert.True(t, report.Channels[i].Working)
		assert.Nil(t, report.Channels[i].Error)
	}
	assert.True(t, report.Composite.Working)
	assert.Equal(t, MethodExecutor, report.Summary.RecommendedMethod)
	assert.True(t, report.Summary.HasWorkingMethod)
	assert.Empty(t, report.Summary.CriticalIssues)
	assert.Empty(t, report.Summary.Warnings)
	assert.False(t, report.Persisted)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", report.ID.String())
}

func TestRun_AllFailing(t *testing.T) {
	codes := map[transport.ChannelID]string{}
	for _, id := range transport.KnownChannels() {
		codes[id] = transport.CodeNetwork
	}
	chs := channels(codes)
	report := newTool(sqlexec.DefaultPlan(chs), chs).Run(context.Background())

	require.Len(t, report.Channels, 4, "one entry per channel regardless of outcome")
	assert.Empty(t, report.Working())
	assert.False(t, report.Composite.Working)
	assert.Equal(t, transport.CodeExhausted, report.Composite.Error.Code)
	assert.Len(t, report.Composite.Error.Attempts, 2, "composite runs without retries")
	assert.False(t, report.Summary.HasWorkingMethod)
	assert.Equal(t, "", report.Summary.RecommendedMethod)
	require.NotEmpty(t, report.Summary.CriticalIssues)
	assert.Contains(t, report.Summary.CriticalIssues[len(report.Summary.CriticalIssues)-1], "no SQL execution method works")
}

func TestRun_Recommendation(t *testing.T) {
	tests := []struct {
		name    string
		failing []transport.ChannelID
		want    string
	}{
		{"rpc-a preferred", nil, "rpc-variant-a"},
		{"rpc-b next", []transport.ChannelID{transport.RPCVariantA}, "rpc-variant-b"},
		{"edge after rpc", []transport.ChannelID{transport.RPCVariantA, transport.RPCVariantB}, "edge-function"},
		{"direct last", []transport.ChannelID{transport.RPCVariantA, transport.RPCVariantB, transport.EdgeFunction}, "direct-rest"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			codes := map[transport.ChannelID]string{}
			for _, id := range tt.failing {
				codes[id] = transport.CodeHTTP
			}
			chs := channels(codes)

			// The executor's own plan is broken, so the composite fails.
			broken := stubChannel{id: "broken", code: transport.CodeHTTP}
			plan := sqlexec.Plan{Stages: [][]transport.Channel{{broken}}}

			report := newTool(plan, chs).Run(context.Background())
			assert.False(t, report.Composite.Working)
			assert.Equal(t, tt.want, report.Summary.RecommendedMethod)
			assert.True(t, report.Summary.HasWorkingMethod)
		})
	}
}

func TestRun_Warnings(t *testing.T) {
	t.Run("edge down, rpc works", func(t *testing.T) {
		chs := channels(map[transport.ChannelID]string{transport.EdgeFunction: transport.CodeEdgeFunction})
		report := newTool(sqlexec.DefaultPlan(chs), chs).Run(context.Background())

		assert.Equal(t, MethodExecutor, report.Summary.RecommendedMethod)
		assert.Contains(t, report.Summary.Warnings, "edge function is unavailable; calls fall back to RPC")
	})

	t.Run("only direct rest", func(t *testing.T) {
		chs := channels(map[transport.ChannelID]string{
			transport.EdgeFunction: transport.CodeHTTP,
			transport.RPCVariantA:  transport.CodeHTTP,
			transport.RPCVariantB:  transport.CodeHTTP,
		})
		report := newTool(sqlexec.DefaultPlan(chs), chs).Run(context.Background())

		assert.Equal(t, MethodExecutor, report.Summary.RecommendedMethod, "the final direct call rescues the composite")
		assert.Equal(t, []string{"direct-rest"}, report.Working())
		assert.Len(t, report.Summary.Warnings, 1)
		assert.Contains(t, report.Summary.Warnings[0], "only the direct REST channel works")
	})

	t.Run("plain http", func(t *testing.T) {
		chs := channels(nil)
		report := newTool(sqlexec.DefaultPlan(chs), chs, WithBackend("http://localhost:8080", "key")).Run(context.Background())

		assert.False(t, report.Config.HTTPS)
		assert.Contains(t, report.Summary.Warnings[0], "does not use https")
		assert.Empty(t, report.Summary.CriticalIssues)
	})
}

func TestRun_AuthRejected(t *testing.T) {
	codes := map[transport.ChannelID]string{}
	for _, id := range transport.KnownChannels() {
		codes[id] = transport.CodeAuth
	}
	chs := channels(codes)
	report := newTool(sqlexec.DefaultPlan(chs), chs).Run(context.Background())

	assert.Equal(t, transport.CodeAuth, report.Composite.Error.Code)
	assert.Contains(t, report.Summary.CriticalIssues[0], "credentials rejected by edge-function")
}

func TestRun_Unconfigured(t *testing.T) {
	cfg := config.Default()
	chs := cfg.Channels()
	exec := sqlexec.New(sqlexec.DefaultPlan(chs), sqlexec.WithLogger(log.Discard()))

	report := New(exec, chs, WithLogger(log.Discard())).Run(context.Background())

	require.Len(t, report.Channels, 4)
	for _, p := range report.Channels {
		assert.False(t, p.Working)
		require.NotNil(t, p.Error)
		assert.Equal(t, transport.CodeNotConfigured, p.Error.Code)
	}
	assert.False(t, report.Config.URLPresent)
	assert.False(t, report.Config.KeyPresent)
	assert.Contains(t, report.Summary.CriticalIssues, "backend URL is not configured")
	assert.Contains(t, report.Summary.CriticalIssues, "backend API key is not configured")
}

type memoryStore struct {
	mu        sync.Mutex
	available bool
	err       error
	entries   []audit.Entry
}

func (m *memoryStore) Available(ctx context.Context) (bool, error) { return m.available, nil }
func (m *memoryStore) Table() string                               { return "operation_logs" }

func (m *memoryStore) Record(ctx context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestRun_Persistence(t *testing.T) {
	chs := channels(nil)

	t.Run("table present", func(t *testing.T) {
		store := &memoryStore{available: true}
		report := newTool(sqlexec.DefaultPlan(chs), chs, WithStore(store)).Run(context.Background())

		assert.True(t, report.Persisted)
		require.Len(t, store.entries, 1)
		e := store.entries[0]
		assert.Equal(t, report.ID, e.OperationID)
		assert.Equal(t, audit.TypeDiagnostic, e.OperationType)
		assert.Equal(t, audit.StatusSuccess, e.Status)
		assert.Equal(t, MethodExecutor, e.MethodUsed)
	})

	t.Run("table missing", func(t *testing.T) {
		store := &memoryStore{}
		report := newTool(sqlexec.DefaultPlan(chs), chs, WithStore(store)).Run(context.Background())

		assert.False(t, report.Persisted)
		assert.Empty(t, store.entries)
		assert.Contains(t, report.Summary.Warnings, "audit table operation_logs not found; report not persisted")
		assert.True(t, report.Summary.HasWorkingMethod)
	})

	t.Run("insert fails", func(t *testing.T) {
		store := &memoryStore{available: true, err: errors.New("permission denied")}
		report := newTool(sqlexec.DefaultPlan(chs), chs, WithStore(store)).Run(context.Background())

		assert.False(t, report.Persisted)
		assert.True(t, report.Summary.HasWorkingMethod)
	})
}

func TestReport_Probe(t *testing.T) {
	chs := channels(map[transport.ChannelID]string{transport.RPCVariantB: transport.CodeHTTP})
	report := newTool(sqlexec.DefaultPlan(chs), chs).Run(context.Background())

	p, ok := report.Probe("rpc-variant-b")
	require.True(t, ok)
	assert.False(t, p.Working)

	p, ok = report.Probe(MethodExecutor)
	require.True(t, ok)
	assert.True(t, p.Working)

	_, ok = report.Probe("carrier-pigeon")
	assert.False(t, ok)
}

// Package sqlexec runs a SQL string to completion over whichever channel of a
// Supabase-style backend works, retrying the whole channel plan with
// exponential backoff and finishing with one direct REST call.
package sqlexec

import (
	"encoding/json"
	"time"

	"github.com/markb/sbexec/internal/transport"
)

// Plan is the ordered list of channel stages tried on every attempt. A stage
// with several channels is raced; the first success wins. Final is the
// channel used once after the retry budget is spent.
type Plan struct {
	Stages [][]transport.Channel
	Final  transport.Channel
}

// DefaultPlan arranges channels the usual way: the edge function first, then
// both RPC variants raced, then direct Postgres when present. Direct REST is
// the final channel. Channels with unknown ids become single stages after the
// known ones.
func DefaultPlan(channels []transport.Channel) Plan {
	byID := make(map[transport.ChannelID]transport.Channel, len(channels))
	var extra []transport.Channel
	for _, ch := range channels {
		switch ch.ID() {
		case transport.EdgeFunction, transport.RPCVariantA, transport.RPCVariantB,
			transport.DirectREST, transport.DirectPostgres:
			byID[ch.ID()] = ch
		default:
			extra = append(extra, ch)
		}
	}

	var p Plan
	if ch, ok := byID[transport.EdgeFunction]; ok {
		p.Stages = append(p.Stages, []transport.Channel{ch})
	}
	var race []transport.Channel
	for _, id := range []transport.ChannelID{transport.RPCVariantA, transport.RPCVariantB} {
		if ch, ok := byID[id]; ok {
			race = append(race, ch)
		}
	}
	if len(race) > 0 {
		p.Stages = append(p.Stages, race)
	}
	if ch, ok := byID[transport.DirectPostgres]; ok {
		p.Stages = append(p.Stages, []transport.Channel{ch})
	}
	for _, ch := range extra {
		p.Stages = append(p.Stages, []transport.Channel{ch})
	}
	p.Final = byID[transport.DirectREST]
	return p
}

// First returns the channel a healthy call is expected to use.
func (p Plan) First() transport.ChannelID {
	for _, stage := range p.Stages {
		if len(stage) > 0 {
			return stage[0].ID()
		}
	}
	if p.Final != nil {
		return p.Final.ID()
	}
	return ""
}

// Empty reports whether the plan has no channel at all.
func (p Plan) Empty() bool {
	return p.First() == ""
}

// Result is the single outcome of one Execute call. Exactly one of Data and
// Error is meaningful; Data is JSON null on failure.
//
// On failure the per-attempt breakdown is at error.attempts in the JSON form
// (each {number, channels, message, code, durationMs}); error.details stays
// the backend's own detail text, and the earlier failures follow
// error.previousError.
type Result struct {
	Data            json.RawMessage      `json:"data"`
	Error           *transport.ErrorInfo `json:"error"`
	Method          transport.ChannelID  `json:"method"`
	ExecutionTime   time.Duration        `json:"-"`
	ExecutionTimeMs int64                `json:"executionTimeMs"`
	FallbackUsed    bool                 `json:"fallbackUsed"`
	Attempts        int                  `json:"attempts"`
}

// OK reports whether the call succeeded.
func (r *Result) OK() bool {
	return r.Error == nil
}

// RetryState tracks one call through the retry loop.
type RetryState struct {
	RetryCount int
	MaxRetries int
	LastError  *transport.ErrorInfo
}

package diagnostic

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/markb/sbexec/internal/transport"
)

// MethodExecutor is the recommendation when the full fallback chain works.
const MethodExecutor = "executor"

// Report is the capability matrix of one diagnostic run.
type Report struct {
	ID        uuid.UUID     `json:"id"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"-"`
	// DurationMs mirrors Duration for JSON output.
	DurationMs int64       `json:"durationMs"`
	Config     ConfigCheck `json:"config"`
	Channels   []Probe     `json:"channels"`
	Composite  Probe       `json:"composite"`
	Summary    Summary     `json:"summary"`
	Persisted  bool        `json:"persisted"`
}

// ConfigCheck describes the backend configuration the run used.
type ConfigCheck struct {
	URL        string `json:"url"`
	URLPresent bool   `json:"urlPresent"`
	KeyPresent bool   `json:"keyPresent"`
	HTTPS      bool   `json:"https"`
}

// Probe is the outcome of running the probe statement through one channel.
type Probe struct {
	Method     string               `json:"method"`
	Working    bool                 `json:"working"`
	DurationMs int64                `json:"durationMs"`
	Data       json.RawMessage      `json:"data,omitempty"`
	Error      *transport.ErrorInfo `json:"error,omitempty"`
}

// Summary is derived from the probes.
type Summary struct {
	HasWorkingMethod  bool     `json:"hasWorkingMethod"`
	RecommendedMethod string   `json:"recommendedMethod"`
	CriticalIssues    []string `json:"criticalIssues"`
	Warnings          []string `json:"warnings"`
}

// Probe returns the probe for method, if the report has one.
func (r *Report) Probe(method string) (Probe, bool) {
	if method == MethodExecutor {
		return r.Composite, true
	}
	for _, p := range r.Channels {
		if p.Method == method {
			return p, true
		}
	}
	return Probe{}, false
}

// Working lists the channels whose probe succeeded, in probe order.
func (r *Report) Working() []string {
	var out []string
	for _, p := range r.Channels {
		if p.Working {
			out = append(out, p.Method)
		}
	}
	return out
}

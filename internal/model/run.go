package model

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunComplete  RunStatus = "complete"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunFailed || s == RunCancelled
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == RunRunning || s.Terminal()
}

// Phase is the coarse stage a run is in.
type Phase string

const (
	PhaseResolvingSchema Phase = "resolving_schema"
	PhaseDiscovering     Phase = "discovering"
	PhaseResearching     Phase = "researching"
	PhaseAggregating     Phase = "aggregating"
	PhaseComplete        Phase = "complete"
	PhaseFailed          Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseResolvingSchema: 0,
	PhaseDiscovering:     1,
	PhaseResearching:     2,
	PhaseAggregating:     3,
	PhaseComplete:        4,
	PhaseFailed:          4,
}

// Before reports whether p comes strictly before q.
func (p Phase) Before(q Phase) bool {
	return phaseOrder[p] < phaseOrder[q]
}

// Progress is a snapshot of run progress. Completed never decreases over the
// life of a run and Total is fixed once discovery finishes.
type Progress struct {
	Phase     Phase     `json:"phase"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PipelineRun is the persisted state of one execution.
type PipelineRun struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	Query       string          `json:"query"`
	CallerID    string          `json:"caller_id,omitempty"`
	Schema      *ResolvedSchema `json:"schema,omitempty"`
	Status      RunStatus       `json:"status"`
	Progress    Progress        `json:"progress"`
	Result      *ResultSet      `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EventType discriminates progress events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventSchema   EventType = "schema"
	EventComplete EventType = "complete"
	EventFailed   EventType = "failed"
)

// ProgressEvent is pushed to subscribers of a run.
type ProgressEvent struct {
	RunID    string          `json:"run_id"`
	Type     EventType       `json:"type"`
	Status   RunStatus       `json:"status"`
	Progress Progress        `json:"progress"`
	Schema   *ResolvedSchema `json:"schema,omitempty"`
	Result   *ResultSet      `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	At       time.Time       `json:"at"`
}

package model

import "time"

// Turn modes.
const (
	ModeSync   = "sync"
	ModeStream = "stream"
)

// Turn statuses.
const (
	TurnRunning   = "running"
	TurnComplete  = "complete"
	TurnRefused   = "refused"
	TurnError     = "error"
	TurnCancelled = "cancelled"
)

// CapturedEvent is one emitted event preserved in the turn record.
type CapturedEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	T     time.Time      `json:"t"`
}

// ContextBudget reports per-section token spend for one turn.
type ContextBudget struct {
	HistoryTokens  int    `json:"historyTokens"`
	SummaryTokens  int    `json:"summaryTokens"`
	SalienceTokens int    `json:"salienceTokens"`
	WebTokens      int    `json:"webTokens"`
	TotalTokens    int    `json:"totalTokens"`
	Reduced        bool   `json:"reduced,omitempty"`
	SummaryMode    string `json:"summaryMode,omitempty"`
}

// TurnRecord is the telemetry fingerprint of one completed turn. It is
// sealed at completion and redacted before it reaches the store.
type TurnRecord struct {
	SessionID     string            `json:"sessionId"`
	TurnID        string            `json:"turnId"`
	Mode          string            `json:"mode"`
	Question      string            `json:"question"`
	Answer        string            `json:"answer"`
	Route         string            `json:"route,omitempty"`
	Plan          *PlanSummary      `json:"plan,omitempty"`
	ContextBudget *ContextBudget    `json:"contextBudget,omitempty"`
	Retrieval     *RetrievalSummary `json:"retrieval,omitempty"`
	CriticHistory []CriticReport    `json:"criticHistory,omitempty"`
	AdaptiveStats *AdaptiveStats    `json:"adaptiveStats,omitempty"`
	Events        []CapturedEvent   `json:"events"`
	Status        string            `json:"status"`
	StartedAt     time.Time         `json:"startedAt"`
	CompletedAt   time.Time         `json:"completedAt"`
}

package model

// Plan step actions the planner may emit.
const (
	ActionVectorSearch = "vector_search"
	ActionWebSearch    = "web_search"
	ActionBoth         = "both"
	ActionNone         = "none"
)

// PlanStep is a single planned retrieval action.
type PlanStep struct {
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
	K      int    `json:"k,omitempty"`
}

// PlanSummary is the planner's output for one turn.
type PlanSummary struct {
	Confidence float64    `json:"confidence"`
	Steps      []PlanStep `json:"steps"`
}

// WantsVector reports whether any step requests in-corpus retrieval.
func (p *PlanSummary) WantsVector() bool {
	for _, s := range p.Steps {
		if s.Action == ActionVectorSearch || s.Action == ActionBoth {
			return true
		}
	}
	return false
}

// WantsWeb reports whether any step requests external web search.
func (p *PlanSummary) WantsWeb() bool {
	for _, s := range p.Steps {
		if s.Action == ActionWebSearch || s.Action == ActionBoth {
			return true
		}
	}
	return false
}

// Intent labels produced by the router.
const (
	IntentFAQ            = "faq"
	IntentResearch       = "research"
	IntentFactual        = "factual"
	IntentConversational = "conversational"
)

// ValidIntent reports whether intent is in the closed label set.
func ValidIntent(intent string) bool {
	switch intent {
	case IntentFAQ, IntentResearch, IntentFactual, IntentConversational:
		return true
	}
	return false
}

// RouteConfig maps an intent to the model and retrieval strategy used for it.
type RouteConfig struct {
	Model             string `json:"model"`
	RetrievalStrategy string `json:"retrievalStrategy"`
}

// IntentResult is the router's classification output.
type IntentResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

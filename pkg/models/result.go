package models

import "time"

// TokenUsage counts LLM token consumption for one agent task.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AgentResult is what an agent produces for one workflow stage. The fragment
// is an opaque Blender-Python text; hints are structured values merged into
// the session's shared context for downstream stages.
type AgentResult struct {
	Role     Role           `json:"role"`
	Fragment string         `json:"fragment"`
	Hints    map[string]any `json:"hints,omitempty"`
	Error    string         `json:"error,omitempty"`
	Usage    TokenUsage     `json:"usage"`
	WallTime time.Duration  `json:"wall_time"`
}

// Failed reports whether the agent task ended in error.
func (r *AgentResult) Failed() bool {
	return r != nil && r.Error != ""
}

// Review is the reviewer agent's verdict on one iteration.
type Review struct {
	Rating       int    `json:"rating"`
	ShouldRefine bool   `json:"should_refine"`
	Feedback     string `json:"feedback,omitempty"`
}

// WantsRefinement reports whether the verdict asks for another iteration.
func (r Review) WantsRefinement() bool {
	return r.Rating < 7 || r.ShouldRefine
}

package bus

// Pipeline event topics.
const (
	TopicItemEnqueued    = "item.enqueued"
	TopicItemClaimed     = "item.claimed"
	TopicItemAdvanced    = "item.advanced"
	TopicItemRequeued    = "item.requeued"
	TopicItemDone        = "item.done"
	TopicItemDeadLetter  = "item.dead_letter"
	TopicLeaseReclaimed  = "lease.reclaimed"
	TopicAgentHeartbeat  = "agent.heartbeat"
	TopicAgentDegraded   = "agent.degraded"
	TopicAgentRestarted  = "agent.restarted"
	TopicMetricsSnapshot = "metrics.snapshot"
	TopicProviderUsage   = "provider.usage"
	TopicQuestionAsked   = "question.asked"
	TopicQuestionAnswer  = "question.answered"
)

// StageEvent is published when a work item changes stage or queue state.
type StageEvent struct {
	ItemID    string `json:"item_id"`
	Stage     string `json:"stage"`
	NextStage string `json:"next_stage,omitempty"`
	Attempt   int    `json:"attempt"`
	AgentID   string `json:"agent_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// UsageEvent is published after each stage attempt with the provider
// spend it incurred: token counts, estimated cost and wall time.
type UsageEvent struct {
	ItemID          string  `json:"item_id"`
	AgentID         string  `json:"agent_id"`
	Role            string  `json:"role"`
	Stage           string  `json:"stage"`
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	CostUSD         float64 `json:"cost_usd"`
	ProviderSeconds float64 `json:"provider_seconds"`
	AttemptSeconds  float64 `json:"attempt_seconds"`
}

// AgentEvent is published for supervisor decisions about a worker agent.
type AgentEvent struct {
	AgentID      string `json:"agent_id"`
	Role         string `json:"role"`
	RestartCount int    `json:"restart_count,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

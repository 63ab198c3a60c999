package protocol

// Status/classification sum types.

// AgentStatus is a spawned agent's lifecycle state.
type AgentStatus string

const (
	AgentStatusPending AgentStatus = "pending"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusBlocked AgentStatus = "blocked"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed AgentStatus = "failed"
)

// Classification is the receptionist's output.
type Classification string

const (
	ClassConversational Classification = "CONVERSATIONAL"
	ClassInfoRequest Classification = "INFO_REQUEST"
	ClassAction Classification = "ACTION"
	ClassCompound Classification = "COMPOUND"
	ClassContinuation Classification = "CONTINUATION"
	ClassMemoryUpdate Classification = "MEMORY_UPDATE"
)

// Priority is the receptionist's urgency tag.
type Priority string

const (
	PriorityBlocking Priority = "BLOCKING"
	PriorityForeground Priority = "FOREGROUND"
	PriorityBackground Priority = "BACKGROUND"
)

// ModelRole selects which configured model a spawned agent uses.
type ModelRole string

const (
	ModelRoleIntake ModelRole = "intake"
	ModelRoleWorkhorse ModelRole = "workhorse"
	ModelRoleSmart ModelRole = "smart"
)

// ResearchDepth controls the research sub-agent's iteration budget.
type ResearchDepth string

const (
	DepthQuick ResearchDepth = "quick"
	DepthModerate ResearchDepth = "moderate"
	DepthThorough ResearchDepth = "thorough"
)

// ResearchFormat controls the research sub-agent's final-turn instruction.
type ResearchFormat string

const (
	FormatPlainText ResearchFormat = "plain_text"
	FormatStructuredJSON ResearchFormat = "structured_json"
	FormatMarkdown ResearchFormat = "markdown"
)

// Agent-run event subtypes surfaced on AgentEvent.Type
// (internal/agentloop), rendered by the CLI/Discord front-ends.
const (
	AgentEventRunStarted = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed = "run.failed"
	AgentEventRunRetrying = "run.retrying"
	AgentEventToolCall = "tool.call"
	AgentEventToolResult = "tool.result"
	AgentEventWaitForUser = "wait.for_user"
	AgentEventEscalated = "escalated"
)

// Chat event subtypes (streamed to front-ends as the loop progresses).
const (
	ChatEventChunk = "chunk"
	ChatEventMessage = "message"
	ChatEventThinking = "thinking"
)

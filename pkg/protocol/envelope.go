// Package protocol defines the wire format shared by the local agent and the
// cloud server: a single envelope type carrying a closed kind enumeration,
// plus the request/response framing used for correlated calls.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is bumped whenever the envelope schema changes incompatibly.
const ProtocolVersion = 1

// Envelope is the single message shape that flows in both directions over
// the channel. Kind is a value from the closed Kind enumeration below; Payload
// is kind-specific and left as raw JSON so callers decode into the concrete
// struct for that kind.
type Envelope struct {
	Type      Kind            `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Kind enumerates every envelope type recognized by either side. This is a
// closed set deliberately: unrecognized kinds are a protocol violation, not
// an extension point.
type Kind string

const (
	KindRegisterDevice Kind = "register_device"
	KindDeviceRegistered Kind = "device_registered"
	KindAuth           Kind = "auth"
	KindAuthFailed     Kind = "auth_failed"
	KindPing           Kind = "ping"
	KindPong           Kind = "pong"

	KindPrompt            Kind = "prompt"
	KindTaskAcknowledged  Kind = "task_acknowledged"
	KindAgentStarted      Kind = "agent_started"
	KindAgentComplete     Kind = "agent_complete"
	KindTaskProgress      Kind = "task_progress"
	KindStreamChunk       Kind = "stream_chunk"
	KindResponse          Kind = "response"

	KindExecutionRequest  Kind = "execution_request"
	KindExecutionResponse Kind = "execution_response"
	KindSchemaRequest    Kind = "schema_request"
	KindMemoryRequest    Kind = "memory_request"
	KindSkillRequest     Kind = "skill_request"
	KindPersonaRequest   Kind = "persona_request"
	KindCouncilRequest   Kind = "council_request"
	KindKnowledgeRequest Kind = "knowledge_request"
	KindKnowledgeQuery   Kind = "knowledge_query"
	KindToolRequest      Kind = "tool_request"
	KindThreadRequest    Kind = "thread_request"
	KindThreadUpdate     Kind = "thread_update"
	KindSaveToThread     Kind = "save_to_thread"
	KindStoreAsset       Kind = "store_asset"
	KindRetrieveAsset    Kind = "retrieve_asset"
	KindCleanupAssets    Kind = "cleanup_assets"

	KindCredentialSessionRequest Kind = "credential_session_request"
	KindCredentialResolve        Kind = "credential_resolve"
	KindCredentialProxy          Kind = "credential_proxy"
	KindCredentialSessionReady   Kind = "credential_session_ready"
	KindCredentialStored         Kind = "credential_stored"
	KindCredentialProxyResponse  Kind = "credential_proxy_response"
	KindCredentialResolveResponse Kind = "credential_resolve_response"

	KindLLMCall         Kind = "llm_call"
	KindLLMCallResponse Kind = "llm_call_response"

	KindCondenseRequest     Kind = "condense"
	KindCondenseResponse    Kind = "condense_response"
	KindResolveLoopRequest  Kind = "resolve_loop"
	KindResolveLoopResponse Kind = "resolve_loop_response"
	KindHeartbeatRequest    Kind = "heartbeat"
	KindHeartbeatResponse   Kind = "heartbeat_response"
	KindMCPConfigs          Kind = "mcp_configs"
	KindAdminResponse       Kind = "admin_response"
	KindFormatFixResponse   Kind = "format_fix_response"

	KindCancelBeforeRestart    Kind = "cancel_before_restart"
	KindCancelBeforeRestartAck Kind = "cancel_before_restart_ack"

	KindUserNotification Kind = "user_notification"
	KindRunLog           Kind = "run_log"
	KindSaveAgentWork    Kind = "save_agent_work"
)

// NewEnvelope builds an envelope with a fresh message id and the current
// wall-clock timestamp. payload is marshaled to JSON; a marshal failure on
// an internally-constructed value is a programmer error and panics.
func NewEnvelope(kind Kind, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal payload for %s: %v", kind, err))
	}
	return Envelope{
		Type:      kind,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// Correlated is implemented by payload types that carry a correlation
// identifier distinct from the envelope's transport-level message id. The
// correlation id is what request/response matching keys on (see
// internal/transport).
type Correlated interface {
	CorrelationID() string
}

// WithCorrelationID is embedded in payload structs that participate in
// request/response correlation.
type WithCorrelationID struct {
	CorrID string `json:"correlation_id"`
}

func (w WithCorrelationID) CorrelationID() string { return w.CorrID }

// NewCorrelationID mints a fresh correlation identifier for a pending call.
func NewCorrelationID() string { return uuid.NewString() }

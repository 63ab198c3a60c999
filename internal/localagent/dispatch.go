package localagent

import (
	"context"
	"log/slog"
	"time"

	"github.com/druidia-bot/dotbot/internal/transport"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// HandleEnvelope implements transport.Handler: server-initiated envelopes
// that no pending correlated call claimed. Handlers that do real work spawn
// and return so the read loop never blocks.
func (a *Agent) HandleEnvelope(ctx context.Context, c *transport.Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.KindExecutionRequest:
		var req protocol.ExecutionRequestPayload
		if err := env.Decode(&req); err != nil {
			return
		}
		go a.executeTool(req)

	case protocol.KindCredentialResolve:
		// The server wants this device's stored blob, verbatim — the blob
		// is opaque to us.
		var req protocol.CredentialResolvePayload
		if err := env.Decode(&req); err != nil {
			return
		}
		blob, found := a.Vault.Get(req.KeyName)
		_ = c.Send(protocol.KindCredentialResolveResponse, protocol.CredentialResolveResponsePayload{
			WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
			EncryptedBlob:     blob,
			Found:             found,
		})

	case protocol.KindCredentialStored:
		var stored protocol.CredentialStoredPayload
		if err := env.Decode(&stored); err != nil {
			return
		}
		if err := a.Vault.Store(stored.KeyName, stored.EncryptedBlob); err != nil {
			slog.Warn("localagent: vault store failed", "key", stored.KeyName, "err", err)
			return
		}
		slog.Info("localagent: credential stored", "key", stored.KeyName)

	case protocol.KindTaskAcknowledged:
		var ack protocol.TaskAcknowledgedPayload
		if err := env.Decode(&ack); err != nil {
			return
		}
		for _, f := range a.frontEnds() {
			f.OnAcknowledged(ack.Acknowledgment, ack.EstimatedLabel)
		}

	case protocol.KindResponse:
		var resp protocol.ResponsePayload
		if err := env.Decode(&resp); err != nil {
			return
		}
		for _, f := range a.frontEnds() {
			f.OnResponse(resp.Response)
		}

	case protocol.KindAgentComplete:
		var done protocol.AgentCompletePayload
		if err := env.Decode(&done); err != nil {
			return
		}
		for _, f := range a.frontEnds() {
			f.OnResponse("**" + done.Topic + "**\n" + done.Output)
		}

	case protocol.KindUserNotification:
		var note protocol.UserNotificationPayload
		if err := env.Decode(&note); err != nil {
			return
		}
		for _, f := range a.frontEnds() {
			f.OnNotification(note.Message)
		}

	case protocol.KindTaskProgress, protocol.KindAgentStarted, protocol.KindStreamChunk, protocol.KindRunLog:
		// Progress telemetry; front-ends that care subscribe separately.

	default:
		slog.Debug("localagent: unhandled envelope", "type", env.Type)
	}
}

// executeTool runs one routed tool call and sends the result back under
// the request's correlation id.
func (a *Agent) executeTool(req protocol.ExecutionRequestPayload) {
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	respond := func(text string, isErr bool) {
		_ = a.Client.Send(protocol.KindExecutionResponse, protocol.ExecutionResponsePayload{
			WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
			ForLLM:            text,
			IsError:           isErr,
		})
	}

	runner, ok := a.tools[req.ToolID]
	if !ok {
		respond("tool "+req.ToolID+" is not installed on this device", true)
		return
	}

	out, err := runner.Execute(ctx, req.ToolID, req.Arguments)
	if err != nil {
		respond(err.Error(), true)
		return
	}
	respond(out, false)
}

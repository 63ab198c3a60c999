// Package server is the cloud side's application glue: it receives
// client-initiated envelopes from internal/transport's Hub, owns one
// orchestration pipeline per connected device, runs the credential system's
// server half, and bridges tool execution back over the channel.
package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/druidia-bot/dotbot/internal/credential"
	"github.com/druidia-bot/dotbot/internal/injectionqueue"
	"github.com/druidia-bot/dotbot/internal/mcpgateway"
	"github.com/druidia-bot/dotbot/internal/navigator"
	"github.com/druidia-bot/dotbot/internal/orchestrator"
	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/internal/router"
	"github.com/druidia-bot/dotbot/internal/tools"
	"github.com/druidia-bot/dotbot/internal/transport"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// App implements transport.ServerHandler.
type App struct {
	Registry     *providers.Registry
	MasterKey    []byte
	Sessions     *credential.SessionStore
	Hints        *navigator.HintStore
	EntryBaseURL string // e.g. https://bot.example.com, prefix for credential entry URLs

	// ServerTools plugs in implementations for the server-side tool
	// categories (premium, imagegen, knowledge.ingest, schedule, research).
	// The implementations themselves are external collaborators; an absent
	// entry reports a recoverable error to the model.
	ServerTools map[string]ServerTool

	mu      sync.Mutex
	devices map[string]*deviceState
}

// deviceState is everything the server keeps per connected device: the
// session-scoped router, wait registry, injection queue, collection cache,
// MCP gateway, and the set of in-flight prompts (for cancel-before-restart).
type deviceState struct {
	sess        *transport.Session
	router      *router.Router
	waits       *orchestrator.WaitRegistry
	injections  *injectionqueue.Queue
	collections *navigator.Cache
	mcp         *mcpgateway.Gateway
	pipeline    *orchestrator.Pipeline

	mu       sync.Mutex
	inflight map[string]*inflightPrompt
}

type inflightPrompt struct {
	prompt string
	abort  chan struct{}
}

// ServerTool is one pluggable server-side tool implementation.
type ServerTool func(ctx context.Context, args map[string]any) (*tools.Result, error)

func NewApp(reg *providers.Registry, masterKey []byte, entryBaseURL string) *App {
	return &App{
		Registry:     reg,
		MasterKey:    masterKey,
		Sessions:     credential.NewSessionStore(),
		Hints:        navigator.NewHintStore(),
		EntryBaseURL: entryBaseURL,
		ServerTools:  make(map[string]ServerTool),
		devices:      make(map[string]*deviceState),
	}
}

// state returns (creating if needed) the per-device state for sess.
func (a *App) state(sess *transport.Session) *deviceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ds, ok := a.devices[sess.DeviceID]; ok {
		ds.sess = sess // reconnect replaces the live session handle
		return ds
	}

	ds := &deviceState{
		sess:        sess,
		router:      router.New(),
		waits:       orchestrator.NewWaitRegistry(),
		injections:  injectionqueue.New(nil),
		collections: navigator.NewCache(a.Hints),
		mcp:         mcpgateway.New(sess.DeviceID),
		inflight:    make(map[string]*inflightPrompt),
	}
	ds.collections.OnPersist(func(path, raw string) {
		a.persistToClient(ds, path, raw)
	})
	ds.pipeline = a.buildPipeline(ds)
	a.devices[sess.DeviceID] = ds
	return ds
}

// DeviceDisconnected tears down MCP connections for a device whose channel
// dropped. Wired to the Hub's unregister path by cmd/server.
func (a *App) DeviceDisconnected(deviceID string) {
	a.mu.Lock()
	ds, ok := a.devices[deviceID]
	a.mu.Unlock()
	if ok {
		ds.mcp.Stop()
	}
}

// HandleEnvelope dispatches one client-initiated envelope.
func (a *App) HandleEnvelope(ctx context.Context, sess *transport.Session, env protocol.Envelope) {
	ds := a.state(sess)

	switch env.Type {
	case protocol.KindPrompt:
		a.handlePrompt(ctx, ds, env)
	case protocol.KindCredentialSessionRequest:
		a.handleCredentialSessionRequest(ds, env)
	case protocol.KindCredentialProxy:
		a.handleCredentialProxy(ctx, ds, env)
	case protocol.KindCredentialResolve:
		a.handleCredentialResolve(ctx, ds, env)
	case protocol.KindLLMCall:
		a.handleLLMCall(ctx, ds, env)
	case protocol.KindCancelBeforeRestart:
		a.handleCancelBeforeRestart(ds, env)
	case protocol.KindMCPConfigs:
		a.handleMCPConfigs(ds, env)
	case protocol.KindCondenseRequest:
		a.handleCondense(ctx, ds, env)
	case protocol.KindResolveLoopRequest:
		a.handleResolveLoop(ctx, ds, env)
	case protocol.KindHeartbeatRequest:
		corr := corrOf(env)
		_ = ds.sess.Send(protocol.KindHeartbeatResponse, protocol.AckPayload{
			WithCorrelationID: protocol.WithCorrelationID{CorrID: corr},
			OK:                true,
		})
	default:
		slog.Debug("server: unhandled envelope", "type", env.Type, "device_id", sess.DeviceID)
	}
}

func (a *App) handlePrompt(ctx context.Context, ds *deviceState, env protocol.Envelope) {
	var req protocol.PromptPayload
	if err := env.Decode(&req); err != nil {
		slog.Warn("server: bad prompt payload", "err", err)
		return
	}

	inflight := &inflightPrompt{prompt: req.Prompt, abort: make(chan struct{})}
	ds.mu.Lock()
	ds.inflight[req.CorrID] = inflight
	ds.mu.Unlock()

	// The prompt runs detached from the read loop so one long agent doesn't
	// block the device's channel dispatch.
	go func() {
		defer func() {
			ds.mu.Lock()
			delete(ds.inflight, req.CorrID)
			ds.mu.Unlock()
		}()

		result, err := ds.pipeline.Run(context.Background(), req.Prompt, ds.sess.UserID, ds.sess.DeviceID)
		if err != nil {
			slog.Error("server: pipeline error", "err", err)
			return
		}
		if result.RoutedToAgent != "" && result.Response == "" {
			// Delivered to a blocked agent; its own completion will answer.
			return
		}
		_ = ds.sess.Send(protocol.KindResponse, protocol.ResponsePayload{
			WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
			Response:          result.Response,
			SpawnedTaskIDs:    result.SpawnedTaskIDs,
		})
	}()

	// Immediate acknowledgment with the classification-free default
	// estimate; the pipeline's own ack (for BACKGROUND work) follows.
	_ = ds.sess.Send(protocol.KindTaskAcknowledged, protocol.TaskAcknowledgedPayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
		Acknowledgment:    "On it.",
		Prompt:            req.Prompt,
		EstimatedLabel:    "~30s",
	})
}

func (a *App) handleCancelBeforeRestart(ds *deviceState, env protocol.Envelope) {
	corr := corrOf(env)

	ds.mu.Lock()
	var prompts []string
	for _, p := range ds.inflight {
		prompts = append(prompts, p.prompt)
		close(p.abort)
	}
	ds.inflight = make(map[string]*inflightPrompt)
	ds.mu.Unlock()

	_ = ds.sess.Send(protocol.KindCancelBeforeRestartAck, protocol.CancelBeforeRestartAckPayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: corr},
		Cancelled:         true,
		Prompts:           prompts,
	})
}

func (a *App) handleLLMCall(ctx context.Context, ds *deviceState, env protocol.Envelope) {
	var req protocol.LLMCallPayload
	if err := env.Decode(&req); err != nil {
		return
	}
	binding, err := a.Registry.For(protocol.ModelRoleWorkhorse)
	if err != nil {
		slog.Warn("server: llm_call with no provider", "err", err)
		return
	}

	msgs := make([]providers.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		msgs = append(msgs, providers.Message{Role: role, Content: content})
	}
	model := req.Model
	if model == "" {
		model = binding.Model
	}

	resp, err := binding.Provider.Chat(ctx, providers.ChatRequest{Messages: msgs, Model: model, Options: req.Options})
	payload := protocol.LLMCallResponsePayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
		Provider:          binding.Provider.Name(),
		Model:             model,
	}
	if err != nil {
		payload.Error = err.Error()
	} else {
		payload.Content = resp.Content
		for _, tc := range resp.ToolCalls {
			payload.ToolCalls = append(payload.ToolCalls, map[string]any{
				"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments,
			})
		}
	}
	_ = ds.sess.Send(protocol.KindLLMCallResponse, payload)
}

// handleCondense serves the sleep cycle's consolidation request: one
// summarization call over whatever text the client sent.
func (a *App) handleCondense(ctx context.Context, ds *deviceState, env protocol.Envelope) {
	var req protocol.CondenseRequestPayload
	if err := env.Decode(&req); err != nil {
		return
	}
	binding, err := a.Registry.For(protocol.ModelRoleIntake)
	if err != nil {
		return
	}

	resp, err := binding.Provider.Chat(ctx, providers.ChatRequest{
		Model: binding.Model,
		Messages: []providers.Message{
			{Role: "system", Content: "Condense the following notes into the few durable facts worth remembering. Drop anything transient."},
			{Role: "user", Content: req.Text},
		},
		Options: map[string]interface{}{"temperature": 0.2, "max_tokens": 800},
	})
	payload := protocol.CondenseResponsePayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
	}
	if err != nil {
		payload.Error = err.Error()
	} else {
		payload.Condensed = resp.Content
	}
	_ = ds.sess.Send(protocol.KindCondenseResponse, payload)
}

// handleResolveLoop answers the sleep cycle's "is this open loop resolved"
// question with one small judgment call.
func (a *App) handleResolveLoop(ctx context.Context, ds *deviceState, env protocol.Envelope) {
	var req protocol.ResolveLoopRequestPayload
	if err := env.Decode(&req); err != nil {
		return
	}
	binding, err := a.Registry.For(protocol.ModelRoleIntake)
	if err != nil {
		return
	}

	resp, err := binding.Provider.Chat(ctx, providers.ChatRequest{
		Model: binding.Model,
		Messages: []providers.Message{
			{Role: "system", Content: "Given an open commitment and later evidence, answer with exactly RESOLVED or OPEN on the first line, then one short reason."},
			{Role: "user", Content: "Commitment: " + req.LoopText + "\n\nEvidence:\n" + req.Evidence},
		},
		Options: map[string]interface{}{"temperature": 0.0, "max_tokens": 120},
	})
	payload := protocol.ResolveLoopResponsePayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
	}
	if err != nil {
		payload.Error = err.Error()
	} else {
		first, rest, _ := strings.Cut(strings.TrimSpace(resp.Content), "\n")
		payload.Resolved = strings.EqualFold(strings.TrimSpace(first), "RESOLVED")
		payload.Reason = strings.TrimSpace(rest)
	}
	_ = ds.sess.Send(protocol.KindResolveLoopResponse, payload)
}

func (a *App) handleMCPConfigs(ds *deviceState, env protocol.Envelope) {
	var req protocol.MCPConfigsPayload
	if err := env.Decode(&req); err != nil {
		return
	}
	configs := make([]mcpgateway.ServerConfig, 0, len(req.Servers))
	for _, s := range req.Servers {
		cfg := mcpgateway.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			URL:       s.URL,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
		}
		if s.CredentialKey != "" {
			// Decrypt server-side; the header value never crosses back to
			// the client or the model.
			plaintext, err := a.resolvePlaintext(context.Background(), ds, s.CredentialKey)
			if err != nil {
				slog.Warn("server: mcp credential unavailable", "server", s.Name, "err", err)
				continue
			}
			header := s.AuthHeader
			if header == "" {
				header = "Authorization"
			}
			if cfg.Headers == nil {
				cfg.Headers = make(map[string]string)
			}
			cfg.Headers[header] = s.AuthPrefix + plaintext
		}
		configs = append(configs, cfg)
	}
	ds.mcp.OnConfig(configs)
}

// persistToClient mirrors a large tool result into the client's
// research-cache via the filesystem tool, fire-and-forget.
func (a *App) persistToClient(ds *deviceState, path, raw string) {
	corrID := protocol.NewCorrelationID()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ds.sess.Call(ctx, protocol.KindExecutionRequest, corrID, protocol.ExecutionRequestPayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: corrID},
		ToolID:            "filesystem.create_file",
		Arguments:         map[string]any{"path": path, "content": raw},
		TimeoutMS:         int64(30 * time.Second / time.Millisecond),
	})
}

func corrOf(env protocol.Envelope) string {
	var w protocol.WithCorrelationID
	_ = env.Decode(&w)
	return w.CorrID
}

// Package localagent is the client-side application: it owns the channel
// connection, dispatches server-initiated envelopes (tool execution,
// credential storage, notifications), submits prompts on behalf of the
// front-ends (CLI, Discord), and runs the periodic manager, reminder
// loop, restart queue, and startup validation around them.
package localagent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/restartqueue"
	"github.com/druidia-bot/dotbot/internal/store/sqlite"
	"github.com/druidia-bot/dotbot/internal/transport"
	"github.com/druidia-bot/dotbot/internal/vault"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// ToolRunner executes one client-side tool call. The concrete tool set
// (shell, Discord REST, OCR, GUI automation) is out of scope here; the
// runner is the seam they plug into.
type ToolRunner interface {
	Execute(ctx context.Context, toolID string, args map[string]any) (string, error)
}

// ToolRunnerFunc adapts a function to ToolRunner.
type ToolRunnerFunc func(ctx context.Context, toolID string, args map[string]any) (string, error)

func (f ToolRunnerFunc) Execute(ctx context.Context, toolID string, args map[string]any) (string, error) {
	return f(ctx, toolID, args)
}

// FrontEnd receives user-facing output: final responses, acks, and
// notifications. The CLI and the Discord channel both implement it.
type FrontEnd interface {
	OnAcknowledged(ack, estimate string)
	OnResponse(text string)
	OnNotification(message string)
}

// Agent is the local agent runtime.
type Agent struct {
	BotDir string
	Config *config.ClientConfig

	Client  *transport.Client
	Vault   *vault.Vault
	Store   *sqlite.Store
	Restart *restartqueue.Queue

	tools map[string]ToolRunner

	mu           sync.Mutex
	fronts       []FrontEnd
	lastActivity time.Time
}

// New assembles the runtime around an already-configured transport client.
func New(botDir string, cfg *config.ClientConfig, client *transport.Client, v *vault.Vault, store *sqlite.Store) *Agent {
	a := &Agent{
		BotDir:       botDir,
		Config:       cfg,
		Client:       client,
		Vault:        v,
		Store:        store,
		Restart:      restartqueue.New(store),
		tools:        make(map[string]ToolRunner),
		lastActivity: time.Now(),
	}
	a.registerBuiltins()

	client.OnActivity(func() {
		a.mu.Lock()
		a.lastActivity = time.Now()
		a.mu.Unlock()
	})
	client.OnAuthenticated = func(c *transport.Client) {
		a.drainRestartQueue()
	}
	return a
}

// IdleSince satisfies internal/periodic.IdleTracker.
func (a *Agent) IdleSince() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastActivity)
}

// AttachFrontEnd registers a front-end for user-facing output.
func (a *Agent) AttachFrontEnd(f FrontEnd) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fronts = append(a.fronts, f)
}

// RegisterTool plugs one client-side tool implementation in by id.
func (a *Agent) RegisterTool(toolID string, runner ToolRunner) {
	a.tools[toolID] = runner
}

// ToolIDs lists the registered tool ids — the capabilities declared during
// the auth handshake.
func (a *Agent) ToolIDs() []string {
	ids := make([]string, 0, len(a.tools))
	for id := range a.tools {
		ids = append(ids, id)
	}
	return ids
}

func (a *Agent) frontEnds() []FrontEnd {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FrontEnd{}, a.fronts...)
}

// SubmitPrompt sends one user prompt to the server. The acknowledgment and
// final response arrive asynchronously through the front-end callbacks.
func (a *Agent) SubmitPrompt(prompt, source string) error {
	return a.Client.Send(protocol.KindPrompt, protocol.PromptPayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: protocol.NewCorrelationID()},
		Prompt:            prompt,
		Source:            source,
	})
}

// RequestCredential asks the server to mint a credential entry session and
// returns the one-time entry URL to surface to the user.
func (a *Agent) RequestCredential(ctx context.Context, keyName, prompt, title, allowedDomain string) (string, error) {
	if allowedDomain == "" {
		return "", fmt.Errorf("localagent: allowed_domain is required for credential %q", keyName)
	}
	corrID := protocol.NewCorrelationID()
	reply, ok := a.Client.Call(ctx, protocol.KindCredentialSessionRequest, corrID, protocol.CredentialSessionRequestPayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: corrID},
		KeyName:           keyName,
		Prompt:            prompt,
		Title:             title,
		AllowedDomain:     strings.ToLower(allowedDomain),
	})
	if !ok {
		return "", fmt.Errorf("localagent: no answer from server")
	}
	var resp protocol.CredentialSessionReadyPayload
	if err := reply.Decode(&resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("localagent: %s", resp.Error)
	}
	return resp.EntryURL, nil
}

// ResolveCredential asks the server to decrypt one of this device's vault
// entries for a local gateway's use (e.g. the Discord bot token).
func (a *Agent) ResolveCredential(ctx context.Context, keyName string) (string, error) {
	corrID := protocol.NewCorrelationID()
	reply, ok := a.Client.Call(ctx, protocol.KindCredentialResolve, corrID, protocol.CredentialResolvePayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: corrID},
		KeyName:           keyName,
	})
	if !ok {
		return "", fmt.Errorf("localagent: no answer from server")
	}
	var resp protocol.CredentialResolveResponsePayload
	if err := reply.Decode(&resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("localagent: %s", resp.Error)
	}
	if !resp.Found {
		return "", fmt.Errorf("localagent: no credential stored under %q", keyName)
	}
	return resp.Value, nil
}

// drainRestartQueue resubmits prompts persisted before an exit-42 restart.
// Drain deletes entries as it returns them, so a second reconnect finds an
// empty queue.
func (a *Agent) drainRestartQueue() {
	resumed, err := a.Restart.Drain()
	if err != nil {
		slog.Warn("localagent: restart queue drain failed", "err", err)
		return
	}
	for _, r := range resumed {
		if err := a.SubmitPrompt(r.Prompt, "restart-queue"); err != nil {
			slog.Warn("localagent: resubmit failed", "err", err)
		}
	}
	if len(resumed) > 0 {
		slog.Info("localagent: resumed prompts after restart", "count", len(resumed))
	}
}

// PrepareRestart asks the server to cancel in-flight work and persists the
// returned prompts; the caller exits 42 afterwards. The ack wait is bounded
// at 3 seconds — if the server doesn't answer, PrepareRestart returns
// without persisting anything.
func (a *Agent) PrepareRestart(ctx context.Context) {
	corrID := protocol.NewCorrelationID()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	reply, ok := a.Client.Call(ctx, protocol.KindCancelBeforeRestart, corrID, protocol.WithCorrelationID{CorrID: corrID})
	if !ok {
		slog.Warn("localagent: no cancel-before-restart ack, restarting anyway")
		return
	}
	var ack protocol.CancelBeforeRestartAckPayload
	if err := reply.Decode(&ack); err != nil {
		return
	}
	for _, prompt := range ack.Prompts {
		if err := a.Restart.Save("", prompt); err != nil {
			slog.Warn("localagent: persist restart prompt failed", "err", err)
		}
	}
}

// registerBuiltins installs the one tool the core itself depends on:
// filesystem.create_file, which the collection navigator uses to mirror
// large results into the research cache. Writes are confined to the .bot
// directory.
func (a *Agent) registerBuiltins() {
	a.tools["filesystem.create_file"] = ToolRunnerFunc(func(_ context.Context, _ string, args map[string]any) (string, error) {
		rel, _ := args["path"].(string)
		content, _ := args["content"].(string)
		if rel == "" {
			return "", fmt.Errorf("path is required")
		}

		full := filepath.Join(a.BotDir, filepath.Clean("/"+rel))
		if !strings.HasPrefix(full, filepath.Clean(a.BotDir)+string(os.PathSeparator)) {
			return "", fmt.Errorf("path escapes the bot directory")
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
	})
}

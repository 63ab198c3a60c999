// Package mcpgateway connects to external MCP tool servers: per-device MCP
// server configs arrive over the channel, are debounced for 3 seconds
// (config churn during onboarding shouldn't reconnect on every keystroke),
// connected with at most 2 retries 3 seconds apart, and torn down cleanly
// when the owning device disconnects. A generation counter invalidates
// in-flight reconnect attempts from a config that has since been replaced,
// and a dropped connection is retried once after 5 seconds with a
// per-server suppression flag so a server the caller has deliberately
// stopped doesn't keep reconnecting.
// Discovered tools register under "mcp.<server>.<tool>".
package mcpgateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/internal/tools"
)

const (
	debounceWindow  = 3 * time.Second
	connectRetries  = 2
	retryDelay      = 3 * time.Second
	reconnectDelay  = 5 * time.Second
	maxOutputChars  = 8000
)

// ServerConfig is one MCP server definition received over the channel.
type ServerConfig struct {
	Name      string
	Transport string // stdio | sse | streamable-http
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

type serverConn struct {
	name       string
	client     *mcpclient.Client
	toolNames  []string
	suppressed bool
	generation int
}

// Gateway is the per-device MCP connection set.
type Gateway struct {
	deviceID string

	mu         sync.Mutex
	servers    map[string]*serverConn
	generation int

	debounceTimer *time.Timer
	pending       []ServerConfig
	lastConfig    map[string]ServerConfig

	registry map[string]registeredTool // "mcp.<server>.<tool>" -> tool
}

type registeredTool struct {
	server    string
	name      string
	schema    map[string]interface{}
	timeout   time.Duration
}

// New creates a gateway for one device. Call Stop when the device
// disconnects.
func New(deviceID string) *Gateway {
	return &Gateway{
		deviceID:   deviceID,
		servers:    make(map[string]*serverConn),
		registry:   make(map[string]registeredTool),
		lastConfig: make(map[string]ServerConfig),
	}
}

// OnConfig is called whenever the device sends (or updates) its MCP server
// configuration. Reconnection is debounced 3 seconds so a burst of config
// updates collapses into a single reconnect.
func (g *Gateway) OnConfig(configs []ServerConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending = configs
	if g.debounceTimer != nil {
		g.debounceTimer.Stop()
	}
	g.debounceTimer = time.AfterFunc(debounceWindow, g.applyPending)
}

func (g *Gateway) applyPending() {
	g.mu.Lock()
	configs := g.pending
	g.generation++
	gen := g.generation
	g.mu.Unlock()

	seen := map[string]bool{}
	for _, cfg := range configs {
		seen[cfg.Name] = true
		g.mu.Lock()
		g.lastConfig[cfg.Name] = cfg
		g.mu.Unlock()
		go g.connectWithRetry(cfg, gen)
	}

	g.mu.Lock()
	for name, sc := range g.servers {
		if !seen[name] {
			g.teardownLocked(sc)
			delete(g.servers, name)
		}
	}
	g.mu.Unlock()
}

func (g *Gateway) connectWithRetry(cfg ServerConfig, gen int) {
	var lastErr error
	for attempt := 0; attempt <= connectRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if g.staleGeneration(gen) {
			return
		}
		if err := g.connect(cfg, gen); err != nil {
			lastErr = err
			slog.Warn("mcpgateway: connect attempt failed", "server", cfg.Name, "attempt", attempt, "err", err)
			continue
		}
		return
	}
	slog.Error("mcpgateway: connect exhausted retries", "server", cfg.Name, "err", lastErr)
}

func (g *Gateway) staleGeneration(gen int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gen != g.generation
}

func (g *Gateway) connect(cfg ServerConfig, gen int) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("mcpgateway: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("mcpgateway: start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "dotbot", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("mcpgateway: initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("mcpgateway: list tools: %w", err)
	}

	if g.staleGeneration(gen) {
		_ = client.Close()
		return nil
	}

	sc := &serverConn{name: cfg.Name, client: client, generation: gen}

	g.mu.Lock()
	for _, t := range listed.Tools {
		qualified := "mcp." + cfg.Name + "." + t.Name
		g.registry[qualified] = registeredTool{
			server:  cfg.Name,
			name:    t.Name,
			schema:  schemaToMap(t.InputSchema),
			timeout: 60 * time.Second,
		}
		sc.toolNames = append(sc.toolNames, qualified)
	}
	if old, ok := g.servers[cfg.Name]; ok {
		g.teardownLocked(old)
	}
	g.servers[cfg.Name] = sc
	g.mu.Unlock()

	slog.Info("mcpgateway: server connected", "device_id", g.deviceID, "server", cfg.Name, "tools", len(sc.toolNames))

	go g.watchDrop(sc, gen)
	return nil
}

// watchDrop pings periodically; on a failed ping it tears the server down
// and, unless suppressed, retries once after 5 seconds.
func (g *Gateway) watchDrop(sc *serverConn, gen int) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if g.staleGeneration(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := sc.client.Ping(ctx)
		cancel()
		if err == nil || strings.Contains(strings.ToLower(err.Error()), "method not found") {
			continue
		}

		g.mu.Lock()
		suppressed := sc.suppressed
		g.mu.Unlock()
		if suppressed {
			return
		}

		g.mu.Lock()
		if g.servers[sc.name] == sc {
			g.teardownLocked(sc)
			delete(g.servers, sc.name)
		}
		g.mu.Unlock()

		slog.Warn("mcpgateway: server dropped, reconnecting", "server", sc.name, "err", err)
		time.Sleep(reconnectDelay)
		if g.staleGeneration(gen) {
			return
		}

		g.mu.Lock()
		cfg, known := g.lastConfig[sc.name]
		g.mu.Unlock()
		if !known {
			return
		}
		if err := g.connect(cfg, gen); err != nil {
			slog.Error("mcpgateway: reconnect after drop failed", "server", sc.name, "err", err)
		}
		return
	}
}

func (g *Gateway) teardownLocked(sc *serverConn) {
	for _, t := range sc.toolNames {
		delete(g.registry, t)
	}
	if sc.client != nil {
		_ = sc.client.Close()
	}
}

// Stop tears down every connection for this device (on disconnect).
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.debounceTimer != nil {
		g.debounceTimer.Stop()
	}
	for _, sc := range g.servers {
		sc.suppressed = true
		g.teardownLocked(sc)
	}
	g.servers = make(map[string]*serverConn)
}

func createClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func mapToEnvSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func schemaToMap(s mcpgo.ToolInputSchema) map[string]interface{} {
	out := map[string]interface{}{
		"type": "object",
	}
	if s.Properties != nil {
		out["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// ToolDefinitions returns the current manifest of mcp.<server>.<tool>
// entries for this device, for injection into the tool loop's manifest.
func (g *Gateway) ToolDefinitions() []providers.ToolDefinition {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]providers.ToolDefinition, 0, len(g.registry))
	for name, t := range g.registry {
		out = append(out, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:       name,
				Parameters: t.schema,
			},
		})
	}
	return out
}

// Call invokes a qualified mcp.<server>.<tool> name, flattening text
// content blocks and truncating at maxOutputChars per the tool loop's own
// truncation convention.
func (g *Gateway) Call(ctx context.Context, qualifiedName string, args map[string]interface{}) *tools.Result {
	g.mu.Lock()
	rt, ok := g.registry[qualifiedName]
	var sc *serverConn
	if ok {
		sc = g.servers[rt.server]
	}
	g.mu.Unlock()

	if !ok || sc == nil {
		return tools.ErrorResult(fmt.Sprintf("mcp tool %q is not registered", qualifiedName))
	}

	callCtx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = rt.name
	req.Params.Arguments = args

	res, err := sc.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("mcp call failed: %v", err)).WithError(err)
	}

	var b strings.Builder
	for _, content := range res.Content {
		switch tc := content.(type) {
		case mcpgo.TextContent:
			b.WriteString(tc.Text)
			b.WriteString("\n")
		case mcpgo.ImageContent:
			fmt.Fprintf(&b, "[image content: %s, %d bytes base64]\n", tc.MIMEType, len(tc.Data))
		case mcpgo.EmbeddedResource:
			b.WriteString("[embedded resource content omitted]\n")
		default:
			b.WriteString("[non-text content omitted]\n")
		}
	}
	out := b.String()
	if len(out) > maxOutputChars {
		out = out[:maxOutputChars] + "\n... (truncated)"
	}
	if res.IsError {
		return tools.ErrorResult(out)
	}
	return tools.NewResult(out)
}

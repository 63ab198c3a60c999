package agentloop

import (
	"strings"
	"time"
)

// Category is the tool-routing category a manifest tool is assigned to. Real tools are
// routed by category: most execute on the client over the channel as an
// execution_request; a small closed set executes server-side.
type Category string

const (
	CategoryPremium         Category = "premium"
	CategoryImagegen        Category = "imagegen"
	CategoryKnowledgeIngest Category = "knowledge.ingest"
	CategorySchedule        Category = "schedule"
	CategoryResearch        Category = "research"

	CategoryCodegen Category = "codegen"
	CategorySecrets Category = "secrets"
	CategoryShell   Category = "shell"
	CategoryMarket  Category = "market"
	CategoryBrowser Category = "browser"
	CategoryGUI     Category = "gui"
	CategoryDefault Category = "default"
)

// serverSideCategories are executed by the orchestration server itself
// rather than routed to the client.
var serverSideCategories = map[Category]bool{
	CategoryPremium:         true,
	CategoryImagegen:        true,
	CategoryKnowledgeIngest: true,
	CategorySchedule:        true,
	CategoryResearch:        true,
}

// IsServerSide reports whether category executes server-side. Any tool id
// with the "mcp." prefix is also server-side (the MCP gateway), checked
// separately by callers via IsMCPTool.
func IsServerSide(cat Category) bool { return serverSideCategories[cat] }

// IsMCPTool reports whether a tool id is routed to the MCP gateway.
func IsMCPTool(toolID string) bool { return strings.HasPrefix(toolID, "mcp.") }

// categoryTimeouts gives each category its dedicated execution timeout;
// any category absent from this map uses defaultTimeout.
var categoryTimeouts = map[Category]time.Duration{
	CategoryCodegen: 11 * time.Minute,
	CategorySecrets: 16 * time.Minute,
	CategoryShell:   5 * time.Minute,
	CategoryMarket:  3 * time.Minute,
	CategoryBrowser: 1 * time.Minute,
	CategoryGUI:     1 * time.Minute,
}

const defaultTimeout = 30 * time.Second

// TimeoutFor returns the category's dedicated timeout, or defaultTimeout.
func TimeoutFor(cat Category) time.Duration {
	if d, ok := categoryTimeouts[cat]; ok {
		return d
	}
	return defaultTimeout
}

// ToolCategorizer maps a manifest tool id to its routing category. The
// server resolves this from the manifest naming convention; tests use a
// static map.
type ToolCategorizer interface {
	CategoryOf(toolID string) Category
}

// StaticCategorizer is a simple map-backed ToolCategorizer.
type StaticCategorizer map[string]Category

func (s StaticCategorizer) CategoryOf(toolID string) Category {
	if c, ok := s[toolID]; ok {
		return c
	}
	return CategoryDefault
}

package navigator

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/internal/tools"
)

type overviewArgs struct {
	CollectionID string `json:"collection_id" jsonschema:"required,description=Id returned in place of a large tool result"`
}
type getArgs struct {
	CollectionID string   `json:"collection_id" jsonschema:"required"`
	Index        *int     `json:"index,omitempty" jsonschema:"description=Item number from the overview table"`
	Path         string   `json:"path,omitempty" jsonschema:"description=Bracket-notation path instead of an index, e.g. [3].name"`
	Fields       []string `json:"fields,omitempty" jsonschema:"description=Return only these fields of the item"`
}
type filterArgs struct {
	CollectionID string   `json:"collection_id" jsonschema:"required"`
	Field        string   `json:"field" jsonschema:"required"`
	Op           string   `json:"op" jsonschema:"required,enum=contains,enum=equals,enum=not_equals,enum=gt,enum=lt"`
	Value        string   `json:"value" jsonschema:"required"`
	Fields       []string `json:"fields,omitempty" jsonschema:"description=Columns for the result table"`
}
type queryArgs struct {
	CollectionID string `json:"collection_id" jsonschema:"required"`
	Expr         string `json:"expr" jsonschema:"required,description=JSONPath-like expression, optionally piped to unique/count/sum/avg/min/max"`
}

// schemaFor reflects a parameters struct into the map[string]interface{}
// shape providers.ToolFunctionSchema expects, via invopop/jsonschema — the
// same library the synthetic agent.* tools are generated with.
func schemaFor(v any) map[string]interface{} {
	r := &jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(v)
	b, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	return out
}

// ToolDefinitions returns the four navigation tools, generated from struct
// tags via invopop/jsonschema like the rest of the synthetic tool set.
func ToolDefinitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "result.overview", Description: "Show the cached overview of a large tool result", Parameters: schemaFor(overviewArgs{}),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "result.get", Description: "Fetch one item (by index) or a sub-value (by path) from a cached large tool result", Parameters: schemaFor(getArgs{}),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "result.filter", Description: "Filter the items of a cached large tool result by a field predicate", Parameters: schemaFor(filterArgs{}),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "result.query", Description: "Run a JSONPath-like query, optionally piped through an aggregate", Parameters: schemaFor(queryArgs{}),
		}},
	}
}

// Dispatch executes one of the four navigator tools by name, returning a
// tool-loop Result. Returns (nil, false) for any other tool name.
func Dispatch(c *Cache, name string, rawArgs json.RawMessage) (*tools.Result, bool) {
	switch name {
	case "result.overview":
		var a overviewArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return tools.ErrorResult(fmt.Sprintf("bad arguments: %v", err)), true
		}
		out, err := c.Overview(a.CollectionID)
		return resultFrom(out, err), true

	case "result.get":
		var a getArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return tools.ErrorResult(fmt.Sprintf("bad arguments: %v", err)), true
		}
		if a.Index != nil {
			out, err := c.GetIndex(a.CollectionID, *a.Index, a.Fields)
			return resultFrom(out, err), true
		}
		out, err := c.Get(a.CollectionID, a.Path)
		return resultFrom(out, err), true

	case "result.filter":
		var a filterArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return tools.ErrorResult(fmt.Sprintf("bad arguments: %v", err)), true
		}
		out, err := c.Filter(a.CollectionID, a.Field, a.Op, a.Value, a.Fields)
		return resultFrom(out, err), true

	case "result.query":
		var a queryArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return tools.ErrorResult(fmt.Sprintf("bad arguments: %v", err)), true
		}
		out, err := c.Query(a.CollectionID, a.Expr)
		return resultFrom(out, err), true

	default:
		return nil, false
	}
}

func resultFrom(out string, err error) *tools.Result {
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	return tools.NewResult(out)
}

package workflow

import "strings"

// Output mapping sources resolvable after a node reaches a terminal state.
const (
	SourceRunSummary  = "run.summary"
	SourceRunState    = "run.state"
	SourceRunPRURL    = "run.prurl"
	SourceNodeState   = "node.state"
	SourceNodeSummary = "node.summary"
)

// ApplyInputMappings substitutes context values into an agent prompt.
// Each mapping is placeholder -> context key; placeholders whose key is
// missing from the context stay in the prompt verbatim.
func ApplyInputMappings(prompt string, mappings map[string]string, context map[string]string) string {
	for placeholder, key := range mappings {
		if v, ok := context[key]; ok {
			prompt = strings.ReplaceAll(prompt, placeholder, v)
		}
	}
	return prompt
}

// MappingOutputs is the data output mappings draw from.
type MappingOutputs struct {
	RunSummary  string
	RunState    string
	RunPRURL    string
	NodeState   NodeState
	NodeSummary string
}

// ApplyOutputMappings resolves a node's output mappings (context key ->
// source) into context writes. Unknown sources are ignored.
func ApplyOutputMappings(mappings map[string]string, out MappingOutputs, context map[string]string) {
	for key, source := range mappings {
		switch source {
		case SourceRunSummary:
			context[key] = out.RunSummary
		case SourceRunState:
			context[key] = out.RunState
		case SourceRunPRURL:
			context[key] = out.RunPRURL
		case SourceNodeState:
			context[key] = string(out.NodeState)
		case SourceNodeSummary:
			context[key] = out.NodeSummary
		}
	}
}

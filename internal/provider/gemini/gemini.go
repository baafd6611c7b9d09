// Package gemini implements the provider.Adapter for Google's gemini CLI.
package gemini

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/space-swarm/space/internal/provider"
)

// Adapter implements provider.Adapter for the gemini CLI.
type Adapter struct{}

// New returns a gemini Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "gemini" }

var capabilityTools = map[provider.Capability]string{
	provider.CapShell:  "run_shell_command",
	provider.CapRead:   "read_file",
	provider.CapWrite:  "write_file",
	provider.CapEdit:   "replace",
	provider.CapLS:     "list_directory",
	provider.CapGlob:   "glob",
	provider.CapGrep:   "search_file_content",
	provider.CapFetch:  "web_fetch",
	provider.CapSearch: "google_web_search",
}

func (a *Adapter) MapCapabilities(caps []provider.Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if tool, ok := capabilityTools[c]; ok {
			out = append(out, tool)
		}
	}
	return out
}

func (a *Adapter) DisallowedTools() []string {
	return []string{"save_memory"}
}

func (a *Adapter) BuildCommand(in provider.BuildCommandInput) (provider.Command, error) {
	argv := []string{"gemini", "--output-format", "json"}
	if in.Model != "" {
		argv = append(argv, "--model", in.Model)
	}
	if in.SessionID != "" {
		argv = append(argv, "--checkpoint", in.SessionID)
	}
	if len(in.AllowedTools) > 0 {
		for _, t := range a.MapCapabilities(in.AllowedTools) {
			argv = append(argv, "--allowed-tools", t)
		}
	}
	argv = append(argv, "--prompt", in.Context)
	return provider.Command{Argv: argv}, nil
}

type geminiRawEvent struct {
	Type string `json:"type"`

	Content string `json:"content"`

	FunctionCall *struct {
		Name string          `json:"name"`
		ID   string          `json:"id"`
		Args json.RawMessage `json:"args"`
	} `json:"function_call"`
	FunctionResponse *struct {
		ID       string `json:"id"`
		Response string `json:"response"`
		Error    bool   `json:"error"`
	} `json:"function_response"`

	Usage *struct {
		PromptTokenCount     int `json:"prompt_token_count"`
		CandidatesTokenCount int `json:"candidates_token_count"`
		CachedContentCount   int `json:"cached_content_token_count"`
	} `json:"usage_metadata"`
	Model string `json:"model"`

	SessionID string `json:"checkpoint_id"`
}

func (a *Adapter) NormalizeEvent(raw []byte, toolUseIDToName map[string]string) ([]provider.Event, error) {
	var ev geminiRawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("gemini: decode event: %w", err)
	}

	now := time.Now().UTC()
	var out []provider.Event

	if ev.SessionID != "" {
		out = append(out, provider.Event{Kind: provider.EventStateChange, Timestamp: now, SessionID: ev.SessionID})
	}

	switch {
	case ev.Content != "":
		out = append(out, provider.Event{Kind: provider.EventText, Timestamp: now, Text: ev.Content})
	case ev.FunctionCall != nil:
		toolUseIDToName[ev.FunctionCall.ID] = ev.FunctionCall.Name
		out = append(out, provider.Event{
			Kind: provider.EventToolCall, Timestamp: now,
			ToolName: ev.FunctionCall.Name, ToolUseID: ev.FunctionCall.ID, Input: ev.FunctionCall.Args,
		})
	case ev.FunctionResponse != nil:
		out = append(out, provider.Event{
			Kind: provider.EventToolResult, Timestamp: now,
			ToolUseID: ev.FunctionResponse.ID, Output: ev.FunctionResponse.Response, IsError: ev.FunctionResponse.Error,
			ToolName: toolUseIDToName[ev.FunctionResponse.ID],
		})
	}

	if ev.Usage != nil {
		out = append(out, provider.Event{
			Kind: provider.EventUsage, Timestamp: now,
			Usage: &provider.Usage{
				InputTokens:  ev.Usage.PromptTokenCount,
				OutputTokens: ev.Usage.CandidatesTokenCount,
				CacheRead:    ev.Usage.CachedContentCount,
				Model:        ev.Model,
			},
		})
	}

	return out, nil
}

func (a *Adapter) InputTokensFromEvent(raw []byte) int {
	var ev geminiRawEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Usage == nil {
		return 0
	}
	return ev.Usage.PromptTokenCount
}

func (a *Adapter) ParseUsage(traceBytes []byte) (provider.Usage, error) {
	var last provider.Usage
	for _, line := range splitLines(traceBytes) {
		if len(line) == 0 {
			continue
		}
		var ev geminiRawEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Usage != nil {
			last = provider.Usage{
				InputTokens:  ev.Usage.PromptTokenCount,
				OutputTokens: ev.Usage.CandidatesTokenCount,
				CacheRead:    ev.Usage.CachedContentCount,
				Model:        ev.Model,
			}
		}
	}
	return last, nil
}

// ProbeCapacity always reports a single "default" bucket at 100%; it
// queries nothing. No public usage-percentage endpoint is available for
// the CLI product at this time, so the probe always reports available; callers
// should treat a provider-reported quota error during a spawn as the
// authoritative signal instead.
func (a *Adapter) ProbeCapacity() (map[string]float64, error) {
	return map[string]float64{"default": 100.0}, nil
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, b[start:i])
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, b[start:])
	}
	return lines
}

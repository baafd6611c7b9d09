// Package claude implements the provider.Adapter for Anthropic's claude
// CLI.
package claude

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/space-swarm/space/internal/provider"
)

// Adapter implements provider.Adapter for the claude CLI.
type Adapter struct{}

// New returns a claude Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "claude" }

var capabilityTools = map[provider.Capability]string{
	provider.CapShell:  "Bash",
	provider.CapRead:   "Read",
	provider.CapWrite:  "Write",
	provider.CapEdit:   "Edit",
	provider.CapLS:     "LS",
	provider.CapGlob:   "Glob",
	provider.CapGrep:   "Grep",
	provider.CapFetch:  "WebFetch",
	provider.CapSearch: "WebSearch",
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
	return []string{"NotebookEdit"}
}

func (a *Adapter) BuildCommand(in provider.BuildCommandInput) (provider.Command, error) {
	argv := []string{"claude", "--print", "--output-format", "stream-json", "--verbose"}
	if in.Model != "" {
		argv = append(argv, "--model", in.Model)
	}
	if in.SessionID != "" {
		argv = append(argv, "--resume", in.SessionID)
	}
	if len(in.AllowedTools) > 0 {
		argv = append(argv, "--allowedTools")
		for _, t := range a.MapCapabilities(in.AllowedTools) {
			argv = append(argv, t)
		}
	}
	for _, t := range a.DisallowedTools() {
		argv = append(argv, "--disallowedTools", t)
	}
	argv = append(argv, "--dangerously-skip-permissions")
	argv = append(argv, in.Context)
	return provider.Command{Argv: argv}, nil
}

type claudeRawEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`

			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content"`
			IsError   bool   `json:"is_error"`
		} `json:"content"`
		Usage *struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	} `json:"message"`
	SessionID string `json:"session_id"`
}

func (a *Adapter) NormalizeEvent(raw []byte, toolUseIDToName map[string]string) ([]provider.Event, error) {
	var ev claudeRawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("claude: decode event: %w", err)
	}

	now := time.Now().UTC()
	var out []provider.Event

	if ev.SessionID != "" {
		out = append(out, provider.Event{Kind: provider.EventStateChange, Timestamp: now, SessionID: ev.SessionID})
	}

	if ev.Message == nil {
		return out, nil
	}

	for _, c := range ev.Message.Content {
		switch c.Type {
		case "text":
			out = append(out, provider.Event{Kind: provider.EventText, Timestamp: now, Text: c.Text})
		case "tool_use":
			toolUseIDToName[c.ID] = c.Name
			out = append(out, provider.Event{
				Kind: provider.EventToolCall, Timestamp: now,
				ToolName: c.Name, ToolUseID: c.ID, Input: c.Input,
			})
		case "tool_result":
			out = append(out, provider.Event{
				Kind: provider.EventToolResult, Timestamp: now,
				ToolUseID: c.ToolUseID, Output: c.Content, IsError: c.IsError,
				ToolName: toolUseIDToName[c.ToolUseID],
			})
		}
	}

	if ev.Message.Usage != nil {
		out = append(out, provider.Event{
			Kind: provider.EventUsage, Timestamp: now,
			Usage: &provider.Usage{
				InputTokens:   ev.Message.Usage.InputTokens,
				OutputTokens:  ev.Message.Usage.OutputTokens,
				CacheRead:     ev.Message.Usage.CacheReadInputTokens,
				CacheCreation: ev.Message.Usage.CacheCreationInputTokens,
				Model:         ev.Message.Model,
			},
		})
	}

	return out, nil
}

func (a *Adapter) InputTokensFromEvent(raw []byte) int {
	var ev claudeRawEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Message == nil || ev.Message.Usage == nil {
		return 0
	}
	return ev.Message.Usage.InputTokens
}

func (a *Adapter) ParseUsage(traceBytes []byte) (provider.Usage, error) {
	var last provider.Usage
	for _, line := range splitLines(traceBytes) {
		if len(line) == 0 {
			continue
		}
		var ev claudeRawEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Message != nil && ev.Message.Usage != nil {
			last = provider.Usage{
				InputTokens:   ev.Message.Usage.InputTokens,
				OutputTokens:  ev.Message.Usage.OutputTokens,
				CacheRead:     ev.Message.Usage.CacheReadInputTokens,
				CacheCreation: ev.Message.Usage.CacheCreationInputTokens,
				Model:         ev.Message.Model,
			}
		}
	}
	return last, nil
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

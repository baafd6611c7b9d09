// Package codex implements the provider.Adapter for OpenAI's codex CLI.
package codex

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/space-swarm/space/internal/provider"
)

// Adapter implements provider.Adapter for the codex CLI.
type Adapter struct{}

// New returns a codex Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "codex" }

var capabilityTools = map[provider.Capability]string{
	provider.CapShell:  "shell",
	provider.CapRead:   "read_file",
	provider.CapWrite:  "write_file",
	provider.CapEdit:   "apply_patch",
	provider.CapLS:     "list_dir",
	provider.CapGlob:   "glob",
	provider.CapGrep:   "grep",
	provider.CapFetch:  "web_fetch",
	provider.CapSearch: "web_search",
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
	return []string{"notebook_edit"}
}

func (a *Adapter) BuildCommand(in provider.BuildCommandInput) (provider.Command, error) {
	argv := []string{"codex", "exec", "--json"}
	if in.Model != "" {
		argv = append(argv, "--model", in.Model)
	}
	if in.SessionID != "" {
		argv = append(argv, "resume", in.SessionID)
	}
	if in.Cwd != "" {
		argv = append(argv, "--cd", in.Cwd)
	}
	if len(in.AllowedTools) > 0 {
		argv = append(argv, "--tools", joinComma(a.MapCapabilities(in.AllowedTools)))
	}
	return provider.Command{Argv: argv, Stdin: []byte(in.Context)}, nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

type codexRawEvent struct {
	Type string `json:"type"`
	Msg  *struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Command   string          `json:"command"`
		CallID    string          `json:"call_id"`
		Output    string          `json:"output"`
		ExitCode  int             `json:"exit_code"`
		TokenUsage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			CachedInput  int `json:"cached_input_tokens"`
		} `json:"token_usage"`
		Model string `json:"model"`
	} `json:"msg"`
	SessionID string          `json:"session_id"`
	Input     json.RawMessage `json:"input"`
}

func (a *Adapter) NormalizeEvent(raw []byte, toolUseIDToName map[string]string) ([]provider.Event, error) {
	var ev codexRawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("codex: decode event: %w", err)
	}

	now := time.Now().UTC()
	var out []provider.Event

	if ev.SessionID != "" {
		out = append(out, provider.Event{Kind: provider.EventStateChange, Timestamp: now, SessionID: ev.SessionID})
	}
	if ev.Msg == nil {
		return out, nil
	}

	switch ev.Msg.Type {
	case "agent_message":
		out = append(out, provider.Event{Kind: provider.EventText, Timestamp: now, Text: ev.Msg.Text})
	case "exec_command_begin":
		toolUseIDToName[ev.Msg.CallID] = "shell"
		out = append(out, provider.Event{
			Kind: provider.EventToolCall, Timestamp: now,
			ToolName: "shell", ToolUseID: ev.Msg.CallID, Input: ev.Msg.Command,
		})
	case "exec_command_end":
		out = append(out, provider.Event{
			Kind: provider.EventToolResult, Timestamp: now,
			ToolUseID: ev.Msg.CallID, Output: ev.Msg.Output, IsError: ev.Msg.ExitCode != 0,
			ToolName: toolUseIDToName[ev.Msg.CallID],
		})
	case "token_count":
		if ev.Msg.TokenUsage != nil {
			out = append(out, provider.Event{
				Kind: provider.EventUsage, Timestamp: now,
				Usage: &provider.Usage{
					InputTokens:  ev.Msg.TokenUsage.InputTokens,
					OutputTokens: ev.Msg.TokenUsage.OutputTokens,
					CacheRead:    ev.Msg.TokenUsage.CachedInput,
					Model:        ev.Msg.Model,
				},
			})
		}
	}

	return out, nil
}

func (a *Adapter) InputTokensFromEvent(raw []byte) int {
	var ev codexRawEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Msg == nil || ev.Msg.TokenUsage == nil {
		return 0
	}
	return ev.Msg.TokenUsage.InputTokens
}

func (a *Adapter) ParseUsage(traceBytes []byte) (provider.Usage, error) {
	var last provider.Usage
	for _, line := range splitLines(traceBytes) {
		if len(line) == 0 {
			continue
		}
		var ev codexRawEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Msg != nil && ev.Msg.TokenUsage != nil {
			last = provider.Usage{
				InputTokens:  ev.Msg.TokenUsage.InputTokens,
				OutputTokens: ev.Msg.TokenUsage.OutputTokens,
				CacheRead:    ev.Msg.TokenUsage.CachedInput,
				Model:        ev.Msg.Model,
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

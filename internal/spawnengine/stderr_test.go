package spawnengine

import "testing"

func TestClassifyStderrModelNotFound(t *testing.T) {
	got, clears := classifyStderr("Traceback...\nModelNotFoundError: no such model\n")
	if got != "model not found" {
		t.Errorf("got %q", got)
	}
	if clears {
		t.Error("should not clear session")
	}
}

func TestClassifyStderrQuotaExhausted(t *testing.T) {
	got, _ := classifyStderr("request failed: quota exhausted, reset after 2h30m\n")
	if got != "quota exhausted (resets 2h30m)" {
		t.Errorf("got %q", got)
	}
}

func TestClassifyStderrRateLimit(t *testing.T) {
	got, _ := classifyStderr("Error: Rate-limited, slow down\n")
	if got != "rate limited" {
		t.Errorf("got %q", got)
	}
}

func TestClassifyStderrNoConversationFoundClearsSession(t *testing.T) {
	got, clears := classifyStderr("Error: No conversation found for session abc123\n")
	if got != "session not found" {
		t.Errorf("got %q", got)
	}
	if !clears {
		t.Error("expected clearsSession to be true")
	}
}

func TestClassifyStderrAuthFailed(t *testing.T) {
	got, _ := classifyStderr("HTTP 403 forbidden\n")
	if got != "auth failed" {
		t.Errorf("got %q", got)
	}
}

func TestClassifyStderrOverloaded(t *testing.T) {
	got, _ := classifyStderr("503 Service Unavailable: overloaded\n")
	if got != "provider overloaded" {
		t.Errorf("got %q", got)
	}
}

func TestClassifyStderrFallsBackToLastNonEmptyLine(t *testing.T) {
	got, _ := classifyStderr("something happened\nand then this\n\n")
	if got != "and then this" {
		t.Errorf("got %q", got)
	}
}

func TestClassifyStderrTruncatesLongLines(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}
	got, _ := classifyStderr(long)
	if len(got) != 120 {
		t.Errorf("got length %d, want 120", len(got))
	}
}

func TestClassifyStderrEmptyInput(t *testing.T) {
	got, clears := classifyStderr("")
	if got != "" || clears {
		t.Errorf("got (%q, %v), want (\"\", false)", got, clears)
	}
}

func TestProviderForModel(t *testing.T) {
	cases := map[string]string{
		"claude-opus-4":  "claude",
		"gpt-5-codex":    "codex",
		"gemini-2.5-pro": "gemini",
		"unknown-model":  "claude",
	}
	for model, want := range cases {
		if got := ProviderForModel(model); got != want {
			t.Errorf("ProviderForModel(%q) = %q, want %q", model, got, want)
		}
	}
}

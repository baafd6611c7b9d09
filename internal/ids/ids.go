// Package ids generates and resolves the 8-hex short ids used throughout
// the ledger to reference agents, projects, decisions, insights, tasks,
// spawns, and replies (e.g. "i/a1b2c3d4").
package ids

import (
	"regexp"

	"github.com/google/uuid"
)

// citationPattern matches "i/<8hex>" and "d/<8hex>" citations in free text.
var citationPattern = regexp.MustCompile(`\b(i|d)/([a-f0-9]{8})\b`)

// refPattern matches any "<kind>/<8+hex>" short reference.
var refPattern = regexp.MustCompile(`\b([idtsr])/([a-f0-9]{8,})\b`)

// New returns a fresh 128-bit uuid, the canonical id stored on every row.
func New() string {
	return uuid.New().String()
}

// Short returns the 8-hex prefix of a full uuid, used as the externally
// visible short id.
func Short(full string) string {
	compact := stripHyphens(full)
	if len(compact) < 8 {
		return compact
	}
	return compact[:8]
}

func stripHyphens(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Citation is one i/<hex> or d/<hex> reference extracted from free text.
type Citation struct {
	TargetType string // "insight" | "decision"
	ShortID    string
}

// ExtractCitations scans content for i/<8hex> and d/<8hex> references.
func ExtractCitations(content string) []Citation {
	matches := citationPattern.FindAllStringSubmatch(content, -1)
	citations := make([]Citation, 0, len(matches))
	for _, m := range matches {
		targetType := "insight"
		if m[1] == "d" {
			targetType = "decision"
		}
		citations = append(citations, Citation{TargetType: targetType, ShortID: m[2]})
	}
	return citations
}

// Ref is a parsed short-reference of any kind (i/d/t/s/r).
type Ref struct {
	Kind   string
	Prefix string
}

// ExtractRefs scans content for any i/d/t/s/r short reference, accepting
// prefixes of 8 or more hex characters.
func ExtractRefs(content string) []Ref {
	matches := refPattern.FindAllStringSubmatch(content, -1)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{Kind: m[1], Prefix: m[2]})
	}
	return refs
}

// Package contextbuilder assembles the prompt handed to a vendor CLI at
// spawn time: a fresh spawn gets a projects/me/routines/skills digest
// pulled from the ledger, a resumed spawn gets a fixed
// system-reminder wrapper around the caller's instruction.
package contextbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/space-swarm/space/internal/ledger"
)

const (
	recentSpawnLimit    = 3
	recentInsightLimit  = 5
	recentDecisionLimit = 5
)

// Builder satisfies spawnengine.ContextBuilder by reading the ledger
// directly; it holds no state of its own.
type Builder struct {
	Ledger *ledger.Ledger
}

// New returns a Builder backed by l.
func New(l *ledger.Ledger) *Builder {
	return &Builder{Ledger: l}
}

// BuildWake assembles the fresh-spawn prompt: projects, me, routines,
// and skills blocks, each omitted when empty.
func (b *Builder) BuildWake(ctx context.Context, agentID string, skills []string) (string, error) {
	agent, err := b.Ledger.GetAgent(agentID)
	if err != nil {
		return "", fmt.Errorf("build wake context: %w", err)
	}

	var sections []string
	if block, err := b.projectsBlock(); err != nil {
		return "", err
	} else if block != "" {
		sections = append(sections, block)
	}

	if block, err := b.meBlock(agent.ID); err != nil {
		return "", err
	} else if block != "" {
		sections = append(sections, block)
	}

	if block, err := b.routinesBlock(); err != nil {
		return "", err
	} else if block != "" {
		sections = append(sections, block)
	}

	if block := skillsBlock(skills); block != "" {
		sections = append(sections, block)
	}

	return strings.Join(sections, "\n\n"), nil
}

// BuildResume wraps instruction in a fixed system-reminder framing. A
// blank or "0" instruction means continue whatever the agent was doing.
func (b *Builder) BuildResume(ctx context.Context, agentID, instruction string) (string, error) {
	trimmed := strings.TrimSpace(instruction)
	if trimmed == "" || trimmed == "0" {
		trimmed = "continue"
	}
	return fmt.Sprintf("<system-reminder>\nYou are resuming a prior session. Pick up where you left off.\n</system-reminder>\n\n%s", trimmed), nil
}

func (b *Builder) projectsBlock() (string, error) {
	projects, err := b.Ledger.FetchProjects(false)
	if err != nil {
		return "", fmt.Errorf("fetch projects: %w", err)
	}
	if len(projects) == 0 {
		return "", nil
	}

	var sb strings.Builder
	listed := 0
	for _, p := range projects {
		if p.Name == ledger.GlobalProjectName {
			continue
		}
		decisions, err := b.Ledger.FetchDecisions(ledger.DecisionFilter{ProjectID: &p.ID})
		if err != nil {
			return "", fmt.Errorf("fetch decisions for project %s: %w", p.ID, err)
		}
		insights, err := b.Ledger.FetchInsights(ledger.InsightFilter{ProjectID: &p.ID})
		if err != nil {
			return "", fmt.Errorf("fetch insights for project %s: %w", p.ID, err)
		}
		repo := ""
		if p.RepoPath != nil {
			repo = fmt.Sprintf(" (%s)", *p.RepoPath)
		}
		fmt.Fprintf(&sb, "- %s%s: %d decisions, %d insights\n", p.Name, repo, len(decisions), len(insights))
		listed++
	}
	if listed == 0 {
		return "", nil
	}
	return "=== PROJECTS ===\n" + sb.String(), nil
}

func (b *Builder) meBlock(agentID string) (string, error) {
	spawns, err := b.Ledger.RecentSpawnSummaries(agentID, recentSpawnLimit)
	if err != nil {
		return "", fmt.Errorf("fetch recent spawns: %w", err)
	}
	insights, err := b.Ledger.FetchInsights(ledger.InsightFilter{AgentID: &agentID, Limit: recentInsightLimit})
	if err != nil {
		return "", fmt.Errorf("fetch recent insights: %w", err)
	}
	decisions, err := b.Ledger.FetchDecisions(ledger.DecisionFilter{AgentID: &agentID, Limit: recentDecisionLimit})
	if err != nil {
		return "", fmt.Errorf("fetch recent decisions: %w", err)
	}
	if len(spawns) == 0 && len(insights) == 0 && len(decisions) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("=== ME ===\n")
	if len(spawns) > 0 {
		sb.WriteString("Prior sessions:\n")
		for _, s := range spawns {
			summary := "(no summary)"
			if s.Summary != nil && *s.Summary != "" {
				summary = *s.Summary
			}
			fmt.Fprintf(&sb, "- %s\n", summary)
		}
	}
	if len(insights) > 0 {
		sb.WriteString("Recent insights:\n")
		for _, in := range insights {
			fmt.Fprintf(&sb, "- %s\n", in.Content)
		}
	}
	if len(decisions) > 0 {
		sb.WriteString("Recent decisions:\n")
		for _, d := range decisions {
			fmt.Fprintf(&sb, "- [%s] %s\n", d.Status(), d.Content)
		}
	}
	return sb.String(), nil
}

func (b *Builder) routinesBlock() (string, error) {
	domain := "routine"
	routines, err := b.Ledger.FetchInsights(ledger.InsightFilter{Domain: &domain, OpenOnly: true})
	if err != nil {
		return "", fmt.Errorf("fetch routines: %w", err)
	}
	if len(routines) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("=== ROUTINES ===\n")
	for _, r := range routines {
		fmt.Fprintf(&sb, "- %s\n", r.Content)
	}
	return sb.String(), nil
}

func skillsBlock(skills []string) string {
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("=== SKILLS ===\n")
	for _, s := range skills {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	return sb.String()
}

// Package prompt assembles generation prompts from ordered sections. The
// builder is pure: it never touches storage, so the same instance can be
// cleared and reused across retry attempts.
package prompt

import (
	"fmt"
	"strings"

	"taskforge/internal/domain"
)

// DefaultHistoryWindow caps how many conversation messages a prompt carries
// when the caller does not say otherwise.
const DefaultHistoryWindow = 10

type section struct {
	title string
	body  string
}

type Builder struct {
	sections []section
	included map[string]bool
}

func New() *Builder {
	return &Builder{included: map[string]bool{}}
}

func (b *Builder) add(key, title, body string) *Builder {
	if body == "" {
		return b
	}
	b.sections = append(b.sections, section{title: title, body: body})
	b.included[key] = true
	return b
}

func (b *Builder) WithSystemPrompt(text string) *Builder {
	return b.add("system", "", text)
}

func (b *Builder) WithProjectContext(p domain.Project) *Builder {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s (status: %s)", p.Name, p.Status)
	if p.Description != "" {
		fmt.Fprintf(&sb, "\n%s", p.Description)
	}
	return b.add("project", "Project Context", sb.String())
}

func (b *Builder) WithMilestoneContext(m domain.Milestone) *Builder {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Milestone: %s (status: %s)", m.Title, m.Status)
	if m.Description != "" {
		fmt.Fprintf(&sb, "\n%s", m.Description)
	}
	if m.SuccessCriteria != "" {
		fmt.Fprintf(&sb, "\nSuccess criteria: %s", m.SuccessCriteria)
	}
	return b.add("milestone", "Milestone Context", sb.String())
}

// WithTaskContext renders the task with its priority, status and the titles
// of the tasks it depends on.
func (b *Builder) WithTaskContext(t domain.Task, deps []domain.Dependency) *Builder {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\nPriority: %s\nStatus: %s", t.Title, t.Priority, t.Status)
	if t.Description != "" {
		fmt.Fprintf(&sb, "\nDescription: %s", t.Description)
	}
	if len(deps) > 0 {
		sb.WriteString("\nDepends on:")
		for _, d := range deps {
			fmt.Fprintf(&sb, "\n  - %s (%s)", d.DependsOnTitle, d.DependsOnStatus)
		}
	}
	return b.add("task", "Task Context", sb.String())
}

// WithConversationHistory includes at most window of the latest messages,
// oldest first. A non-positive window falls back to DefaultHistoryWindow.
func (b *Builder) WithConversationHistory(messages []domain.Message, window int) *Builder {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	if len(messages) == 0 {
		return b
	}
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", m.Role, m.Content)
	}
	return b.add("history", "Conversation History", sb.String())
}

func (b *Builder) WithAgentContext(agentID, role, state string) *Builder {
	return b.add("agent", "Agent Context",
		fmt.Sprintf("Agent: %s\nRole: %s\nState: %s", agentID, role, state))
}

func (b *Builder) WithInstructions(text string) *Builder {
	return b.add("instructions", "Instructions", text)
}

func (b *Builder) WithConstraints(constraints []string) *Builder {
	if len(constraints) == 0 {
		return b
	}
	var sb strings.Builder
	for i, c := range constraints {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- %s", c)
	}
	return b.add("constraints", "Constraints", sb.String())
}

func (b *Builder) WithExpectedOutput(text string) *Builder {
	return b.add("expected_output", "Expected Output", text)
}

func (b *Builder) WithExamples(examples []string) *Builder {
	if len(examples) == 0 {
		return b
	}
	var sb strings.Builder
	for i, ex := range examples {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Example %d:\n%s", i+1, ex)
	}
	return b.add("examples", "Examples", sb.String())
}

func (b *Builder) WithCustomSection(title, content string) *Builder {
	return b.add("custom:"+title, title, content)
}

// Build renders the prompt: sections in insertion order, separated by blank
// lines, titled sections under a "### " header.
func (b *Builder) Build() string {
	var sb strings.Builder
	for i, s := range b.sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if s.title != "" {
			fmt.Fprintf(&sb, "### %s\n", s.title)
		}
		sb.WriteString(s.body)
	}
	return sb.String()
}

// Context reports which sections the prompt carries.
func (b *Builder) Context() map[string]bool {
	out := make(map[string]bool, len(b.included))
	for k, v := range b.included {
		out[k] = v
	}
	return out
}

// Clear resets the builder for reuse.
func (b *Builder) Clear() *Builder {
	b.sections = nil
	b.included = map[string]bool{}
	return b
}

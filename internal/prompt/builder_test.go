package prompt_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/domain"
	"taskforge/internal/prompt"
)

func TestSectionsRenderInInsertionOrder(t *testing.T) {
	b := prompt.New().
		WithSystemPrompt("You execute tasks.").
		WithTaskContext(domain.Task{Title: "write docs", Priority: "high", Status: "in_progress"}, nil).
		WithInstructions("Write the README.")

	out := b.Build()
	sys := strings.Index(out, "You execute tasks.")
	task := strings.Index(out, "### Task Context")
	instr := strings.Index(out, "### Instructions")
	require.True(t, sys >= 0 && task > sys && instr > task, "unexpected order: %q", out)

	ctx := b.Context()
	assert.True(t, ctx["system"])
	assert.True(t, ctx["task"])
	assert.True(t, ctx["instructions"])
	assert.False(t, ctx["history"])
}

func TestTaskContextListsDependencies(t *testing.T) {
	out := prompt.New().WithTaskContext(
		domain.Task{Title: "deploy", Priority: "critical", Status: "pending"},
		[]domain.Dependency{
			{DependsOnTitle: "build artifact", DependsOnStatus: "completed"},
			{DependsOnTitle: "approve release", DependsOnStatus: "pending"},
		},
	).Build()
	assert.Contains(t, out, "- build artifact (completed)")
	assert.Contains(t, out, "- approve release (pending)")
}

func TestConversationHistoryWindowKeepsLatestOldestFirst(t *testing.T) {
	var msgs []domain.Message
	for i := 1; i <= 15; i++ {
		msgs = append(msgs, domain.Message{Role: "assistant", Content: fmt.Sprintf("msg-%d", i)})
	}
	out := prompt.New().WithConversationHistory(msgs, 10).Build()

	assert.NotContains(t, out, "msg-5\n")
	assert.Contains(t, out, "msg-6")
	assert.Contains(t, out, "msg-15")
	// oldest of the window renders before the newest
	assert.Less(t, strings.Index(out, "msg-6"), strings.Index(out, "msg-15"))
}

func TestEmptySectionsAreSkipped(t *testing.T) {
	b := prompt.New().
		WithSystemPrompt("").
		WithInstructions("").
		WithConstraints(nil).
		WithConversationHistory(nil, 10)
	assert.Empty(t, b.Build())
	assert.Empty(t, b.Context())
}

func TestClearResetsState(t *testing.T) {
	b := prompt.New().
		WithSystemPrompt("first run").
		WithConstraints([]string{"no network access"})
	require.NotEmpty(t, b.Build())

	b.Clear()
	assert.Empty(t, b.Build())
	assert.Empty(t, b.Context())

	out := b.WithSystemPrompt("second run").Build()
	assert.Equal(t, "second run", out)
	assert.NotContains(t, out, "no network access")
}

func TestCustomSection(t *testing.T) {
	out := prompt.New().WithCustomSection("Retry Notice", "Previous attempts were unsuccessful.").Build()
	assert.Contains(t, out, "### Retry Notice")
	assert.Contains(t, out, "Previous attempts were unsuccessful.")
}

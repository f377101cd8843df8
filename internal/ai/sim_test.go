package ai

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimIsDeterministic(t *testing.T) {
	s := NewSim()
	p := Prompt{Kind: KindExpansion, User: "build a billing service"}

	first, err := s.Complete(context.Background(), p)
	require.NoError(t, err)
	second, err := s.Complete(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSimExpansionStaysInRange(t *testing.T) {
	s := NewSim()
	for i := 0; i < 20; i++ {
		prompt := Prompt{Kind: KindExpansion, User: fmt.Sprintf("project brief %d with some detail", i)}
		out, err := s.Complete(context.Background(), prompt)
		require.NoError(t, err)

		exp, err := DecodeExpansion(out)
		require.NoError(t, err, "sim output must survive its own decoder")
		require.GreaterOrEqual(t, len(exp.Tasks), 3)
		require.LessOrEqual(t, len(exp.Tasks), 8)
	}
}

func TestSimExpansionDependencyChain(t *testing.T) {
	s := NewSim()
	out, err := s.Complete(context.Background(), Prompt{Kind: KindExpansion, User: "anything"})
	require.NoError(t, err)

	exp, err := DecodeExpansion(out)
	require.NoError(t, err)
	require.Empty(t, exp.Tasks[0].Dependencies)
	for i := 1; i < len(exp.Tasks); i++ {
		require.Equal(t, []string{exp.Tasks[i-1].Name}, exp.Tasks[i].Dependencies)
	}
}

func TestSimCannedAdvice(t *testing.T) {
	s := NewSim()

	instructions, err := s.Complete(context.Background(), Prompt{Kind: KindInstructions})
	require.NoError(t, err)
	require.Contains(t, instructions, "acceptance criteria")

	blocker, err := s.Complete(context.Background(), Prompt{Kind: KindBlocker})
	require.NoError(t, err)
	lines := strings.Split(blocker, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "- "), "blocker lines are bullets: %q", line)
	}
}

package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/routeloop/internal/backend"
	"github.com/aristath/routeloop/internal/config"
)

func TestNewCommandKnowledge_Unconfigured(t *testing.T) {
	k, err := NewCommandKnowledge(config.KnowledgeConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestCommandKnowledge_AppendsDescription(t *testing.T) {
	k, err := NewCommandKnowledge(config.KnowledgeConfig{Command: "echo", Args: []string{"context for:"}}, backend.NewProcessManager())
	require.NoError(t, err)
	require.NotNil(t, k)

	got, err := k.Query(context.Background(), "rotate the api keys")
	require.NoError(t, err)
	assert.Equal(t, "context for: rotate the api keys", got)
}

func TestCommandKnowledge_Placeholder(t *testing.T) {
	k, err := NewCommandKnowledge(config.KnowledgeConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", `printf '  notes about %s  \n\n' "$1"`, "sh", "{prompt}"},
	}, nil)
	require.NoError(t, err)

	got, err := k.Query(context.Background(), "billing")
	require.NoError(t, err)
	assert.Equal(t, "notes about billing", got)
}

func TestCommandKnowledge_Failure(t *testing.T) {
	k, err := NewCommandKnowledge(config.KnowledgeConfig{Command: "/bin/sh", Args: []string{"-c", "exit 3"}}, nil)
	require.NoError(t, err)

	_, err = k.Query(context.Background(), "anything")
	assert.Error(t, err)
}

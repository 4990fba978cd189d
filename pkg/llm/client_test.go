package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

func TestNewFromConfig_UnconfiguredWithoutKey(t *testing.T) {
	_, err := NewFromConfig(&config.Config{LLMProvider: "openai"})
	require.ErrorIs(t, err, ErrUnconfigured)
}

func TestNewFromConfig_OpenAI(t *testing.T) {
	c, err := NewFromConfig(&config.Config{
		LLMProvider: "openai",
		LLMAPIKey:   "sk-test",
		LLMModel:    "gpt-4o-mini",
	})
	require.NoError(t, err)
	_, ok := c.(*OpenAIClient)
	assert.True(t, ok)
}

func TestNewFromConfig_HeuristicOnly(t *testing.T) {
	for _, provider := range []string{"none", "heuristic"} {
		_, err := NewFromConfig(&config.Config{LLMProvider: provider})
		assert.ErrorIs(t, err, ErrUnconfigured, provider)
	}
}

func TestNewFromConfig_UnknownProvider(t *testing.T) {
	_, err := NewFromConfig(&config.Config{LLMProvider: "banana", LLMAPIKey: "sk"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnconfigured))
	assert.Contains(t, err.Error(), "banana")
}

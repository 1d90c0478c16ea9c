package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepr-dev/deepr/internal/domain"
)

func TestLoadCapabilitiesEmbedded(t *testing.T) {
	caps, err := LoadCapabilities("")
	require.NoError(t, err)
	assert.True(t, caps["openai"][domain.ToolWebSearch])
	assert.True(t, caps["openai"][domain.ToolMCP])
	assert.True(t, caps["grok"][domain.ToolWebSearch])
	assert.False(t, caps["grok"][domain.ToolCodeInterpreter])
	assert.False(t, caps["gemini"][domain.ToolMCP])
}

func TestValidateTools(t *testing.T) {
	caps, err := LoadCapabilities("")
	require.NoError(t, err)
	r := NewRegistry(caps)

	err = r.ValidateTools("grok", []domain.Tool{{Kind: domain.ToolWebSearch}})
	assert.NoError(t, err)

	err = r.ValidateTools("grok", []domain.Tool{{Kind: domain.ToolMCP}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// file_search is always accepted; missing support falls back to prompt
	// injection downstream.
	err = r.ValidateTools("grok", []domain.Tool{{Kind: domain.ToolFileSearch, StoreRef: "s1"}})
	assert.NoError(t, err)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(Capabilities{})
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEstimateCost(t *testing.T) {
	cheap := EstimateCost("small", "short prompt", nil)
	expensive := EstimateCost("o3-deep-research", "short prompt", []domain.Tool{{Kind: domain.ToolWebSearch}})
	assert.Greater(t, expensive, cheap)

	unknown := EstimateCost("never-heard-of-it", "short prompt", nil)
	assert.InDelta(t, defaultBaseCost, unknown, 0.05)

	// file_search carries no tool surcharge.
	base := EstimateCost("gpt-4o-mini", "p", nil)
	withFS := EstimateCost("gpt-4o-mini", "p", []domain.Tool{{Kind: domain.ToolFileSearch}})
	assert.Equal(t, base, withFS)
}

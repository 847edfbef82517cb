package harness_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/internal/harness/harnesstest"
)

func TestRegistry_Select(t *testing.T) {
	claude := harnesstest.NewBackend("claude")
	claude.Missing = true
	codex := harnesstest.NewBackend("codex")
	gemini := harnesstest.NewBackend("gemini")
	reg := harness.NewRegistry(claude, codex, gemini)

	b, err := reg.Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, "codex", b.Name(), "first available in default priority")

	b, err = reg.Select("", []string{"gemini", "codex"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", b.Name())

	b, err = reg.Select("gemini", nil)
	require.NoError(t, err)
	assert.Equal(t, "gemini", b.Name())

	_, err = reg.Select("claude", nil)
	assert.True(t, errors.Is(err, harness.ErrNoBackend))

	_, err = reg.Select("nope", nil)
	assert.Error(t, err)

	_, err = reg.Select("", []string{"claude"})
	assert.True(t, errors.Is(err, harness.ErrNoBackend))

	assert.Equal(t, []string{"claude", "codex", "gemini"}, reg.Names())
}

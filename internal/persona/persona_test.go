package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoad_MissingBaseFileUsesDefault(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p, err := Load(filepath.Join(t.TempDir(), "nope.md"), "", zap.New(core))
	require.NoError(t, err)

	got := p.SystemPrompt(Cute)
	assert.True(t, strings.HasPrefix(got, DefaultBase))
	assert.True(t, strings.HasSuffix(got, Protocol))
	assert.Equal(t, 1, logs.FilterMessage("persona prompt file not found, using default").Len())
}

func TestLoad_BaseFileAndVariants(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "persona.md")
	require.NoError(t, os.WriteFile(base, []byte("  Ты Вера.\n"), 0o644))
	variants := filepath.Join(dir, "variants.yaml")
	require.NoError(t, os.WriteFile(variants, []byte("variants:\n  Pirate: \"Talk like a pirate.\"\n  cute: \"\"\n"), 0o644))

	p, err := Load(base, variants, nil)
	require.NoError(t, err)

	assert.Equal(t, "Ты Вера."+Protocol, p.SystemPrompt(Cute))
	assert.Equal(t, "Talk like a pirate."+Protocol, p.SystemPrompt("pirate"))
	assert.Contains(t, p.SystemPrompt(Pro), "профессиональный")
	assert.Equal(t, []string{"cute", "pirate", "pro"}, p.Names())
}

func TestLoad_BadVariantsFile(t *testing.T) {
	dir := t.TempDir()
	variants := filepath.Join(dir, "variants.yaml")
	require.NoError(t, os.WriteFile(variants, []byte("variants: [unclosed"), 0o644))
	_, err := Load("", variants, nil)
	assert.Error(t, err)

	_, err = Load("", filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestSystemPrompt_UnknownVariantFallsBackToBase(t *testing.T) {
	p := New("base", map[string]string{Cute: "base"})
	assert.Equal(t, "base"+Protocol, p.SystemPrompt("unknown"))
	assert.False(t, p.Has("unknown"))
	assert.True(t, p.Has(Cute))
}

func TestProtocol_ForceAnswerRefersToConversationContext(t *testing.T) {
	assert.Contains(t, Protocol, "IS provided in the conversation context")
}

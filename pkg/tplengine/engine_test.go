package tplengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasTemplate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", false},
		{"no_markers", "plain text", false},
		{"with_delims", "Hello {{ .name }}", true},
		{"with_trim_marker", "Hello {{- .name -}}", true},
		{"brace_like_not_template", "Hello {not tmpl}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasTemplate(tt.in))
		})
	}
}

func TestTemplateEngine_Render(t *testing.T) {
	t.Run("Should render a registered template", func(t *testing.T) {
		e := NewEngine()
		require.NoError(t, e.AddTemplate("hello", "Hello {{ .name }}"))
		got, err := e.Render("hello", map[string]any{"name": "World"})
		require.NoError(t, err)
		assert.Equal(t, "Hello World", got)
		assert.True(t, e.Has("hello"))
		assert.Equal(t, []string{"hello"}, e.Names())
	})
	t.Run("Should fail on missing keys", func(t *testing.T) {
		e := NewEngine()
		require.NoError(t, e.AddTemplate("hello", "Hello {{ .name }}"))
		_, err := e.Render("hello", map[string]any{})
		require.Error(t, err)
	})
	t.Run("Should fail on unknown templates", func(t *testing.T) {
		_, err := NewEngine().Render("missing", nil)
		require.ErrorContains(t, err, "template not found: missing")
	})
	t.Run("Should expose sprig functions", func(t *testing.T) {
		got, err := NewEngine().RenderString(`{{ .v | trim | upper }}`, map[string]any{"v": "  abc "})
		require.NoError(t, err)
		assert.Equal(t, "ABC", got)
	})
	t.Run("Should not interpret markers inside values", func(t *testing.T) {
		got, err := NewEngine().RenderString(`[{{ .v }}]`, map[string]any{"v": "{{ .other }}"})
		require.NoError(t, err)
		assert.Equal(t, "[{{ .other }}]", got)
	})
	t.Run("Should return plain strings untouched", func(t *testing.T) {
		got, err := NewEngine().RenderString("plain", nil)
		require.NoError(t, err)
		assert.Equal(t, "plain", got)
	})
	t.Run("Should merge global values", func(t *testing.T) {
		e := NewEngine().WithGlobalValue("agent", "CERTA")
		got, err := e.RenderString(`{{ .agent }}:{{ .x }}`, map[string]any{"x": 1})
		require.NoError(t, err)
		assert.Equal(t, "CERTA:1", got)
	})
	t.Run("Should reject invalid template syntax", func(t *testing.T) {
		require.Error(t, NewEngine().AddTemplate("bad", "{{ .x "))
	})
}

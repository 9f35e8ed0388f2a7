package action

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_ContainsAllKinds(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	for _, kind := range []string{
		KindAddCalendarEvent, KindGetCalendarEvents, KindAddTask,
		KindAddShoppingItem, KindGetTasks, KindCreateNote, KindSearchNotes,
	} {
		tool, ok := c.Tool(kind)
		require.True(t, ok, "missing tool %s", kind)
		assert.NotEmpty(t, tool.Description, kind)
		assert.Equal(t, "object", tool.Parameters["type"], kind)
	}
}

func TestCatalog_ToolDefinitions(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	defs := c.ToolDefinitions()
	require.Len(t, defs, len(c.Tools))
	for i, d := range defs {
		assert.Equal(t, "function", d.Type)
		assert.Equal(t, c.Tools[i].Name, d.Function.Name)
		assert.NotNil(t, d.Function.Parameters)
	}
}

func TestCatalog_SystemPromptIncludesDateAndTools(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	prompt, err := c.SystemPrompt(now)
	require.NoError(t, err)
	assert.Contains(t, prompt, "2026-03-14 09:30")
	assert.Contains(t, prompt, "Saturday")
	assert.Contains(t, prompt, "- add_task:")
}

func TestLoadCatalog_Errors(t *testing.T) {
	prompt := &fstest.MapFile{Data: []byte("now {{.Now}}")}

	tests := []struct {
		name string
		fsys fstest.MapFS
		want string
	}{
		{
			name: "missing catalog",
			fsys: fstest.MapFS{"system_prompt.tmpl": prompt},
			want: "catalog.yaml",
		},
		{
			name: "duplicate tool",
			fsys: fstest.MapFS{
				"catalog.yaml":       {Data: []byte("tools:\n  - name: a\n  - name: a\n")},
				"system_prompt.tmpl": prompt,
			},
			want: "duplicate tool",
		},
		{
			name: "unnamed tool",
			fsys: fstest.MapFS{
				"catalog.yaml":       {Data: []byte("tools:\n  - description: x\n")},
				"system_prompt.tmpl": prompt,
			},
			want: "no name",
		},
		{
			name: "unknown template field",
			fsys: fstest.MapFS{
				"catalog.yaml":       {Data: []byte("tools: []\n")},
				"system_prompt.tmpl": {Data: []byte("{{.Nope}}")},
			},
			want: "render system prompt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalog(tt.fsys)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}

func TestLoadCatalog_DefaultsMissingParameters(t *testing.T) {
	c, err := LoadCatalog(fstest.MapFS{
		"catalog.yaml":       {Data: []byte("tools:\n  - name: ping\n    description: ping\n")},
		"system_prompt.tmpl": {Data: []byte("hi")},
	})
	require.NoError(t, err)
	tool, ok := c.Tool("ping")
	require.True(t, ok)
	assert.Equal(t, "object", tool.Parameters["type"])
}

package action

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hisho/internal/hisho/llm"
)

//go:embed catalog.yaml system_prompt.tmpl
var catalogFS embed.FS

const (
	catalogFile      = "catalog.yaml"
	systemPromptFile = "system_prompt.tmpl"
)

// Tool describes one action as offered to the model.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// Catalog is the set of tools the model may call together with the system
// prompt template that introduces them.
type Catalog struct {
	Tools  []Tool
	prompt *template.Template
}

type catalogDoc struct {
	Tools []Tool `yaml:"tools"`
}

type promptVars struct {
	Now     time.Time
	Weekday string
	Tools   []Tool
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(catalogFS)
}

// LoadCatalog reads catalog.yaml and system_prompt.tmpl from fsys.
//
// The prompt template is trusted operator content; it is parsed with
// "missingkey=error" so a typo fails at load time rather than rendering
// "<no value>".
func LoadCatalog(fsys fs.FS) (*Catalog, error) {
	raw, err := fs.ReadFile(fsys, catalogFile)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	var doc catalogDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", catalogFile, err)
	}

	seen := make(map[string]bool, len(doc.Tools))
	for i, t := range doc.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog: tool #%d has no name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("catalog: duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
		if t.Parameters == nil {
			doc.Tools[i].Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
	}

	body, err := fs.ReadFile(fsys, systemPromptFile)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	tmpl, err := template.New(systemPromptFile).Option("missingkey=error").Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", systemPromptFile, err)
	}

	c := &Catalog{Tools: doc.Tools, prompt: tmpl}
	// Render once so template errors surface at startup.
	if _, err := c.SystemPrompt(time.Now()); err != nil {
		return nil, err
	}
	return c, nil
}

// Tool returns the tool named name.
func (c *Catalog) Tool(name string) (Tool, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// ToolDefinitions converts the catalog to function-tool definitions.
func (c *Catalog) ToolDefinitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(c.Tools))
	for _, t := range c.Tools {
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

// SystemPrompt renders the system prompt for the moment now.
func (c *Catalog) SystemPrompt(now time.Time) (string, error) {
	var buf bytes.Buffer
	err := c.prompt.Execute(&buf, promptVars{
		Now:     now,
		Weekday: now.Weekday().String(),
		Tools:   c.Tools,
	})
	if err != nil {
		return "", fmt.Errorf("catalog: render system prompt: %w", err)
	}
	return buf.String(), nil
}

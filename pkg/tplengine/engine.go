package tplengine

import (
	"bytes"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateEngine renders named text templates with the sprig function map.
// Missing keys are errors so a prompt is never sent with an empty placeholder.
type TemplateEngine struct {
	mu           sync.RWMutex
	templates    map[string]*template.Template
	globalValues map[string]any
}

// NewEngine creates an empty engine.
func NewEngine() *TemplateEngine {
	return &TemplateEngine{
		templates:    make(map[string]*template.Template),
		globalValues: make(map[string]any),
	}
}

// WithGlobalValue registers a value available to every render.
func (e *TemplateEngine) WithGlobalValue(key string, value any) *TemplateEngine {
	e.mu.Lock()
	e.globalValues[key] = value
	e.mu.Unlock()
	return e
}

// AddTemplate parses and registers a template under name.
func (e *TemplateEngine) AddTemplate(name, templateStr string) error {
	tmpl, err := parse(name, templateStr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.templates[name] = tmpl
	e.mu.Unlock()
	return nil
}

// HasTemplate returns true if the template contains template markers
func HasTemplate(template string) bool {
	return strings.Contains(template, "{{")
}

// Has reports whether a template is registered under name.
func (e *TemplateEngine) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[name]
	return ok
}

// Names lists the registered template names in sorted order.
func (e *TemplateEngine) Names() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.templates))
	for name := range e.templates {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Render renders a template by name
func (e *TemplateEngine) Render(name string, context map[string]any) (string, error) {
	e.mu.RLock()
	tmpl, ok := e.templates[name]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template not found: %s", name)
	}
	return e.renderTemplate(tmpl, context)
}

// RenderString renders a template string
func (e *TemplateEngine) RenderString(templateStr string, context map[string]any) (string, error) {
	if !HasTemplate(templateStr) {
		return templateStr, nil
	}
	tmpl, err := parse("inline", templateStr)
	if err != nil {
		return "", err
	}
	return e.renderTemplate(tmpl, context)
}

func (e *TemplateEngine) renderTemplate(tmpl *template.Template, context map[string]any) (string, error) {
	data := make(map[string]any, len(context)+len(e.globalValues))
	maps.Copy(data, context)
	e.mu.RLock()
	maps.Copy(data, e.globalValues)
	e.mu.RUnlock()
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	return buf.String(), nil
}

func parse(name, templateStr string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(sprig.TxtFuncMap()).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return tmpl, nil
}

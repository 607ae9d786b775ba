package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/pkg/tplengine"
)

// Template identifiers used by the compliance pipeline.
const (
	SummarizePolicy = "summarize-policy"
	ComplianceCheck = "compliance-check"
	ConsensusCheck  = "consensus-check"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Definition is one prompt entry of a catalog file.
type Definition struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
}

type catalogFile struct {
	Prompts []Definition `yaml:"prompts"`
}

// Catalog holds parsed prompt templates keyed by id.
type Catalog struct {
	engine      *tplengine.TemplateEngine
	definitions map[string]Definition
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = Parse(defaultTemplates)
	})
	return defaultCatalog, defaultErr
}

// Load reads a catalog file. Entries override the built-in templates with the same id.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewError(fmt.Errorf("read prompt catalog %s: %w", path, err), core.ErrCodeConfiguration, nil)
	}
	base, err := Default()
	if err != nil {
		return nil, err
	}
	overrides, err := Parse(data)
	if err != nil {
		return nil, err
	}
	merged := &Catalog{engine: tplengine.NewEngine(), definitions: make(map[string]Definition)}
	for _, src := range []*Catalog{base, overrides} {
		for _, def := range src.definitions {
			if err := merged.add(def); err != nil {
				return nil, err
			}
		}
	}
	return merged, nil
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, core.NewError(fmt.Errorf("decode prompt catalog: %w", err), core.ErrCodeConfiguration, nil)
	}
	c := &Catalog{engine: tplengine.NewEngine(), definitions: make(map[string]Definition, len(file.Prompts))}
	for _, def := range file.Prompts {
		if err := c.add(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) add(def Definition) error {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return core.NewError(fmt.Errorf("prompt definition without id"), core.ErrCodeConfiguration, nil)
	}
	if err := c.engine.AddTemplate(id, def.Template); err != nil {
		return core.NewError(
			fmt.Errorf("prompt %q: %w", id, err),
			core.ErrCodeConfiguration,
			map[string]any{"prompt": id},
		)
	}
	def.ID = id
	c.definitions[id] = def
	return nil
}

// Has reports whether the catalog defines id.
func (c *Catalog) Has(id string) bool {
	return c != nil && c.engine.Has(id)
}

// Definition returns the entry registered under id.
func (c *Catalog) Definition(id string) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	def, ok := c.definitions[id]
	return def, ok
}

// Render fills the template id with values.
func (c *Catalog) Render(id string, values map[string]any) (string, error) {
	if !c.Has(id) {
		return "", core.NewError(
			fmt.Errorf("prompt template %q not found", id),
			core.ErrCodeConfiguration,
			map[string]any{"prompt": id},
		)
	}
	out, err := c.engine.Render(id, values)
	if err != nil {
		return "", core.NewError(
			fmt.Errorf("render prompt %q: %w", id, err),
			core.ErrCodeConfiguration,
			map[string]any{"prompt": id},
		)
	}
	return out, nil
}

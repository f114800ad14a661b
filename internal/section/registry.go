package section

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/aletop130/ZeroHR/internal/genclient"
	"github.com/aletop130/ZeroHR/internal/prompts"
)

// Definition describes one section of the document
type Definition struct {
	Index     int
	Name      string
	Title     string
	Weight    float64
	Threshold float64
	Example   string // sample text injected into the generation prompt
	Reference string // reference text the judge compares against
}

// Override replaces template defaults for one section. Zero values keep the
// template's own setting.
type Override struct {
	Name          string
	Weight        float64
	Threshold     float64
	ExampleFile   string
	ReferenceFile string
}

// DefinitionOptions controls how section definitions are assembled
type DefinitionOptions struct {
	ExamplesDir      string
	ReferencesDir    string
	DefaultThreshold float64
	Overrides        map[int]Override
}

// LoadDefinitions builds definitions from the section templates' frontmatter,
// applies overrides and reads example and reference texts from disk. Missing
// text files leave the text empty.
func LoadDefinitions(loader *prompts.Loader, opts DefinitionOptions) ([]Definition, error) {
	metas, err := loader.ListSections()
	if err != nil {
		return nil, err
	}

	defs := make([]Definition, 0, len(metas))
	for _, m := range metas {
		def := Definition{
			Index:     m.Index,
			Name:      m.Name,
			Title:     m.Title,
			Weight:    m.Weight,
			Threshold: m.Threshold,
		}
		exampleFile, referenceFile := m.ExampleFile, m.ReferenceFile

		if o, ok := opts.Overrides[m.Index]; ok {
			if o.Name != "" {
				def.Name = o.Name
			}
			if o.Weight > 0 {
				def.Weight = o.Weight
			}
			if o.Threshold > 0 {
				def.Threshold = o.Threshold
			}
			if o.ExampleFile != "" {
				exampleFile = o.ExampleFile
			}
			if o.ReferenceFile != "" {
				referenceFile = o.ReferenceFile
			}
		}
		if def.Threshold <= 0 {
			def.Threshold = opts.DefaultThreshold
		}
		if def.Title == "" {
			def.Title = def.Name
		}

		if def.Example, err = readText(opts.ExamplesDir, exampleFile); err != nil {
			return nil, err
		}
		if def.Reference, err = readText(opts.ReferencesDir, referenceFile); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func readText(dir, name string) (string, error) {
	if dir == "" || name == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return string(data), nil
}

// Registry holds one Handler per section index
type Registry struct {
	handlers []Handler
	weights  []float64
}

// NewRegistry creates template-backed handlers for defs. Definitions must be
// numbered 1..len(defs).
func NewRegistry(defs []Definition, loader *prompts.Loader, svc genclient.Service, model Model, scale float64, logger *slog.Logger) (*Registry, error) {
	if scale <= 0 {
		scale = DefaultScale
	}
	handlers := make([]Handler, len(defs))
	weights := make([]float64, len(defs))
	for i, def := range defs {
		if def.Index != i+1 {
			return nil, fmt.Errorf("section %q has index %d, want %d", def.Name, def.Index, i+1)
		}
		handlers[i] = &TemplateHandler{
			def:    def,
			loader: loader,
			svc:    svc,
			model:  model,
			scale:  scale,
			logger: logger.With("section", def.Name),
		}
		weights[i] = def.Weight
	}
	return &Registry{handlers: handlers, weights: weights}, nil
}

// NewStaticRegistry wraps prebuilt handlers and their weights
func NewStaticRegistry(handlers []Handler, weights []float64) *Registry {
	return &Registry{handlers: handlers, weights: weights}
}

// Len returns the number of known sections
func (r *Registry) Len() int { return len(r.handlers) }

// Handler returns the handler for the 1-based section index
func (r *Registry) Handler(index int) (Handler, error) {
	if index < 1 || index > len(r.handlers) {
		return nil, fmt.Errorf("no handler for section %d", index)
	}
	return r.handlers[index-1], nil
}

// Weights returns the first n section weights renormalized to sum to 1
func (r *Registry) Weights(n int) ([]float64, error) {
	if n < 1 || n > len(r.weights) {
		return nil, fmt.Errorf("section count %d out of range 1..%d", n, len(r.weights))
	}
	out := make([]float64, n)
	var total float64
	for i := 0; i < n; i++ {
		total += r.weights[i]
	}
	if total <= 0 || math.IsNaN(total) {
		return nil, fmt.Errorf("weights of the first %d sections sum to %v", n, total)
	}
	for i := 0; i < n; i++ {
		out[i] = r.weights[i] / total
	}
	return out, nil
}

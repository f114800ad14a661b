package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	judgeTemplate   = "judges/section.md"
	summaryTemplate = "final/summary.md"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*SectionMeta
	mu           sync.RWMutex
}

// SectionMeta holds the frontmatter of a section template.
type SectionMeta struct {
	Index         int     `yaml:"index"`
	Name          string  `yaml:"name"`
	Title         string  `yaml:"title"`
	Weight        float64 `yaml:"weight"`
	Threshold     float64 `yaml:"threshold"`
	ExampleFile   string  `yaml:"example_file"`
	ReferenceFile string  `yaml:"reference_file"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*SectionMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .zerohr/prompts/
// 2. User config: ~/.config/zerohr/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".zerohr", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "zerohr", "prompts"))

	return NewLoader(dirs...)
}

// OverrideDirs returns the directories searched before the embedded templates
func (l *Loader) OverrideDirs() []string {
	return l.overrideDirs
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*SectionMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta SectionMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "sections/01.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *SectionMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}

	return buf.String(), nil
}

// SectionPath returns the template path of the section at index
func SectionPath(index int) string {
	return fmt.Sprintf("sections/%02d.md", index)
}

// ListSections returns the metadata of every embedded section template,
// ordered by index. Override directories may replace a section's content and
// frontmatter but not add new sections.
func (l *Loader) ListSections() ([]*SectionMeta, error) {
	entries, err := fs.ReadDir(embeddedFS, "sections")
	if err != nil {
		return nil, err
	}

	var result []*SectionMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := path.Join("sections", entry.Name())
		_, meta, err := l.LoadTemplate(name)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, fmt.Errorf("section template %s has no frontmatter", name)
		}
		result = append(result, meta)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

// SectionData holds template variables for a section generation prompt.
type SectionData struct {
	Index       int
	Name        string
	Title       string
	Payload     string
	HistoryHint string
	Example     string
	Feedback    string // previous judgment, empty on the first attempt
}

// JudgeData holds template variables for a section judging prompt.
type JudgeData struct {
	Index     int
	Name      string
	Title     string
	Text      string
	Reference string
	Scale     float64
}

// SummaryData holds template variables for the final summary judgment.
type SummaryData struct {
	Notes string
}

// BuildSectionPrompt executes the generation template of the given section.
func (l *Loader) BuildSectionPrompt(data SectionData) (string, error) {
	return l.Execute(SectionPath(data.Index), data)
}

// BuildJudgePrompt executes the section judging template.
func (l *Loader) BuildJudgePrompt(data JudgeData) (string, error) {
	return l.Execute(judgeTemplate, data)
}

// BuildSummaryPrompt executes the final summary template.
func (l *Loader) BuildSummaryPrompt(data SummaryData) (string, error) {
	return l.Execute(summaryTemplate, data)
}

// ClearCache drops every parsed template so overrides are re-read.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*SectionMeta)
	l.mu.Unlock()
}

package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"picks-pipeline/internal/models"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

const (
	promptAgent    = "agent"
	promptGrade    = "grade"
	promptRefine   = "refine"
	promptGenerate = "generate"
)

type PromptTemplate struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type PromptSet struct {
	Agent    PromptTemplate `yaml:"agent"`
	Grade    PromptTemplate `yaml:"grade"`
	Refine   PromptTemplate `yaml:"refine"`
	Generate PromptTemplate `yaml:"generate"`
}

// promptData is the single data shape every template renders against.
type promptData struct {
	Question      string
	Refinement    string
	Context       string
	SearchTool    string
	RetrieverTool string
	FetchPageTool string
	GradeTool     string
	HasRetriever  bool
	HasFetchPage  bool
}

// Prompts holds the compiled templates, keyed "<prompt>.system" / "<prompt>.user".
type Prompts struct {
	templates map[string]*template.Template
}

// DefaultPrompts compiles the embedded catalog.
func DefaultPrompts() *Prompts {
	p, err := LoadPrompts("")
	if err != nil {
		panic(fmt.Sprintf("embedded prompts are invalid: %v", err))
	}
	return p
}

// LoadPrompts compiles the embedded catalog, overlaid with any non-empty
// entries from the YAML file at path.
func LoadPrompts(path string) (*Prompts, error) {
	var set PromptSet
	if err := yaml.Unmarshal(defaultPromptsYAML, &set); err != nil {
		return nil, fmt.Errorf("parsing embedded prompts: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading prompts file: %w", err)
		}
		var override PromptSet
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("parsing prompts file %s: %w", path, err)
		}
		set = set.overlay(override)
	}

	return compilePrompts(set)
}

func (s PromptSet) overlay(o PromptSet) PromptSet {
	pick := func(base, over PromptTemplate) PromptTemplate {
		if strings.TrimSpace(over.System) != "" {
			base.System = over.System
		}
		if strings.TrimSpace(over.User) != "" {
			base.User = over.User
		}
		return base
	}
	return PromptSet{
		Agent:    pick(s.Agent, o.Agent),
		Grade:    pick(s.Grade, o.Grade),
		Refine:   pick(s.Refine, o.Refine),
		Generate: pick(s.Generate, o.Generate),
	}
}

func compilePrompts(set PromptSet) (*Prompts, error) {
	sources := map[string]string{
		promptAgent + ".system":    set.Agent.System,
		promptAgent + ".user":      set.Agent.User,
		promptGrade + ".system":    set.Grade.System,
		promptGrade + ".user":      set.Grade.User,
		promptRefine + ".system":   set.Refine.System,
		promptRefine + ".user":     set.Refine.User,
		promptGenerate + ".system": set.Generate.System,
		promptGenerate + ".user":   set.Generate.User,
	}
	required := []string{"agent.system", "grade.user", "refine.user", "generate.user"}
	for _, key := range required {
		if strings.TrimSpace(sources[key]) == "" {
			return nil, fmt.Errorf("prompt %s is empty", key)
		}
	}

	p := &Prompts{templates: make(map[string]*template.Template, len(sources))}
	for key, src := range sources {
		if strings.TrimSpace(src) == "" {
			continue
		}
		tmpl, err := template.New(key).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("compiling prompt %s: %w", key, err)
		}
		p.templates[key] = tmpl
	}
	return p, nil
}

// render executes one prompt part. Missing optional parts render empty.
func (p *Prompts) render(name, part string, data promptData) (string, error) {
	tmpl, ok := p.templates[name+"."+part]
	if !ok {
		return "", nil
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", models.NewInternalError("PROMPT_RENDER_FAILED", "rendering prompt "+name+"."+part).WithCause(err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Package chattemplate renders chat messages into the prompt format a model
// was trained on.
package chattemplate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/agnivade/levenshtein"
)

//go:embed templates/index.json
var indexBytes []byte

//go:embed templates/*.gotmpl
var templatesFS embed.FS

// ErrNoTemplate is returned when rendering through a nil template.
var ErrNoTemplate = errors.New("chattemplate: no chat template")

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type named struct {
	Name     string `json:"name"`
	Marker   string `json:"marker"`
	Template string `json:"template"`
	Bytes    []byte
}

var presetsOnce = sync.OnceValues(func() ([]*named, error) {
	var presets []*named
	if err := json.Unmarshal(indexBytes, &presets); err != nil {
		return nil, err
	}
	for _, p := range presets {
		bts, err := templatesFS.ReadFile("templates/" + p.Name + ".gotmpl")
		if err != nil {
			return nil, err
		}
		p.Bytes = bytes.ReplaceAll(bts, []byte("\r\n"), []byte("\n"))
	}
	return presets, nil
})

var funcs = template.FuncMap{
	"trim": strings.TrimSpace,
}

// Template is a parsed chat template.
type Template struct {
	tmpl *template.Template
	name string
}

// Parse compiles a Go text/template chat template. The template sees
// .Messages and .AddGenerationPrompt.
func Parse(name, s string) (*Template, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Funcs(funcs).Parse(s)
	if err != nil {
		return nil, fmt.Errorf("chattemplate: parse %s: %w", name, err)
	}
	return &Template{tmpl: tmpl, name: name}, nil
}

// Names lists the built-in presets.
func Names() []string {
	presets, err := presetsOnce()
	if err != nil {
		return nil
	}
	names := make([]string, len(presets))
	for i, p := range presets {
		names[i] = p.Name
	}
	return names
}

// Named returns the built-in preset called name.
func Named(name string) (*Template, error) {
	presets, err := presetsOnce()
	if err != nil {
		return nil, err
	}
	for _, p := range presets {
		if strings.EqualFold(p.Name, name) {
			return Parse(p.Name, string(p.Bytes))
		}
	}
	return nil, fmt.Errorf("chattemplate: unknown preset %q", name)
}

// Detect picks the preset closest to a tokenizer_config.json Jinja template.
// Only presets whose marker token occurs in jinja are considered; nil is
// returned when none qualifies.
func Detect(jinja string) (*Template, error) {
	if strings.TrimSpace(jinja) == "" {
		return nil, nil
	}
	presets, err := presetsOnce()
	if err != nil {
		return nil, err
	}

	var best *named
	score := math.MaxInt
	for _, p := range presets {
		if !strings.Contains(jinja, p.Marker) {
			continue
		}
		if s := levenshtein.ComputeDistance(jinja, p.Template); s < score {
			score = s
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	return Parse(best.Name, string(best.Bytes))
}

// Resolve selects a template from an explicit setting first and the
// tokenizer's Jinja template second. setting may be a preset name or a path
// to a .gotmpl file. A nil template with a nil error means the model has no
// usable chat template.
func Resolve(setting, jinja string) (*Template, error) {
	setting = strings.TrimSpace(setting)
	switch {
	case setting == "" || strings.EqualFold(setting, "auto"):
		return Detect(jinja)
	case strings.EqualFold(setting, "none"):
		return nil, nil
	case strings.HasSuffix(setting, ".gotmpl"):
		data, err := os.ReadFile(filepath.Clean(setting))
		if err != nil {
			return nil, fmt.Errorf("chattemplate: read %s: %w", setting, err)
		}
		return Parse(filepath.Base(setting), string(data))
	}
	return Named(setting)
}

// Name reports the preset or file name the template was built from.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Render applies the template to messages.
func (t *Template) Render(messages []Message, addGenerationPrompt bool) (string, error) {
	if t == nil || t.tmpl == nil {
		return "", ErrNoTemplate
	}
	var b strings.Builder
	err := t.tmpl.Execute(&b, struct {
		Messages            []Message
		AddGenerationPrompt bool
	}{messages, addGenerationPrompt})
	if err != nil {
		return "", fmt.Errorf("chattemplate: render %s: %w", t.name, err)
	}
	return b.String(), nil
}

// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package llm

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"text/template"
)

//go:embed prompts
var defaultPrompts embed.FS

const (
	PromptExtension = "tmpl"

	// PromptToolUse introduces the available MCP tools and the servers awaiting authorization.
	PromptToolUse = "tool_use"

	DefaultLanguage = "en"
)

// PromptData is the input of the prompt templates.
type PromptData struct {
	Language   string
	Tools      []Tool
	AuthErrors []ToolAuthError
}

type Prompts struct {
	templates       map[string]*template.Template // language -> templates mapping
	defaultLanguage string
}

// DefaultPrompts loads the templates shipped with the package.
func DefaultPrompts() (*Prompts, error) {
	sub, err := fs.Sub(defaultPrompts, "prompts")
	if err != nil {
		return nil, err
	}
	return NewPrompts(sub)
}

// NewPrompts loads one template set per language directory of input. Templates placed at
// the root are used as the default language.
func NewPrompts(input fs.FS) (*Prompts, error) {
	templatesMap := make(map[string]*template.Template)

	entries, err := fs.ReadDir(input, ".")
	if err != nil {
		return nil, fmt.Errorf("unable to read prompts directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		langCode := entry.Name()
		pattern := fmt.Sprintf("%s/*.%s", langCode, PromptExtension)
		templates, err := template.ParseFS(input, pattern)
		if err != nil {
			return nil, fmt.Errorf("unable to parse prompt templates for language %s: %w", langCode, err)
		}
		templatesMap[langCode] = templates
	}

	if len(templatesMap) == 0 {
		templates, err := template.ParseFS(input, "*."+PromptExtension)
		if err != nil {
			return nil, fmt.Errorf("unable to parse prompt templates: %w", err)
		}
		templatesMap[DefaultLanguage] = templates
	}

	return &Prompts{
		templates:       templatesMap,
		defaultLanguage: DefaultLanguage,
	}, nil
}

func withPromptExtension(filename string) string {
	return filename + "." + PromptExtension
}

// Languages returns the language codes with a template set.
func (p *Prompts) Languages() []string {
	langs := make([]string, 0, len(p.templates))
	for lang := range p.templates {
		langs = append(langs, lang)
	}
	return langs
}

func (p *Prompts) Format(templateName string, data *PromptData) (string, error) {
	templates := p.getTemplatesForLanguage(p.languageOf(data))

	tmpl := templates.Lookup(withPromptExtension(templateName))
	if tmpl == nil {
		return "", errors.New("template not found")
	}

	out := &strings.Builder{}
	if err := tmpl.Execute(out, data); err != nil {
		return "", fmt.Errorf("unable to execute template: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

func (p *Prompts) languageOf(data *PromptData) string {
	if data != nil && data.Language != "" {
		return data.Language
	}
	return p.defaultLanguage
}

// getTemplatesForLanguage returns templates for the specified language, with fallback
func (p *Prompts) getTemplatesForLanguage(lang string) *template.Template {
	if templates, exists := p.templates[lang]; exists {
		return templates
	}
	return p.templates[p.defaultLanguage]
}

// ToolUsePrompt renders the system prompt section describing the store's tools.
func (s *ToolStore) ToolUsePrompt(prompts *Prompts, language string) (string, error) {
	return prompts.Format(PromptToolUse, &PromptData{
		Language:   language,
		Tools:      s.GetTools(),
		AuthErrors: s.GetAuthErrors(),
	})
}

package ai

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// builtinTemplates embeds the expansion prompt templates. Each file is
// markdown with YAML frontmatter; the body is a text/template rendered with
// TemplateData.
//
//go:embed templates/*.md
var builtinTemplates embed.FS

const frontmatterDelimiter = "---"

// Template is one loaded expansion prompt.
type Template struct {
	Name        string
	Description string
	MaxTasks    int

	body *template.Template
}

// TemplateData feeds a template render.
type TemplateData struct {
	ProjectName string
	Description string
	MaxTasks    int
}

// Render fills the template body with the project brief.
func (t Template) Render(data TemplateData) (string, error) {
	var b bytes.Buffer
	if err := t.body.Execute(&b, data); err != nil {
		return "", fmt.Errorf("ai: rendering template %s: %w", t.Name, err)
	}
	return b.String(), nil
}

type templateFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	MaxTasks    int    `yaml:"max_tasks"`
}

// loadTemplates parses every embedded template, keyed by frontmatter name.
// Files with invalid frontmatter are skipped.
func loadTemplates() (map[string]Template, error) {
	return loadTemplatesFromFS(builtinTemplates, "templates")
}

func loadTemplatesFromFS(fsys fs.FS, dir string) (map[string]Template, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("ai: reading template directory: %w", err)
	}

	out := make(map[string]Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("ai: reading template %s: %w", entry.Name(), err)
		}
		tpl, err := parseTemplate(string(content), entry.Name())
		if err != nil {
			continue
		}
		out[tpl.Name] = tpl
	}
	return out, nil
}

func parseTemplate(content, filename string) (Template, error) {
	fm, body, err := parseFrontmatter(content)
	if err != nil {
		return Template{}, fmt.Errorf("ai: template %s: %w", filename, err)
	}
	parsed, err := template.New(fm.Name).Parse(body)
	if err != nil {
		return Template{}, fmt.Errorf("ai: template %s body: %w", filename, err)
	}
	return Template{
		Name:        fm.Name,
		Description: fm.Description,
		MaxTasks:    fm.MaxTasks,
		body:        parsed,
	}, nil
}

// parseFrontmatter splits "---" delimited YAML frontmatter from the body.
func parseFrontmatter(content string) (templateFrontmatter, string, error) {
	var fm templateFrontmatter

	if !strings.HasPrefix(content, frontmatterDelimiter) {
		return fm, "", fmt.Errorf("content does not start with frontmatter delimiter")
	}
	rest := content[len(frontmatterDelimiter):]
	yamlContent, body, found := strings.Cut(rest, "\n"+frontmatterDelimiter)
	if !found {
		return fm, "", fmt.Errorf("no closing frontmatter delimiter")
	}
	yamlContent = strings.TrimPrefix(yamlContent, "\n")

	if err := yaml.NewDecoder(bytes.NewReader([]byte(yamlContent))).Decode(&fm); err != nil {
		return fm, "", fmt.Errorf("parsing YAML: %w", err)
	}
	if fm.Name == "" {
		return fm, "", fmt.Errorf("frontmatter missing required field: name")
	}

	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}

package annotate

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// promptTemplate renders a Record into a model prompt.
type promptTemplate struct {
	tmpl            *template.Template
	maxContentChars int
}

func newPromptTemplate(text string, maxContentChars int) (*promptTemplate, error) {
	if text == "" {
		text = DefaultPrompt
	}
	tmpl, err := template.New("prompt").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &promptTemplate{tmpl: tmpl, maxContentChars: maxContentChars}, nil
}

// render truncates the content to maxContentChars runes and executes the
// template.
func (p *promptTemplate) render(rec Record) (string, error) {
	if n := p.maxContentChars; n > 0 {
		if r := []rune(rec.Content); len(r) > n {
			rec.Content = string(r[:n])
		}
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, rec); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

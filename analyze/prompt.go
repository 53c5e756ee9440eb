package analyze

import (
	"fmt"
	"strings"
	"text/template"
)

const systemTemplate = `You are an expert in analyzing sales calls. Respond in {{.Language}}.`

var userTemplates = map[Kind]string{
	KindVoice: `Analyze the voice in this transcript: {{.Transcript}}
Focus on tone, pitch, pace and emotional qualities.`,
	KindContent: `Analyze this sales call transcript: {{.Transcript}}
Evaluate: needs discovery, pain points, presentation, objection handling and the overall effectiveness of the salesperson.`,
}

type promptData struct {
	Language   string
	Transcript string
}

// Prompts holds the parsed prompt templates and the response language.
type Prompts struct {
	language string
	system   *template.Template
	user     map[Kind]*template.Template
}

func NewPrompts(language string) (*Prompts, error) {
	system, err := template.New("system").Parse(systemTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	p := &Prompts{
		language: language,
		system:   system,
		user:     make(map[Kind]*template.Template, len(userTemplates)),
	}
	for kind, text := range userTemplates {
		tmpl, err := template.New(string(kind)).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s prompt: %w", kind, err)
		}
		p.user[kind] = tmpl
	}
	return p, nil
}

// Render returns the system and user prompts for kind.
func (p *Prompts) Render(kind Kind, transcript string) (string, string, error) {
	tmpl, ok := p.user[kind]
	if !ok {
		return "", "", fmt.Errorf("no prompt for analysis kind %q", kind)
	}
	data := promptData{Language: p.language, Transcript: transcript}

	var system, user strings.Builder
	if err := p.system.Execute(&system, data); err != nil {
		return "", "", err
	}
	if err := tmpl.Execute(&user, data); err != nil {
		return "", "", err
	}
	return system.String(), user.String(), nil
}

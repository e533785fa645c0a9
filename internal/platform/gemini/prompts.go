package gemini

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/phrazzld/voxqueue/internal/domain"
)

//go:embed prompts/*.tmpl prompts/*.txt
var promptFS embed.FS

type promptSet struct {
	template *template.Template
	system   string
}

// loadPrompts parses the embedded template and system instruction for each
// payload kind.
func loadPrompts() (map[domain.JobKind]promptSet, error) {
	agentSystem, err := promptFS.ReadFile("prompts/agent_system.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to read agent system instruction: %w", err)
	}

	files := map[domain.JobKind]struct {
		name   string
		system string
	}{
		domain.JobKindText:        {name: "prompts/text.tmpl"},
		domain.JobKindAgentPrompt: {name: "prompts/agent_prompt.tmpl", system: string(agentSystem)},
	}

	prompts := make(map[domain.JobKind]promptSet, len(files))
	for kind, f := range files {
		tmpl, err := template.ParseFS(promptFS, f.name)
		if err != nil {
			return nil, fmt.Errorf("failed to parse prompt template %s: %w", f.name, err)
		}
		prompts[kind] = promptSet{template: tmpl, system: f.system}
	}
	return prompts, nil
}

// render executes the kind's template with the payload.
func (p promptSet) render(payload *domain.Payload) (string, error) {
	var buf bytes.Buffer
	if err := p.template.Execute(&buf, payload); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

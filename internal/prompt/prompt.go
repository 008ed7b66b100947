// Package prompt renders the bootstrap text a worker receives at spawn.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// Input is everything the prompt template can reference.
type Input struct {
	Owner              string
	Repo               string
	IssueNumber        int
	IssueTitle         string
	IssueBody          string
	BranchName         string
	WorkingCopyPath    string
	Mode               string
	AdditionalSections []string
}

const defaultTemplate = `You are working on {{.Owner}}/{{.Repo}} issue #{{.IssueNumber}}: {{.IssueTitle}}.

Your working copy is at {{.WorkingCopyPath}} on branch {{.BranchName}}.
The issue body has been written to IMPLEMENTATION_PLAN.md; maintain it as a
markdown task list and check items off as you complete them.

Session mode: {{.Mode}}.

Rules:
- Commit logically complete work to {{.BranchName}}. Never push to the default branch.
- Report progress through the heartbeat and update commands described in .claude/session-context.json.
- If .claude/review-feedback.md exists, address it before anything else.
- When every task is done, write "complete" to .claude/.worker-status and exit.
- When one task is done and more remain, write "task_done" to .claude/.worker-status and exit.
`

// Builder renders worker prompts from a template.
type Builder struct {
	tmpl *template.Template
}

// NewBuilder compiles the default prompt template.
func NewBuilder() *Builder {
	return &Builder{tmpl: template.Must(template.New("prompt").Parse(defaultTemplate))}
}

// NewBuilderFromTemplate compiles a caller-supplied template.
func NewBuilderFromTemplate(text string) (*Builder, error) {
	tmpl, err := template.New("prompt").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template: %w", err)
	}
	return &Builder{tmpl: tmpl}, nil
}

// Build renders the prompt, appending any additional sections in order.
func (b *Builder) Build(in Input) (string, error) {
	var sb strings.Builder
	if err := b.tmpl.Execute(&sb, in); err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	for _, section := range in.AdditionalSections {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(section)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

package server

import (
	"fmt"
	"strings"
	"text/template"
)

const DefaultEvaluatePrompt = `You are an experienced writing tutor.
Evaluate the essay below for a {{.Target}}.
{{- if .Reference}}

Reference text:
{{.Reference}}
{{- end}}

Essay:
{{.Text}}

Respond with a single JSON object and nothing else, in this form:
{"accuracy": <number from 0 to 100>, "feedback": "<overall feedback>", "corrections": [{"original": "<text>", "corrected": "<text>", "explanation": "<why>"}]}`

const DefaultTopicPrompt = `You are an experienced writing tutor.
Suggest one {{.Kind}} topic suitable for a {{.Target}}.

Respond with a single JSON object and nothing else, in this form:
{"topic": "<topic>", "instructions": "<what the learner should write>"}`

const defaultTarget = "intermediate English learner"

// Prompts composes provider prompts from text templates.
type Prompts struct {
	evaluate *template.Template
	topic    *template.Template
}

// NewPrompts parses the templates. Empty strings select the defaults.
func NewPrompts(evaluateTemplate string, topicTemplate string) (*Prompts, error) {
	if evaluateTemplate == "" {
		evaluateTemplate = DefaultEvaluatePrompt
	}
	if topicTemplate == "" {
		topicTemplate = DefaultTopicPrompt
	}

	evaluate, err := template.New("evaluate").Option("missingkey=error").Parse(evaluateTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid evaluate prompt: %v", err)
	}
	topic, err := template.New("topic").Option("missingkey=error").Parse(topicTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid topic prompt: %v", err)
	}
	return &Prompts{evaluate: evaluate, topic: topic}, nil
}

func (p *Prompts) Evaluate(request EvaluateRequest) (string, error) {
	if strings.TrimSpace(request.Target) == "" {
		request.Target = defaultTarget
	}
	return execute(p.evaluate, request)
}

func (p *Prompts) Topic(request TopicRequest) (string, error) {
	if strings.TrimSpace(request.Target) == "" {
		request.Target = defaultTarget
	}
	return execute(p.topic, request)
}

func execute(tmpl *template.Template, data any) (string, error) {
	var prompt strings.Builder
	if err := tmpl.Execute(&prompt, data); err != nil {
		return "", fmt.Errorf("failed to compose prompt: %v", err)
	}
	return prompt.String(), nil
}

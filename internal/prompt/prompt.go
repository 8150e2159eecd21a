package prompt

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"otelexplain/internal/detect"
)

// SystemPrompt frames every request sent to a backend.
const SystemPrompt = "You are a technical writer specializing in OpenTelemetry Collector documentation. Provide clear, accurate, and concise explanations."

// DefaultTemplate is the user prompt rendered for each component.
const DefaultTemplate = `Given a YAML configuration snippet from an OpenTelemetry Collector, explain clearly what each part of the configuration does.

Guidelines:
- Give accurate, non-hallucinated explanations.
- Keep explanations simple, concise, and technically correct.
- Focus on what the user needs to understand: what this config enables, what each field changes, defaults, and gotchas.
- If something is ambiguous, explicitly say "Not enough context to determine."

Output format:
- Short title (as a markdown heading: ### {display_name})
- Bullet list of explanations (each field/configuration option explained)
- A closing section formatted as a heading: #### Why it matters

{docs_section}Configuration snippet:
` + "```yaml\n{snippet}```" + `

Provide the explanation now:`

// Payload is a fully rendered prompt for one component.
type Payload struct {
	System string
	User   string
}

// Options adjusts prompt construction.
type Options struct {
	Template string
	Docs     string
}

// Build renders the prompt for a component. The result is deterministic
// for identical inputs.
func Build(component detect.Component, opts Options) (Payload, error) {
	snippet, err := Snippet(component)
	if err != nil {
		return Payload{}, err
	}

	template := opts.Template
	if strings.TrimSpace(template) == "" {
		template = DefaultTemplate
	}

	docsSection := ""
	if docs := strings.TrimSpace(opts.Docs); docs != "" {
		docsSection = "Reference documentation (may be partial):\n" + docs + "\n\n"
	}

	rendered := template
	rendered = strings.ReplaceAll(rendered, "{display_name}", component.Title())
	rendered = strings.ReplaceAll(rendered, "{component}", component.Name())
	rendered = strings.ReplaceAll(rendered, "{kind}", string(component.Kind))
	rendered = strings.ReplaceAll(rendered, "{docs_section}", docsSection)
	rendered = strings.ReplaceAll(rendered, "{snippet}", snippet)

	return Payload{System: SystemPrompt, User: rendered}, nil
}

// Snippet serializes a component as a minimal config document containing
// only that component, with sensitive values redacted.
func Snippet(component detect.Component) (string, error) {
	config := component.Config
	if config == nil {
		config = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}

	wrapped := &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
		Content: []*yaml.Node{
			scalarNode(string(component.Kind) + "s"),
			{
				Kind: yaml.MappingNode,
				Tag:  "!!map",
				Content: []*yaml.Node{
					scalarNode(component.Name()),
					Redact(config),
				},
			},
		},
	}

	data, err := yaml.Marshal(wrapped)
	if err != nil {
		return "", fmt.Errorf("marshal component snippet: %w", err)
	}
	return string(data), nil
}

// SensitiveKeySubstrings is the deny-list used for redaction. A mapping
// value is replaced when its lowercased key contains any of these.
var SensitiveKeySubstrings = []string{"key", "token", "password", "passwd", "secret", "credential"}

const redactedValue = "[REDACTED]"

// SensitiveKey reports whether a mapping key names a value that must not
// leave the process.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range SensitiveKeySubstrings {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of the node with every value under a
// sensitive key replaced by a placeholder. The input is never modified.
func Redact(node *yaml.Node) *yaml.Node {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		return Redact(node.Alias)
	}

	copied := &yaml.Node{
		Kind:  node.Kind,
		Tag:   node.Tag,
		Value: node.Value,
	}

	switch node.Kind {
	case yaml.MappingNode:
		copied.Content = make([]*yaml.Node, 0, len(node.Content))
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			value := node.Content[i+1]
			if SensitiveKey(key.Value) {
				copied.Content = append(copied.Content, Redact(key), scalarNode(redactedValue))
				continue
			}
			copied.Content = append(copied.Content, Redact(key), Redact(value))
		}
	case yaml.SequenceNode, yaml.DocumentNode:
		copied.Content = make([]*yaml.Node, 0, len(node.Content))
		for _, child := range node.Content {
			copied.Content = append(copied.Content, Redact(child))
		}
	}

	return copied
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

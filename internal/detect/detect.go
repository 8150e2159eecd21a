package detect

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyConfig = errors.New("config is empty")
	ErrNotMapping  = errors.New("config root must be a mapping")
)

// Document is a parsed collector configuration. The underlying YAML nodes
// are kept so that key order and raw values survive round trips.
type Document struct {
	root *yaml.Node
}

// Parse decodes YAML and validates that the document root is a mapping.
func Parse(data []byte) (*Document, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, ErrEmptyConfig
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	root := documentRoot(&node)
	if root == nil || isNull(root) {
		return nil, ErrEmptyConfig
	}
	if root.Kind != yaml.MappingNode {
		return nil, ErrNotMapping
	}

	return &Document{root: root}, nil
}

// Kind identifies which class of collector component an entry belongs to.
type Kind string

const (
	KindReceiver  Kind = "receiver"
	KindProcessor Kind = "processor"
	KindExporter  Kind = "exporter"
	KindExtension Kind = "extension"
)

// sectionOrder fixes the scan order across sections. Within a section,
// entries keep the order they appear in the document.
var sectionOrder = []struct {
	section string
	kind    Kind
}{
	{"receivers", KindReceiver},
	{"processors", KindProcessor},
	{"exporters", KindExporter},
	{"extensions", KindExtension},
}

// Component is a single detected collector component.
type Component struct {
	Kind     Kind
	Type     string
	Instance string
	Config   *yaml.Node
}

// Name returns the component's config key, e.g. "otlp" or "otlp/2".
func (c Component) Name() string {
	if c.Instance == "" {
		return c.Type
	}
	return c.Type + "/" + c.Instance
}

// Title returns a human display name such as "OTLP receiver" or
// "Memory Limiter processor".
func (c Component) Title() string {
	title := displayType(c.Type) + " " + string(c.Kind)
	if c.Instance != "" {
		title += " (" + c.Instance + ")"
	}
	return title
}

// Problem records a section that could not be scanned. The rest of the
// document is still processed.
type Problem struct {
	Section string
	Detail  string
}

// Detect walks the component sections in fixed order and returns one
// Component per entry, preserving document order within each section.
func Detect(doc *Document) ([]Component, []Problem) {
	if doc == nil || doc.root == nil {
		return nil, nil
	}

	components := []Component{}
	problems := []Problem{}
	seen := map[string]bool{}

	for _, entry := range sectionOrder {
		section, ok := doc.section(entry.section)
		if !ok || isNull(section) {
			continue
		}
		if section.Kind != yaml.MappingNode {
			problems = append(problems, Problem{Section: entry.section, Detail: "section is not a mapping"})
			continue
		}

		for i := 0; i+1 < len(section.Content); i += 2 {
			name := strings.TrimSpace(section.Content[i].Value)
			if name == "" {
				continue
			}

			componentType, instance := SplitName(name)
			id := string(entry.kind) + "\x00" + componentType + "\x00" + instance
			if seen[id] {
				continue
			}
			seen[id] = true

			value := resolveAlias(section.Content[i+1])
			if isNull(value) {
				value = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			}

			components = append(components, Component{
				Kind:     entry.kind,
				Type:     componentType,
				Instance: instance,
				Config:   value,
			})
		}
	}

	return components, problems
}

// SplitName splits a component entry key into type and instance name. The
// collector config format disambiguates multiple instances of a type with
// a compound key such as "otlp/2".
func SplitName(name string) (componentType, instance string) {
	if idx := strings.Index(name, "/"); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return name, ""
}

// LooksLikeCollectorConfig reports whether the document carries at least
// one collector section. Used for a warning only, never to reject input.
func LooksLikeCollectorConfig(doc *Document) bool {
	if doc == nil || doc.root == nil {
		return false
	}
	for _, entry := range sectionOrder {
		if _, ok := doc.section(entry.section); ok {
			return true
		}
	}
	_, ok := doc.section("service")
	return ok
}

func (d *Document) section(name string) (*yaml.Node, bool) {
	for i := 0; i+1 < len(d.root.Content); i += 2 {
		if d.root.Content[i].Value == name {
			return resolveAlias(d.root.Content[i+1]), true
		}
	}
	return nil, false
}

func documentRoot(node *yaml.Node) *yaml.Node {
	if node == nil || node.Kind == 0 {
		return nil
	}
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil
		}
		return resolveAlias(node.Content[0])
	}
	return node
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	if node != nil && node.Kind == yaml.AliasNode && node.Alias != nil {
		return node.Alias
	}
	return node
}

func isNull(node *yaml.Node) bool {
	return node == nil || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}

func displayType(componentType string) string {
	upper := strings.ToUpper(componentType)
	switch upper {
	case "OTLP", "HTTP", "GRPC", "JSON", "YAML", "TLS", "SSL":
		return upper
	}

	parts := strings.Split(componentType, "_")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}

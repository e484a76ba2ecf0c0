package secrets

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// List is a list of secrets that also accepts a single YAML scalar.
type List []string

func (l *List) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = List{n.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	}
	return fmt.Errorf("client_secrets: expected string or list, got %s", n.Tag)
}

// File is the on-disk shape of a secrets source.
type File struct {
	ClientSecrets List `yaml:"client_secrets"`
}

// ReadFile parses a secrets source. An empty file yields no secrets.
func ReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a secrets document.
func Parse(b []byte) ([]string, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("secrets: decode: %w", err)
	}
	out := make([]string, 0, len(f.ClientSecrets))
	for _, s := range f.ClientSecrets {
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// Marshal encodes secrets in the source format.
func Marshal(secrets []string) ([]byte, error) {
	return yaml.Marshal(File{ClientSecrets: List(secrets)})
}

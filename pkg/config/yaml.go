package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ParseLimits bounds the resources a YAML document may consume while parsing.
type ParseLimits struct {
	MaxFileSize  int64 // Maximum document size in bytes (default: 1MB)
	MaxDepth     int   // Maximum nesting depth (default: 20)
	MaxNodes     int   // Maximum number of nodes (default: 10000)
	MaxKeyLength int   // Maximum key length in bytes (default: 256)
	MaxValueSize int64 // Maximum scalar size in bytes (default: 64KB)
}

// DefaultParseLimits returns limits suitable for configuration files.
func DefaultParseLimits() ParseLimits {
	return ParseLimits{
		MaxFileSize:  1024 * 1024,
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 256,
		MaxValueSize: 64 * 1024,
	}
}

// Parser decodes YAML after checking it against ParseLimits. Alias
// expansion is counted against the node limit, which defeats YAML bombs.
type Parser struct {
	limits ParseLimits
	strict bool
}

// NewParser creates a parser. A strict parser rejects unknown keys.
func NewParser(limits ParseLimits, strict bool) *Parser {
	return &Parser{limits: limits, strict: strict}
}

// Unmarshal validates data and decodes it into v. An empty document leaves
// v untouched.
func (p *Parser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML document size %d bytes exceeds maximum %d bytes", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("YAML parse error: %w", err)
	}

	w := &nodeWalker{limits: p.limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(p.strict)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("YAML decode error: %w", err)
	}
	return nil
}

// Decode reads at most MaxFileSize bytes from r and unmarshals them.
func (p *Parser) Decode(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, p.limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("read YAML: %w", err)
	}
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML input exceeds maximum size %d bytes", p.limits.MaxFileSize)
	}
	return p.Unmarshal(data, v)
}

type nodeWalker struct {
	limits ParseLimits
	nodes  int
}

func (w *nodeWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}

	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds maximum %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return errors.New("invalid YAML mapping: odd number of elements")
		}
		for i := 0; i < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(key, depth+1); err != nil {
				return err
			}
			if err := w.walk(value, depth+1); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(node.Value), w.limits.MaxValueSize)
		}

	case yaml.AliasNode:
		if node.Alias != nil {
			if err := w.walk(node.Alias, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}

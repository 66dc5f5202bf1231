// Package syncengine pushes records to source-control repositories as
// frontmatter documents, applies external commits back, and resolves
// the conflicts the two directions can produce.
package syncengine

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tidehook/tidehook/internal/records"
)

const delimiter = "---"

// maxDepth bounds frontmatter nesting so cyclic data fails instead of
// recursing forever.
const maxDepth = 32

var (
	// ErrNoFrontmatter is returned when a document lacks the leading block.
	ErrNoFrontmatter = errors.New("document has no frontmatter block")

	// ErrUnsupportedValue is returned for data values outside the emitted
	// YAML subset.
	ErrUnsupportedValue = errors.New("unsupported frontmatter value")
)

// Document is a parsed frontmatter file: the synthetic identity keys,
// the remaining data map, and the body after the closing delimiter.
type Document struct {
	Namespace string
	ID        string
	Type      string
	Data      map[string]any
	Body      string
}

// Serialize renders a record as a frontmatter document. Emission is
// deterministic: $id and $type first, then data keys in lexicographic
// order, so identical records always produce identical bytes.
func Serialize(r *records.Record) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(delimiter + "\n")

	if err := emitPair(&b, "$id", r.Namespace+"/"+r.ID, 0); err != nil {
		return nil, err
	}
	if err := emitPair(&b, "$type", r.Type, 0); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := emitPair(&b, k, r.Data[k], 0); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
	}

	b.WriteString(delimiter + "\n")
	b.WriteString(r.Content)
	return b.Bytes(), nil
}

func emitPair(b *bytes.Buffer, key string, value any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("nesting exceeds %d levels: %w", maxDepth, ErrUnsupportedValue)
	}
	indent := strings.Repeat("  ", depth)

	if m, ok := value.(map[string]any); ok {
		b.WriteString(indent + key + ":\n")
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := emitPair(b, k, m[k], depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	s, err := scalar(value, depth)
	if err != nil {
		return err
	}
	b.WriteString(indent + key + ": " + s + "\n")
	return nil
}

func scalar(value any, depth int) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(v), nil
	case string:
		return quoteIfNeeded(v), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case []any:
		if depth > maxDepth {
			return "", fmt.Errorf("nesting exceeds %d levels: %w", maxDepth, ErrUnsupportedValue)
		}
		parts := make([]string, len(v))
		for i, elem := range v {
			s, err := scalar(elem, depth+1)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

// quoteIfNeeded double-quotes strings the parser would otherwise
// misread: separators, comments, and newlines.
func quoteIfNeeded(s string) string {
	if !strings.ContainsAny(s, ":#\n") {
		return s
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
	return `"` + escaped + `"`
}

// ParseDocument splits a frontmatter document and decodes the block.
// Numbers are normalized to float64 so a serialize/parse round trip
// compares equal.
func ParseDocument(doc []byte) (*Document, error) {
	block, body, err := split(string(doc))
	if err != nil {
		return nil, err
	}

	meta := map[string]any{}
	if block != "" {
		if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
			return nil, fmt.Errorf("decoding frontmatter: %w", err)
		}
	}

	d := &Document{Body: body, Data: map[string]any{}}
	for k, v := range meta {
		switch k {
		case "$id":
			id, _ := v.(string)
			d.Namespace, d.ID, _ = strings.Cut(id, "/")
		case "$type":
			d.Type, _ = v.(string)
		default:
			d.Data[k] = normalize(v)
		}
	}
	return d, nil
}

func split(s string) (block, body string, err error) {
	if !strings.HasPrefix(s, delimiter+"\n") {
		return "", "", ErrNoFrontmatter
	}
	rest := s[len(delimiter)+1:]
	if strings.HasPrefix(rest, delimiter+"\n") {
		return "", rest[len(delimiter)+1:], nil
	}
	idx := strings.Index(rest, "\n"+delimiter+"\n")
	if idx < 0 {
		return "", "", ErrNoFrontmatter
	}
	return rest[:idx], rest[idx+len(delimiter)+2:], nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}

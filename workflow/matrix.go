package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatrixConfig expands one job into the Cartesian product of its axes,
// minus excludes, plus includes. It accepts both the explicit form
// (axes/exclude/include keys) and the shorthand where axes sit directly
// under matrix.
type MatrixConfig struct {
	Axes    map[string][]string `json:"axes"`
	Exclude []map[string]string `json:"exclude,omitempty"`
	Include []map[string]string `json:"include,omitempty"`
}

func (m *MatrixConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix: expected mapping")
	}
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return err
	}

	out := MatrixConfig{Axes: make(map[string][]string)}
	if axes, ok := raw["axes"]; ok {
		if err := axes.Decode(&out.Axes); err != nil {
			return fmt.Errorf("matrix: axes: %w", err)
		}
		delete(raw, "axes")
	}
	if exc, ok := raw["exclude"]; ok {
		if err := exc.Decode(&out.Exclude); err != nil {
			return fmt.Errorf("matrix: exclude: %w", err)
		}
		delete(raw, "exclude")
	}
	if inc, ok := raw["include"]; ok {
		if err := inc.Decode(&out.Include); err != nil {
			return fmt.Errorf("matrix: include: %w", err)
		}
		delete(raw, "include")
	}
	// Shorthand: any remaining key is an axis.
	for key, val := range raw {
		var values []string
		if err := val.Decode(&values); err != nil {
			return fmt.Errorf("matrix: axis %s: %w", key, err)
		}
		out.Axes[key] = values
	}
	*m = out
	return nil
}

// Expand computes the variant list. Empty axes expand to the single
// identity variant.
func (m *MatrixConfig) Expand() []map[string]string {
	if m == nil || len(m.Axes) == 0 {
		variants := []map[string]string{{}}
		variants = appendIncludes(variants, m)
		return variants
	}

	keys := make([]string, 0, len(m.Axes))
	for k := range m.Axes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	variants := []map[string]string{{}}
	for _, key := range keys {
		var next []map[string]string
		for _, variant := range variants {
			for _, value := range m.Axes[key] {
				cp := make(map[string]string, len(variant)+1)
				for k, v := range variant {
					cp[k] = v
				}
				cp[key] = value
				next = append(next, cp)
			}
		}
		variants = next
	}

	var filtered []map[string]string
	for _, variant := range variants {
		if !m.excluded(variant) {
			filtered = append(filtered, variant)
		}
	}
	return appendIncludes(filtered, m)
}

func (m *MatrixConfig) excluded(variant map[string]string) bool {
	for _, exc := range m.Exclude {
		match := len(exc) > 0
		for k, v := range exc {
			if variant[k] != v {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func appendIncludes(variants []map[string]string, m *MatrixConfig) []map[string]string {
	if m == nil {
		return variants
	}
	for _, inc := range m.Include {
		if !containsVariant(variants, inc) {
			variants = append(variants, inc)
		}
	}
	return variants
}

func containsVariant(variants []map[string]string, want map[string]string) bool {
	for _, v := range variants {
		if len(v) != len(want) {
			continue
		}
		same := true
		for k, val := range want {
			if v[k] != val {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// MatrixKey is the deterministic label of one variant ("go=1.21,os=linux").
func MatrixKey(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ",")
}

// interpolate substitutes ${{ matrix.X }} references.
func interpolate(s string, params map[string]string) string {
	for k, v := range params {
		s = strings.ReplaceAll(s, "${{ matrix."+k+" }}", v)
		s = strings.ReplaceAll(s, "${{matrix."+k+"}}", v)
	}
	return s
}

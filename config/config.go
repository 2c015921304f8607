// Package config reads YAML configuration files for the replay-bridge
// command line.
//
// Keys map onto long flag names. Nested mappings are joined with "-" and
// underscores are treated as dashes, so
//
//	listen: 127.0.0.1:3333
//	policy:
//	  chunk_size: 4194304
//
// sets --listen and --policy-chunk-size. Flags given on the command line
// take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for files that are not a YAML mapping.
var ErrInvalid = errors.New("invalid config file")

// Values is a flattened configuration file keyed by flag name.
type Values map[string]any

// Parse decodes a YAML document into Values.
func Parse(r io.Reader) (Values, error) {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Values{}, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	out := Values{}
	if err := flatten(out, "", doc); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(out Values, prefix string, m map[string]any) error {
	for k, v := range m {
		key := normalise(k)
		if prefix != "" {
			key = prefix + "-" + key
		}
		switch v := v.(type) {
		case map[string]any:
			if err := flatten(out, key, v); err != nil {
				return err
			}
		case []any:
			// kong expects list flags as a single separated value
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if _, nested := item.(map[string]any); nested {
					return fmt.Errorf("%w: %s: lists of mappings are not supported", ErrInvalid, key)
				}
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = v
		}
	}
	return nil
}

func normalise(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// Keys returns the flattened keys in order.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the value for a flag name.
func (v Values) Lookup(flag string) (any, bool) {
	val, ok := v[normalise(flag)]
	return val, ok
}

// Loader is a kong.ConfigurationLoader for YAML files.
func Loader(r io.Reader) (kong.Resolver, error) {
	values, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Validate rejects keys that match no flag of the application.
func (v Values) Validate(app *kong.Application) error {
	known := map[string]bool{}
	collect := func(node *kong.Node) {
		for _, f := range node.Flags {
			known[f.Name] = true
		}
	}
	_ = kong.Visit(app.Node, func(n kong.Visitable, next kong.Next) error {
		if node, ok := n.(*kong.Node); ok {
			collect(node)
		}
		return next(nil)
	})

	var unknown []string
	for _, k := range v.Keys() {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(unknown, ", "))
	}
	return nil
}

// Resolve implements kong.Resolver.
func (v Values) Resolve(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
	val, ok := v.Lookup(flag.Name)
	if !ok {
		return nil, nil
	}
	return val, nil
}

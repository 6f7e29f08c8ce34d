package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists files merged underneath the including file.
const includeKey = "$include"

// LoadError names the file that could not be loaded and, for included
// files, the chain of files that pulled it in.
type LoadError struct {
	Path string
	// IncludedFrom lists the including files, outermost first.
	IncludedFrom []string
	Err          error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("config %s: %v", e.Path, e.Err)
	if len(e.IncludedFrom) > 0 {
		msg += " (included from " + strings.Join(e.IncludedFrom, " -> ") + ")"
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

var errIncludeCycle = errors.New("include cycle")

// LoadRaw reads path into a raw document. Files named by $include are merged
// first, in order, and the including file overrides them key by key.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadDocument(path, nil)
}

func loadDocument(path string, chain []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &LoadError{Path: path, IncludedFrom: chain, Err: err}
	}
	if slices.Contains(chain, abs) {
		return nil, &LoadError{Path: abs, IncludedFrom: chain, Err: errIncludeCycle}
	}

	doc, err := readDocument(abs)
	if err != nil {
		return nil, &LoadError{Path: abs, IncludedFrom: chain, Err: err}
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, &LoadError{Path: abs, IncludedFrom: chain, Err: err}
	}

	merged := map[string]any{}
	next := append(slices.Clip(chain), abs)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		included, err := loadDocument(inc, next)
		if err != nil {
			return nil, err
		}
		overlay(merged, included)
	}
	overlay(merged, doc)
	return merged, nil
}

// readDocument parses one file after expanding ${VAR} references. Files
// ending in .json or .json5 are JSON5; everything else is a single YAML
// document.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = []byte(os.ExpandEnv(string(data)))

	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON5: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes $include from doc and returns the listed paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var paths []string
	switch v := value.(type) {
	case nil:
	case string:
		paths = append(paths, v)
	case []any:
		for i, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a path, got %T", includeKey, i, entry)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths, got %T", includeKey, value)
	}
	return slices.DeleteFunc(paths, func(p string) bool { return strings.TrimSpace(p) == "" }), nil
}

// overlay copies src into dst, merging nested sections and replacing
// everything else.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		if section, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				overlay(existing, section)
				continue
			}
		}
		dst[key] = value
	}
}

// sections maps each top-level key to the field it decodes into.
func (c *Config) sections() map[string]any {
	return map[string]any{
		"version":    &c.Version,
		"logging":    &c.Logging,
		"metrics":    &c.Metrics,
		"tracing":    &c.Tracing,
		"rate_limit": &c.RateLimit,
		"sessions":   &c.Sessions,
		"delivery":   &c.Delivery,
		"jobs":       &c.Jobs,
		"ai":         &c.AI,
		"bot":        &c.Bot,
		"channels":   &c.Channels,
	}
}

// decodeRawConfig decodes doc over Default one section at a time so that
// errors name the offending key. Unknown keys are rejected.
func decodeRawConfig(doc map[string]any) (*Config, error) {
	cfg := Default()
	targets := cfg.sections()

	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		target, ok := targets[key]
		if !ok {
			return nil, fmt.Errorf("unknown config key %q", key)
		}
		if doc[key] == nil {
			// An empty section keeps its defaults.
			continue
		}
		if err := decodeSection(doc[key], target); err != nil {
			return nil, fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return cfg, nil
}

func decodeSection(value, target any) error {
	payload, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	return dec.Decode(target)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ConfigSource describes the yaml runtime file behind the current process
// configuration.
type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

// runtimeFile holds the flattened yaml values. It is loaded once per
// process; the environment always wins over it.
var runtimeFile struct {
	once   sync.Once
	err    error
	values map[string]string
	source ConfigSource
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return runtimeFile.source, nil
}

// ensureRuntimeConfigLoaded reads CONFIG_FILE, or config/config-<phase>.yaml
// with CONFIG_PHASE defaulting to local. Only an explicit CONFIG_FILE must
// exist.
func ensureRuntimeConfigLoaded() error {
	runtimeFile.once.Do(func() {
		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeFile.source.Phase = phase
		runtimeFile.values = map[string]string{}

		path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicit := path != ""
		if !explicit {
			path = filepath.Join("config", "config-"+phase+".yaml")
		}

		values, err := readConfigFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && !explicit:
			return
		case err != nil:
			runtimeFile.err = err
			return
		}
		runtimeFile.values = values
		runtimeFile.source.Loaded = true
		runtimeFile.source.Path = path
		if abs, err := filepath.Abs(path); err == nil {
			runtimeFile.source.Path = abs
		}
	})
	return runtimeFile.err
}

// readConfigFile flattens nested yaml into env-style keys, so
// api_server.listen_addr becomes API_SERVER_LISTEN_ADDR. Lists are joined
// with commas.
func readConfigFile(path string) (map[string]string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	out := make(map[string]string)
	if len(root.Content) == 0 {
		return out, nil
	}
	if err := flattenNode("", root.Content[0], out); err != nil {
		return nil, fmt.Errorf("flatten config file %q: %w", path, err)
	}
	return out, nil
}

func flattenNode(prefix string, node *yaml.Node, out map[string]string) error {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			segment := normalizeKeySegment(node.Content[i].Value)
			if segment == "" {
				continue
			}
			key := segment
			if prefix != "" {
				key = prefix + "_" + segment
			}
			if err := flattenNode(key, node.Content[i+1], out); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("unsupported list item under %q: only scalars are allowed", prefix)
			}
			if value := strings.TrimSpace(item.Value); value != "" {
				items = append(items, value)
			}
		}
		out[prefix] = strings.Join(items, ",")
	case yaml.ScalarNode:
		if prefix == "" || node.Tag == "!!null" {
			return nil
		}
		out[prefix] = node.Value
	case yaml.AliasNode:
		return flattenNode(prefix, node.Alias, out)
	}
	return nil
}

// normalizeKeySegment upper-cases a yaml key and collapses every run of
// other characters into one underscore.
func normalizeKeySegment(raw string) string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.ToUpper(strings.Join(fields, "_"))
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if ensureRuntimeConfigLoaded() != nil {
		return ""
	}
	return strings.TrimSpace(runtimeFile.values[key])
}

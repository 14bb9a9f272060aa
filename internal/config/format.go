package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Format is the on-disk encoding of a config file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat uses the file extension; without a known one, content that
// does not open with '{' is treated as YAML.
func DetectFormat(name string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] != '{' {
		return FormatYAML
	}
	return FormatJSON
}

// toJSON re-encodes YAML as JSON so both formats share the strict decoder.
// A YAML stream must hold exactly one document.
func toJSON(format Format, data []byte) ([]byte, error) {
	if format != FormatYAML {
		return data, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errTrailingData
		}
		return nil, err
	}

	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("re-encode as json: %w", err)
	}
	return out, nil
}

// stringKeys rewrites non-string mapping keys (e.g. numeric YAML keys in
// job headers) so the tree can be marshaled as JSON.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
		return x
	}
	return v
}

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/apple/pkl-go/pkl"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration at path, applies defaults and environment
// overrides and validates the result. The format follows the extension.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg, err := Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load without validation.
func Parse(ctx context.Context, path string) (*Config, error) {
	raw, err := toJSON(ctx, path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// toJSON converts the file at path into JSON so every format is decoded
// against the same field names.
func toJSON(ctx context.Context, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".pkl" {
		return evalPkl(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var doc map[string]any
	switch ext {
	case ".json":
		return data, nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalid, ext)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

// evalPkl evaluates a Pkl module to JSON. A PklProject next to the file
// makes its dependencies resolvable.
func evalPkl(ctx context.Context, path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)

	jsonOutput := func(o *pkl.EvaluatorOptions) { o.OutputFormat = "json" }

	var evaluator pkl.Evaluator
	if _, err := os.Stat(filepath.Join(dir, "PklProject")); err == nil {
		u, err := url.Parse("file://" + dir + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
		}
		evaluator, err = pkl.NewProjectEvaluator(ctx, u, pkl.PreconfiguredOptions, jsonOutput)
		if err != nil {
			return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
		}
	} else {
		evaluator, err = pkl.NewEvaluator(ctx, pkl.PreconfiguredOptions, jsonOutput)
		if err != nil {
			return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
		}
	}
	defer evaluator.Close()

	out, err := evaluator.EvaluateOutputText(ctx, pkl.FileSource(abs))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}
	return []byte(out), nil
}

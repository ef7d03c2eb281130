package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sources lists where the policy may come from, in priority order: the
// environment variable, then the YAML file, then the JSON file.
type Sources struct {
	EnvVar   string
	YAMLFile string
	JSONFile string
}

// DefaultSources mirrors the gateway layout under the data directory.
func DefaultSources(dataDir string) Sources {
	return Sources{
		EnvVar:   "GATEWAY_CONFIG",
		YAMLFile: dataDir + "/gateway.yaml",
		JSONFile: dataDir + "/gateway.json",
	}
}

// Parse decodes a YAML or JSON policy on top of the defaults and validates it.
func Parse(data []byte) (*Document, error) {
	doc := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalid)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc.Users == nil {
		doc.Users = map[string]User{}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadFile reads and parses the policy at path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Load returns the policy from the first available source and a label of
// the source it came from.
func Load(src Sources) (doc *Document, origin string, err error) {
	if src.EnvVar != "" {
		if text, ok := os.LookupEnv(src.EnvVar); ok {
			origin = "environment variable " + src.EnvVar
			doc, err = Parse([]byte(text))
			if err != nil {
				return nil, origin, fmt.Errorf("%s: %w", origin, err)
			}
			return doc, origin, nil
		}
	}
	for _, path := range []string{src.YAMLFile, src.JSONFile} {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		doc, err = LoadFile(path)
		return doc, "file " + path, err
	}
	return nil, "", fmt.Errorf("%w: define %s, %s or %s", ErrNotFound, src.EnvVar, src.YAMLFile, src.JSONFile)
}

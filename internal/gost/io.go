package gost

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument marks a target document that cannot be reconciled.
var ErrInvalidDocument = errors.New("gost: invalid document")

// Decode parses a gost YAML document and validates it.
func Decode(data []byte) (*Document, error) {
	doc := &Document{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Encode renders the document as YAML with two-space indentation.
func Encode(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("gost: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("gost: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads the document at path. A missing file yields an empty document
// and found=false.
func Load(path string) (doc *Document, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("gost: read %s: %w", path, err)
	}
	doc, err = Decode(data)
	if err != nil {
		return nil, true, fmt.Errorf("gost: load %s: %w", path, err)
	}
	return doc, true, nil
}

// Save writes the document through a temporary file in the same directory
// and renames it over path, so readers never observe a partial file.
func Save(path string, doc *Document) error {
	data, err := Encode(doc)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic replaces path with data via temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpName, err)
	}
	return nil
}

// Fingerprint returns the xxh3 digest of the encoded document in hex.
func Fingerprint(doc *Document) (string, error) {
	data, err := Encode(doc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxh3.Hash(data)), nil
}

// Validate checks the uniqueness invariants the reconcilers rely on.
func (d *Document) Validate() error {
	var errs []string

	serviceNames := make(map[string]struct{}, len(d.Services))
	serviceAddrs := make(map[string]struct{}, len(d.Services))
	for i, s := range d.Services {
		if s == nil {
			errs = append(errs, fmt.Sprintf("services[%d]: empty entry", i))
			continue
		}
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("services[%d]: missing name", i))
		} else if _, dup := serviceNames[s.Name]; dup {
			errs = append(errs, fmt.Sprintf("services[%d]: duplicate name %q", i, s.Name))
		}
		serviceNames[s.Name] = struct{}{}
		if s.Addr == "" {
			errs = append(errs, fmt.Sprintf("services[%d]: missing addr", i))
		} else if _, dup := serviceAddrs[s.Addr]; dup {
			errs = append(errs, fmt.Sprintf("services[%d]: duplicate addr %q", i, s.Addr))
		}
		serviceAddrs[s.Addr] = struct{}{}
	}

	chainNames := make(map[string]struct{}, len(d.Chains))
	for i, c := range d.Chains {
		if c == nil {
			errs = append(errs, fmt.Sprintf("chains[%d]: empty entry", i))
			continue
		}
		if _, dup := chainNames[c.Name]; dup {
			errs = append(errs, fmt.Sprintf("chains[%d]: duplicate name %q", i, c.Name))
		}
		chainNames[c.Name] = struct{}{}
		for j, h := range c.Hops {
			if h == nil {
				errs = append(errs, fmt.Sprintf("chains[%d].hops[%d]: empty entry", i, j))
				continue
			}
			for k, n := range h.Nodes {
				if n == nil {
					errs = append(errs, fmt.Sprintf("chains[%d].hops[%d].nodes[%d]: empty entry", i, j, k))
				}
			}
		}
	}

	autherNames := make(map[string]struct{}, len(d.Authers))
	for i, a := range d.Authers {
		if a == nil {
			errs = append(errs, fmt.Sprintf("authers[%d]: empty entry", i))
			continue
		}
		if _, dup := autherNames[a.Name]; dup {
			errs = append(errs, fmt.Sprintf("authers[%d]: duplicate name %q", i, a.Name))
		}
		autherNames[a.Name] = struct{}{}
		for j, u := range a.Auths {
			if u == nil {
				errs = append(errs, fmt.Sprintf("authers[%d].auths[%d]: empty entry", i, j))
			}
		}
	}

	bypassNames := make(map[string]struct{}, len(d.Bypasses))
	for i, b := range d.Bypasses {
		if b == nil {
			errs = append(errs, fmt.Sprintf("bypasses[%d]: empty entry", i))
			continue
		}
		if _, dup := bypassNames[b.Name]; dup {
			errs = append(errs, fmt.Sprintf("bypasses[%d]: duplicate name %q", i, b.Name))
		}
		bypassNames[b.Name] = struct{}{}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  %s", ErrInvalidDocument, strings.Join(errs, "\n  "))
	}
	return nil
}

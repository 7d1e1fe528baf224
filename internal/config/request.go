package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/debstage/debstage/internal/aptrepo"
	"github.com/debstage/debstage/internal/config/validate"
	"github.com/debstage/debstage/internal/deb"
	"github.com/debstage/debstage/internal/resolver"
)

// requestSchema is the contract every request file must satisfy before any
// other component interprets it.
const requestSchema = `{
  "type": "object",
  "required": ["packages", "sources"],
  "additionalProperties": false,
  "properties": {
    "packages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "version": {"type": "string"},
          "force": {"type": "boolean"}
        }
      }
    },
    "sources": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["url", "suite", "component", "keys"],
        "additionalProperties": false,
        "properties": {
          "url": {"type": "string", "minLength": 1},
          "suite": {"type": "string", "minLength": 1},
          "component": {"type": "string", "minLength": 1},
          "architecture": {"type": "string"},
          "keys": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

// PackageEntry is one requested package in a request file.
type PackageEntry struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Force   bool   `yaml:"force"`
}

// SourceEntry is one signed repository in a request file. Keys name files
// holding armored OpenPGP public keys.
type SourceEntry struct {
	URL          string   `yaml:"url"`
	Suite        string   `yaml:"suite"`
	Component    string   `yaml:"component"`
	Architecture string   `yaml:"architecture"`
	Keys         []string `yaml:"keys"`
}

// Request is a parsed and schema-validated request file. Package and source
// order are preserved as written.
type Request struct {
	Packages []PackageEntry `yaml:"packages"`
	Sources  []SourceEntry  `yaml:"sources"`

	// dir of the request file; relative key paths resolve against it
	baseDir string
}

// LoadRequest reads, schema-validates and parses a request file.
func LoadRequest(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request file %s: %w", path, err)
	}
	return ParseRequest(data, filepath.Dir(path))
}

// ParseRequest validates and parses request file content. baseDir anchors
// relative key paths.
func ParseRequest(data []byte, baseDir string) (*Request, error) {
	var document interface{}
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("parsing request file: %w", err)
	}
	if err := validate.ValidateValue("request", []byte(requestSchema), document); err != nil {
		return nil, err
	}

	var request Request
	if err := yaml.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("parsing request file: %w", err)
	}
	request.baseDir = baseDir
	return &request, nil
}

// ResolverRequests converts the package entries, parsing version
// constraints (`>= 7.68.0`, or a bare version meaning an exact pin).
func (r *Request) ResolverRequests() ([]resolver.Request, error) {
	requests := make([]resolver.Request, 0, len(r.Packages))
	for _, entry := range r.Packages {
		constraint, err := deb.ParseConstraint(entry.Version)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", entry.Name, err)
		}
		requests = append(requests, resolver.Request{
			Name:       entry.Name,
			Constraint: constraint,
			Force:      entry.Force,
		})
	}
	return requests, nil
}

// RepositorySources converts the source entries, reading each trusted key
// file. A source without an architecture inherits the global one.
func (r *Request) RepositorySources(defaultArchitecture string) ([]aptrepo.Source, error) {
	sources := make([]aptrepo.Source, 0, len(r.Sources))
	for _, entry := range r.Sources {
		architecture := entry.Architecture
		if architecture == "" {
			architecture = defaultArchitecture
		}

		keys := make([]string, 0, len(entry.Keys))
		for _, keyPath := range entry.Keys {
			if !filepath.IsAbs(keyPath) {
				keyPath = filepath.Join(r.baseDir, keyPath)
			}
			key, err := os.ReadFile(keyPath)
			if err != nil {
				return nil, fmt.Errorf("reading trusted key %s: %w", keyPath, err)
			}
			keys = append(keys, string(key))
		}

		sources = append(sources, aptrepo.Source{
			BaseURL:      entry.URL,
			Suite:        entry.Suite,
			Component:    entry.Component,
			Architecture: architecture,
			TrustedKeys:  keys,
		})
	}
	return sources, nil
}

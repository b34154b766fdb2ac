package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceEntry is one monitored service in the catalog file.
type ServiceEntry struct {
	Name        string `yaml:"name"`
	Layer       string `yaml:"layer"`
	Description string `yaml:"description,omitempty"`
}

// Catalog lists the monitored services known ahead of time, with their
// layer tags. Services not in the catalog can still register at runtime.
type Catalog struct {
	Services []ServiceEntry `yaml:"services"`

	byName map[string]ServiceEntry
}

// LoadCatalog reads a YAML service catalog. An empty path yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse services file: %w", err)
		}
	}

	c.byName = make(map[string]ServiceEntry, len(c.Services))
	for i, s := range c.Services {
		s.Name = strings.TrimSpace(s.Name)
		s.Layer = strings.TrimSpace(s.Layer)
		if s.Name == "" {
			return nil, fmt.Errorf("services[%d]: name is required", i)
		}
		if s.Layer == "" {
			return nil, fmt.Errorf("services[%d] %q: layer is required", i, s.Name)
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("services[%d]: duplicate service %q", i, s.Name)
		}
		c.Services[i] = s
		c.byName[s.Name] = s
	}
	return c, nil
}

// Layer returns the catalog layer of a service.
func (c *Catalog) Layer(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	s, ok := c.byName[name]
	return s.Layer, ok
}

// Package catalog is the read-only content lookup table: scenes, director
// styles and rating tags, referenced by the game only through their ids.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Scene struct {
	ID       string `yaml:"id" json:"id"`
	Title    string `yaml:"title" json:"title"`
	Subtitle string `yaml:"subtitle" json:"subtitle"`
}

type Style struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

type Tag struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
}

type Catalog struct {
	Scenes []Scene `yaml:"scenes" json:"scenes"`
	Styles []Style `yaml:"styles" json:"styles"`
	Tags   []Tag   `yaml:"tags" json:"tags"`

	scenes map[string]struct{}
	styles map[string]struct{}
	tags   map[string]struct{}
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog YAML file from disk.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document. Ids must be non-empty and
// unique within their section; every section needs at least one entry.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	var err error
	if c.scenes, err = index("scene", len(c.Scenes), func(i int) string { return c.Scenes[i].ID }); err != nil {
		return nil, err
	}
	if c.styles, err = index("style", len(c.Styles), func(i int) string { return c.Styles[i].ID }); err != nil {
		return nil, err
	}
	if c.tags, err = index("tag", len(c.Tags), func(i int) string { return c.Tags[i].ID }); err != nil {
		return nil, err
	}
	return &c, nil
}

func index(kind string, n int, id func(int) string) (map[string]struct{}, error) {
	if n == 0 {
		return nil, fmt.Errorf("catalog has no %ss", kind)
	}
	m := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		k := id(i)
		if k == "" {
			return nil, fmt.Errorf("%s #%d has no id", kind, i)
		}
		if _, dup := m[k]; dup {
			return nil, fmt.Errorf("duplicate %s id %q", kind, k)
		}
		m[k] = struct{}{}
	}
	return m, nil
}

func (c *Catalog) HasScene(id string) bool {
	_, ok := c.scenes[id]
	return ok
}

func (c *Catalog) HasStyle(id string) bool {
	_, ok := c.styles[id]
	return ok
}

func (c *Catalog) HasTag(id string) bool {
	_, ok := c.tags[id]
	return ok
}

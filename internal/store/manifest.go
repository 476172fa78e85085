package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// manifestFile sits next to the veclite database and records the schema of
// each collection, since veclite does not expose it after reopening.
const manifestFile = "collections.yaml"

type collectionMeta struct {
	Dimension int       `yaml:"dimension"`
	Metric    string    `yaml:"metric"`
	CreatedAt time.Time `yaml:"created_at"`
}

type manifest struct {
	path        string
	Collections map[string]collectionMeta `yaml:"collections"`
}

func loadManifest(dir string) (*manifest, error) {
	m := &manifest{
		path:        filepath.Join(dir, manifestFile),
		Collections: make(map[string]collectionMeta),
	}

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, err
	}
	if m.Collections == nil {
		m.Collections = make(map[string]collectionMeta)
	}
	return m, nil
}

func (m *manifest) save() error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

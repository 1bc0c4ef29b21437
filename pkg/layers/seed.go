package layers

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedEntry struct {
	CellID string `yaml:"cell_id"`
	Layer  string `yaml:"layer"`
}

type seedFile struct {
	Cells []seedEntry `yaml:"cells"`
}

// LoadCells reads a cell layer seed file (YAML) and registers every cell.
func LoadCells(path string, reg *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("layers: read seed %s: %w", path, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("layers: parse seed %s: %w", path, err)
	}
	for _, c := range seed.Cells {
		layer, err := ParseLayer(c.Layer)
		if err != nil {
			return err
		}
		if err := reg.Register(c.CellID, layer); err != nil {
			return err
		}
	}
	return nil
}

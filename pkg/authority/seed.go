package authority

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads an authority seed file (YAML) and registers every rule,
// preserving file order. Overlapping ownership fails the whole load.
func LoadRules(path string, reg *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("authority: read seed %s: %w", path, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("authority: parse seed %s: %w", path, err)
	}
	for _, rule := range seed.Rules {
		if err := reg.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

package roles

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NewFileProvider loads a user -> role-names table from a YAML file into
// a StaticProvider.
//
//	alice: [group1, group2]
//	bob: []
func NewFileProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file %s: %w", path, err)
	}
	var memberships map[string][]string
	if err := yaml.Unmarshal(data, &memberships); err != nil {
		return nil, fmt.Errorf("failed to parse roles file %s: %w", path, err)
	}
	return NewStaticProvider(memberships), nil
}

package providers

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/warden/pkg/authz"
)

// FileInventoryLoader reads one resource type's inventory from a YAML
// file. It stands in for a remote registry client in deployments and
// tests that have no system-of-record to call.
//
//	- name: prod
//	  permissions:
//	    READ: [ops]
//	- name: deploy-bot
//	  memberOf: [deployers]
type FileInventoryLoader struct {
	path         string
	resourceType authz.ResourceType
}

type fileInventoryEntry struct {
	Name        string              `yaml:"name"`
	Permissions map[string][]string `yaml:"permissions"`
	MemberOf    []string            `yaml:"memberOf"`
}

// NewFileInventoryLoader builds a loader for one resource type.
func NewFileInventoryLoader(path string, rt authz.ResourceType) *FileInventoryLoader {
	return &FileInventoryLoader{path: path, resourceType: rt}
}

// Load implements ResourceLoader by re-reading the file.
func (l *FileInventoryLoader) Load(_ context.Context) ([]authz.Resource, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", l.path, err)
	}
	var entries []fileInventoryEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", l.path, err)
	}

	out := make([]authz.Resource, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		permissions, err := parsePermissionMap(entry.Permissions)
		if err != nil {
			return nil, err
		}
		switch l.resourceType {
		case authz.ResourceTypeAccount:
			out = append(out, &authz.Account{Name: entry.Name, Permissions: permissions})
		case authz.ResourceTypeApplication:
			out = append(out, &authz.Application{Name: entry.Name, Permissions: permissions})
		case authz.ResourceTypeBuildService:
			out = append(out, &authz.BuildService{Name: entry.Name, Permissions: permissions})
		case authz.ResourceTypeServiceAccount:
			out = append(out, &authz.ServiceAccount{Name: entry.Name, MemberOf: entry.MemberOf})
		default:
			return nil, &authz.InvalidArgumentError{
				Message: fmt.Sprintf("file inventories do not support resource type %q", l.resourceType),
			}
		}
	}
	return out, nil
}

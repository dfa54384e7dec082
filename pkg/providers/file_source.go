package providers

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/warden/pkg/authz"
)

// FileSource loads per-resource permission rules from a YAML file keyed
// by resource type. Entries whose name ends with "*" become prefix rules.
// The file can be watched for changes and is reloaded atomically.
//
//	applications:
//	  - name: "unicorn*"
//	    permissions:
//	      WRITE: [unicorn_team]
//	accounts:
//	  - name: prod
//	    permissions:
//	      READ: [ops]
type FileSource struct {
	path string
	log  *logrus.Entry

	mu     sync.RWMutex
	byType map[authz.ResourceType][]ResourcePermissionSource
}

type fileSourceEntry struct {
	Name        string              `yaml:"name"`
	Permissions map[string][]string `yaml:"permissions"`
}

// NewFileSource loads the file once. A missing file is an error; an
// empty file yields no rules.
func NewFileSource(path string) (*FileSource, error) {
	f := &FileSource{
		path:   path,
		log:    logrus.WithField("permission_source", path),
		byType: make(map[authz.ResourceType][]ResourcePermissionSource),
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileSource) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read permission source %s: %w", f.path, err)
	}

	var raw map[string][]fileSourceEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse permission source %s: %w", f.path, err)
	}

	byType := make(map[authz.ResourceType][]ResourcePermissionSource, len(raw))
	for typeName, entries := range raw {
		rt, err := authz.ParseResourceType(typeName)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			permissions, err := parsePermissionMap(entry.Permissions)
			if err != nil {
				return err
			}
			if len(entry.Name) > 0 && entry.Name[len(entry.Name)-1] == '*' {
				source, err := NewPrefixPermissionSource(entry.Name, permissions)
				if err != nil {
					return err
				}
				byType[rt] = append(byType[rt], source)
			} else {
				byType[rt] = append(byType[rt], NewStaticPermissionSource(entry.Name, permissions))
			}
		}
	}

	f.mu.Lock()
	f.byType = byType
	f.mu.Unlock()
	return nil
}

func parsePermissionMap(raw map[string][]string) (authz.Permissions, error) {
	b := authz.NewPermissionsBuilder()
	for key, groups := range raw {
		a, err := authz.ParseAuthorization(key)
		if err != nil {
			return authz.Permissions{}, err
		}
		b.Add(a, groups...)
	}
	return b.Build(), nil
}

// SourceFor returns the live view of the rules for one resource type.
// The returned source reflects reloads.
func (f *FileSource) SourceFor(rt authz.ResourceType) ResourcePermissionSource {
	return &fileTypeSource{file: f, rt: rt}
}

type fileTypeSource struct {
	file *FileSource
	rt   authz.ResourceType
}

func (s *fileTypeSource) PermissionsFor(r authz.AccessControlled) authz.Permissions {
	s.file.mu.RLock()
	sources := s.file.byType[s.rt]
	s.file.mu.RUnlock()

	contributions := make([]authz.Permissions, 0, len(sources))
	for _, src := range sources {
		contributions = append(contributions, src.PermissionsFor(r))
	}
	return authz.MergePermissions(contributions...)
}

// Watch reloads the file whenever it changes, until the context ends.
// A failed reload keeps the previous rules.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := f.reload(); err != nil {
					f.log.WithError(err).Warn("permission source reload failed, keeping previous rules")
					continue
				}
				f.log.Info("permission source reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.WithError(err).Warn("permission source watcher error")
			}
		}
	}()
	return nil
}

package composer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/pkg/models"
)

// Discoverer produces agent descriptors from one source.
type Discoverer interface {
	Name() string
	Discover(ctx context.Context) ([]models.AgentDescriptor, error)
}

// Watcher is implemented by discoverers that can signal changes.
type Watcher interface {
	// Watch blocks until ctx is done, calling onChange after each change
	// of the underlying source.
	Watch(ctx context.Context, onChange func()) error
}

// StaticDiscoverer returns a fixed list.
type StaticDiscoverer struct {
	name  string
	descs []models.AgentDescriptor
}

// NewStaticDiscoverer returns a discoverer over descs.
func NewStaticDiscoverer(name string, descs ...models.AgentDescriptor) *StaticDiscoverer {
	out := make([]models.AgentDescriptor, len(descs))
	for i, d := range descs {
		out[i] = d.Clone()
	}
	return &StaticDiscoverer{name: name, descs: out}
}

func (s *StaticDiscoverer) Name() string { return s.name }

func (s *StaticDiscoverer) Discover(context.Context) ([]models.AgentDescriptor, error) {
	out := make([]models.AgentDescriptor, len(s.descs))
	for i, d := range s.descs {
		out[i] = d.Clone()
		out[i].Source = s.name
	}
	return out, nil
}

// RegistryDiscoverer reports the descriptors declared in a registry.
type RegistryDiscoverer struct {
	reg *agent.Registry
}

// NewRegistryDiscoverer returns a discoverer over reg.
func NewRegistryDiscoverer(reg *agent.Registry) *RegistryDiscoverer {
	return &RegistryDiscoverer{reg: reg}
}

func (r *RegistryDiscoverer) Name() string { return "registry" }

func (r *RegistryDiscoverer) Discover(context.Context) ([]models.AgentDescriptor, error) {
	descs := r.reg.Descriptors()
	for i := range descs {
		descs[i].Source = r.Name()
	}
	return descs, nil
}

// manifest is the file format read by ManifestDiscoverer. A file holds
// either an "agents" list or a single descriptor at the top level.
type manifest struct {
	Agents []models.AgentDescriptor `yaml:"agents"`
}

// ManifestDiscoverer reads *.yaml and *.yml manifests from a directory.
type ManifestDiscoverer struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// NewManifestDiscoverer returns a discoverer over dir.
func NewManifestDiscoverer(dir string, logger *slog.Logger) *ManifestDiscoverer {
	return &ManifestDiscoverer{dir: dir, debounce: 200 * time.Millisecond, logger: logging.OrNop(logger)}
}

func (m *ManifestDiscoverer) Name() string { return "manifest:" + m.dir }

func isManifest(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (m *ManifestDiscoverer) Discover(ctx context.Context) ([]models.AgentDescriptor, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir %s: %w", m.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isManifest(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []models.AgentDescriptor
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(m.dir, name)
		descs, err := readManifest(path)
		if err != nil {
			return nil, err
		}
		for i := range descs {
			descs[i].Source = path
		}
		out = append(out, descs...)
	}
	return out, nil
}

func readManifest(path string) ([]models.AgentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var mf manifest
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(mf.Agents) == 0 {
		var single models.AgentDescriptor
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		mf.Agents = []models.AgentDescriptor{single}
	}
	for i, d := range mf.Agents {
		if d.ID == "" || d.Kind == "" {
			return nil, fmt.Errorf("manifest %s: agent %d needs id and kind", path, i)
		}
	}
	return mf.Agents, nil
}

// Watch calls onChange, debounced, whenever a manifest in the directory is
// created, written, removed or renamed.
func (m *ManifestDiscoverer) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	defer watcher.Close()
	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	const relevant = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isManifest(event.Name) || event.Op&relevant == 0 {
				continue
			}
			m.logger.Debug("manifest changed", "path", event.Name, "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.debounce, onChange)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("manifest watcher error", "dir", m.dir, "error", werr)
		}
	}
}

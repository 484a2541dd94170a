package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/capflow/config"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Snapshot is the full set of capability and connection definitions at one point in time.
type Snapshot struct {
	Capabilities []*types.Definition `json:"capabilities" yaml:"capabilities"`
	Connections  []*types.Connection `json:"connections" yaml:"connections"`
}

// Loader produces a Snapshot from some backing source.
type Loader interface {
	Load(ctx context.Context) (Snapshot, error)
}

// =============================================================================
// 📚 Library
// =============================================================================

// Library holds the enabled definitions and connections. The whole snapshot is
// swapped atomically by Replace; readers never see a partial update.
type Library struct {
	mu          sync.RWMutex
	enabled     []*types.Definition
	byName      map[string]*types.Definition
	connections []*types.Connection
	logger      *zap.Logger
}

// NewLibrary creates a library from snap.
func NewLibrary(snap Snapshot, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{logger: logger.With(zap.String("component", "library"))}
	l.Replace(snap)
	return l
}

// Replace swaps in a new snapshot. Disabled definitions are dropped; for duplicate
// names the later definition wins.
func (l *Library) Replace(snap Snapshot) {
	byName := make(map[string]*types.Definition, len(snap.Capabilities))
	enabled := make([]*types.Definition, 0, len(snap.Capabilities))
	for _, def := range snap.Capabilities {
		if def == nil || !def.Enabled {
			continue
		}
		if !def.Kind.Valid() {
			l.logger.Warn("capability has unknown kind", zap.String("name", def.Name), zap.String("kind", string(def.Kind)))
		}
		key := strings.ToLower(def.Name)
		if prev, dup := byName[key]; dup {
			l.logger.Warn("duplicate capability name, later definition wins", zap.String("name", def.Name))
			for i, d := range enabled {
				if d == prev {
					enabled = append(enabled[:i], enabled[i+1:]...)
					break
				}
			}
		}
		byName[key] = def
		enabled = append(enabled, def)
	}
	conns := make([]*types.Connection, 0, len(snap.Connections))
	for _, c := range snap.Connections {
		if c != nil {
			conns = append(conns, c)
		}
	}

	l.mu.Lock()
	l.enabled = enabled
	l.byName = byName
	l.connections = conns
	l.mu.Unlock()

	l.logger.Info("capability library loaded",
		zap.Int("capabilities", len(enabled)),
		zap.Int("connections", len(conns)))
}

// Find returns the enabled definition with the given name (case-insensitive).
func (l *Library) Find(name string) (*types.Definition, error) {
	l.mu.RLock()
	def, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	l.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrCapabilityNotFound, fmt.Sprintf("capability %q not found", name))
	}
	return def, nil
}

// Enabled returns every enabled definition in load order.
func (l *Library) Enabled() []*types.Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*types.Definition(nil), l.enabled...)
}

// Connections implements connection.Source.
func (l *Library) Connections() []*types.Connection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*types.Connection(nil), l.connections...)
}

// Reload loads a fresh snapshot from loader and replaces the current one.
// On error the current snapshot is kept.
func (l *Library) Reload(ctx context.Context, loader Loader) error {
	snap, err := loader.Load(ctx)
	if err != nil {
		l.logger.Error("capability library reload failed", zap.Error(err))
		return err
	}
	l.Replace(snap)
	return nil
}

// Watch reloads the library from loader whenever path changes. The returned
// watcher is already started; stop it to end watching.
func (l *Library) Watch(ctx context.Context, loader Loader, path string, interval time.Duration) (*config.FileWatcher, error) {
	w, err := config.NewFileWatcher([]string{path},
		config.WithPollInterval(interval),
		config.WithWatcherLogger(l.logger),
	)
	if err != nil {
		return nil, err
	}
	w.OnChange(func(evt config.FileEvent) {
		if evt.Op == config.FileOpRemove {
			l.logger.Warn("capability library file removed, keeping current definitions", zap.String("path", evt.Path))
			return
		}
		_ = l.Reload(ctx, loader)
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// =============================================================================
// 📄 FileLoader
// =============================================================================

// FileLoader reads a Snapshot from a YAML or JSON file (chosen by extension).
type FileLoader struct {
	Path string
}

// Load implements Loader.
func (f FileLoader) Load(_ context.Context) (Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read capability library: %w", err)
	}
	return ParseSnapshot(data, filepath.Ext(f.Path))
}

// ParseSnapshot decodes a library document. ".json" selects JSON, anything else YAML.
func ParseSnapshot(data []byte, ext string) (Snapshot, error) {
	var snap Snapshot
	var err error
	if strings.EqualFold(ext, ".json") {
		err = json.Unmarshal(data, &snap)
	} else {
		err = yaml.Unmarshal(data, &snap)
	}
	if err != nil {
		return Snapshot{}, types.NewConfigError("library", "invalid capability library document").WithCause(err)
	}
	return snap, nil
}

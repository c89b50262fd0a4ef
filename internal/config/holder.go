package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/DomeGo/internal/debug"
)

// Holder publishes the current configuration snapshot. Readers always see a
// complete *Config; writers replace it, never mutate it.
type Holder struct {
	cur atomic.Pointer[Config]
}

// NewHolder creates a holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.cur.Store(cfg)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Config {
	return h.cur.Load()
}

// Store publishes a new snapshot.
func (h *Holder) Store(cfg *Config) {
	h.cur.Store(cfg)
}

const watchDebounce = 200 * time.Millisecond

// Watch reloads path into h whenever the file changes, until ctx is done.
// A document that fails to load leaves the current snapshot in place; onReload
// (optional) is told about every attempt.
func Watch(ctx context.Context, path string, h *Holder, onReload func(*Config, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and SaveGeometry replace the file by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)
	debug.Info("Watching config file %s", target)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer.Reset(watchDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			debug.Warn("config watcher: %v", err)

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				debug.Warn("config reload rejected, keeping current snapshot: %v", err)
			} else {
				h.Store(cfg)
				debug.Info("Config reloaded from %s", target)
			}
			if onReload != nil {
				onReload(cfg, err)
			}
		}
	}
}

// SaveGeometry writes calibrated mount offsets into the YAML document at path,
// leaving every other key (and its comments) as it was.
func SaveGeometry(path string, offsetEast, offsetNorth, pierHeight float64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal yaml: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config document is not a mapping")
	}

	mount := mappingChild(doc.Content[0], "mount")
	setScalar(mount, "offset_east", offsetEast)
	setScalar(mount, "offset_north", offsetNorth)
	setScalar(mount, "pier_height", pierHeight)

	var out bytes.Buffer
	enc := yaml.NewEncoder(&out)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".domego-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}

// mappingChild returns the mapping stored under key, creating it if needed.
func mappingChild(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			if v.Kind != yaml.MappingNode {
				*v = yaml.Node{Kind: yaml.MappingNode}
			}
			return v
		}
	}
	v := &yaml.Node{Kind: yaml.MappingNode}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, v)
	return v
}

func setScalar(m *yaml.Node, key string, value float64) {
	s := strconv.FormatFloat(value, 'f', 4, 64)
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			v.Kind, v.Tag, v.Value, v.Style = yaml.ScalarNode, "", s, 0
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Value: s},
	)
}

package quirks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type fileRules struct {
	Rules []fileRule `toml:"rule"`
}

type fileRule struct {
	Name      string            `toml:"name"`
	VolumeMax int               `toml:"volume_max"`
	Match     map[string]string `toml:"match"`
}

// LoadFile reads extra rules from a TOML file. A value wrapped in slashes is
// a regular expression, anything else matches exactly.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

func ParseRules(data []byte) ([]Rule, error) {
	var parsed fileRules
	if _, err := toml.Decode(string(data), &parsed); err != nil {
		return nil, fmt.Errorf("decode quirks: %w", err)
	}
	rules := make([]Rule, 0, len(parsed.Rules))
	for i, fr := range parsed.Rules {
		name := fr.Name
		if name == "" {
			name = fmt.Sprintf("rule %d", i+1)
		}
		if len(fr.Match) == 0 {
			return nil, fmt.Errorf("quirk %q: match table is required", name)
		}
		criteria := Criteria{}
		for field, value := range fr.Match {
			if len(value) >= 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/") {
				m, err := Pattern(value[1 : len(value)-1])
				if err != nil {
					return nil, fmt.Errorf("quirk %q: %w", name, err)
				}
				criteria[field] = m
				continue
			}
			criteria[field] = Exact(value)
		}
		rule := Rule{Name: name, Criteria: criteria}
		if fr.VolumeMax < 0 {
			return nil, fmt.Errorf("quirk %q: volume_max must be positive", name)
		}
		if fr.VolumeMax > 0 {
			rule.Patches = append(rule.Patches, ScaleVolume(fr.VolumeMax))
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

const debounceDelay = 200 * time.Millisecond

// Watcher reloads a rule file into a registry when it changes. The builtin
// rules always come first.
type Watcher struct {
	log      *zap.Logger
	registry *Registry
	path     string
	builtin  []Rule
}

func NewWatcher(log *zap.Logger, registry *Registry, path string, builtin []Rule) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{log: log, registry: registry, path: filepath.Clean(path), builtin: builtin}
}

// Reload loads the file and swaps the registry rules. On error the current
// rules stay in place.
func (w *Watcher) Reload() error {
	extra, err := LoadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		extra = nil
	} else if err != nil {
		return err
	}
	rules := make([]Rule, 0, len(w.builtin)+len(extra))
	rules = append(rules, w.builtin...)
	rules = append(rules, extra...)
	w.registry.SetRules(rules)
	w.log.Info("quirks loaded", zap.String("file", w.path), zap.Int("rules", len(rules)))
	return nil
}

// Run watches the file until ctx is done. The parent directory is watched so
// that a file created later, or replaced by an editor, is still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch quirks directory %s: %w", dir, err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.log.Debug("quirks file change", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceDelay)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.log.Warn("quirks reload failed", zap.String("file", w.path), zap.Error(err))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", zap.Error(err))
		}
	}
}

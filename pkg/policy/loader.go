package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ReloadDelay debounces bursts of file events before a reload.
const ReloadDelay = 500 * time.Millisecond

// Policy files are Rego modules, or JSON/YAML definitions embedding one.
var policyDecoders = map[string]func(path string, data []byte) (*Policy, error){
	".rego": decodeRego,
	".json": definitionDecoder(json.Unmarshal),
	".yaml": definitionDecoder(yaml.Unmarshal),
	".yml":  definitionDecoder(yaml.Unmarshal),
}

// Loader reads policy files from disk and watches them for changes.
type Loader struct {
	logger zerolog.Logger
	delay  time.Duration
}

// NewLoader returns a loader logging to logger.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		delay:  ReloadDelay,
	}
}

// Load reads the policies under paths, which are files or directories.
// Directories are walked recursively in lexical order and unreadable
// files inside them are skipped with a warning; a named file that cannot
// be read fails the load.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := readPolicy(path)
			if err != nil {
				return nil, err
			}
			out = append(out, *p)
			continue
		}

		files, err := policyFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		for _, f := range files {
			p, err := readPolicy(f)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", f).Msg("Skipping policy file")
				continue
			}
			out = append(out, *p)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

func policyFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func isPolicyFile(path string) bool {
	_, ok := policyDecoders[filepath.Ext(path)]
	return ok
}

func readPolicy(path string) (*Policy, error) {
	decode, ok := policyDecoders[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("%s: unsupported policy file type", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path
	return p, nil
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// decodeRego names the policy after its file and describes it with the
// module's leading comment block.
func decodeRego(path string, data []byte) (*Policy, error) {
	return &Policy{
		Name:        baseName(path),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
	}, nil
}

// definitionDecoder decodes a Policy document. Name defaults to the file
// name and severity to error.
func definitionDecoder(unmarshal func([]byte, interface{}) error) func(string, []byte) (*Policy, error) {
	return func(path string, data []byte) (*Policy, error) {
		p := Policy{Enabled: true}
		if err := unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid policy definition: %w", err)
		}
		if p.Rego == "" {
			return nil, fmt.Errorf("policy definition has no rego module")
		}
		if p.Name == "" {
			p.Name = baseName(path)
		}
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		return &p, nil
	}
}

// extractDescription joins the comment lines at the top of a Rego module.
func extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(parts) > 0 {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls reload with the full policy set of paths whenever a policy
// file below them changes. It returns once the watcher is set up and
// stops watching when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	for _, path := range paths {
		if err := addRecursive(w, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}
	go l.watch(ctx, w, paths, reload)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy files")
	return nil
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path == root {
			return w.Add(path)
		}
		return nil
	})
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer func() {
		debounce.Stop()
		_ = w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addRecursive(w, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("Cannot watch policy directory")
					}
					continue
				}
			}
			if ev.Op == fsnotify.Chmod || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			debounce.Reset(l.delay)

		case <-debounce.C:
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping the previous set")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// WatchPolicies loads the policy files under paths into e and keeps them
// in sync with the file system until ctx is done.
func WatchPolicies(ctx context.Context, e *Engine, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

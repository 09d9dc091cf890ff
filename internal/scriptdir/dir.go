// internal/scriptdir/dir.go
package scriptdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/engine"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

// Suffix marks userscript files.
const Suffix = ".user.js"

// Installer receives scripts read from the directory.
type Installer interface {
	Install(source string) (*userscript.Descriptor, engine.InstallAction, error)
	Reload(source string) (*userscript.Descriptor, engine.InstallAction, error)
	Uninstall(id string) error
}

// Dir keeps the registry in step with the userscript files of one directory.
type Dir struct {
	path      string
	installer Installer
	logger    *zap.Logger

	mu    sync.Mutex
	files map[string]string // file path -> script id
}

// New creates a loader for path. A leading ~ is expected to be expanded by the
// caller.
func New(path string, installer Installer, logger *zap.Logger) *Dir {
	return &Dir{
		path:      path,
		installer: installer,
		logger:    logger.Named("scriptdir"),
		files:     make(map[string]string),
	}
}

// Path returns the watched directory.
func (d *Dir) Path() string { return d.path }

// Load installs every userscript in the directory in file name order. Files that
// fail to parse are logged and skipped. It returns the number of scripts loaded.
func (d *Dir) Load() (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, fmt.Errorf("read scripts dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isScript(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		if err := d.install(filepath.Join(d.path, name), false); err != nil {
			d.logger.Warn("Skipping userscript", zap.String("file", name), zap.Error(err))
			continue
		}
		loaded++
	}
	d.logger.Info("Userscripts loaded", zap.String("dir", d.path), zap.Int("count", loaded))
	return loaded, nil
}

// Files returns the loaded files and the ids they registered.
func (d *Dir) Files() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.files))
	for k, v := range d.files {
		out[k] = v
	}
	return out
}

func (d *Dir) install(path string, reload bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	install := d.installer.Install
	if reload {
		install = d.installer.Reload
	}
	script, action, err := install(string(raw))
	if err != nil {
		return err
	}

	d.mu.Lock()
	prev, known := d.files[path]
	d.files[path] = script.ID
	d.mu.Unlock()

	// The file was renamed in its header; drop the script it used to define.
	if known && prev != script.ID {
		d.uninstall(prev)
	}
	d.logger.Debug("Userscript file processed",
		zap.String("file", filepath.Base(path)),
		zap.String("script", script.Name),
		zap.String("action", string(action)))
	return nil
}

func (d *Dir) remove(path string) {
	d.mu.Lock()
	id, ok := d.files[path]
	delete(d.files, path)
	d.mu.Unlock()
	if ok {
		d.uninstall(id)
	}
}

// uninstall removes id unless another file still defines it.
func (d *Dir) uninstall(id string) {
	d.mu.Lock()
	for _, other := range d.files {
		if other == id {
			d.mu.Unlock()
			return
		}
	}
	d.mu.Unlock()

	if err := d.installer.Uninstall(id); err != nil {
		d.logger.Warn("Failed to remove script", zap.String("id", id), zap.Error(err))
		return
	}
	d.logger.Info("Userscript removed", zap.String("id", id))
}

func isScript(name string) bool {
	return strings.HasSuffix(name, Suffix) && !strings.HasPrefix(name, ".")
}

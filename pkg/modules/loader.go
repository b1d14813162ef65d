package modules

import (
	"fmt"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/handle"
)

// MainFunc is the module entry point. A module image must export it
// under the symbol name ModMain. A non-nil return indicates abnormal
// exit.
type MainFunc func(h *handle.Handle, args []string) error

// Image is a loaded module plugin
type Image struct {
	main       MainFunc
	legacyName string
}

// Main returns the resolved entry point
func (im *Image) Main() MainFunc {
	return im.main
}

// Close releases the image. Go plugins cannot be unloaded once
// opened, so for shared objects this is a no-op kept for symmetry
// with the acquisition path.
func (im *Image) Close() {}

var (
	builtinMu sync.Mutex
	builtins  = make(map[string]*Image)
)

// RegisterBuiltin installs a statically linked module under path so
// it can be loaded without a shared object on disk. The optional
// legacyName participates in the create-time name check exactly like
// a ModName symbol in a plugin image.
func RegisterBuiltin(path string, main MainFunc, legacyName string) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins[path] = &Image{main: main, legacyName: legacyName}
}

// UnregisterBuiltin removes a builtin registration
func UnregisterBuiltin(path string) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	delete(builtins, path)
}

// LoadImage resolves path to a module image: a builtin registration
// if one exists, otherwise a shared object opened with the plugin
// runtime. The entry point symbol is ModMain; an optional ModName
// string symbol carries the legacy module name.
func LoadImage(path string) (*Image, error) {
	builtinMu.Lock()
	im, ok := builtins[path]
	builtinMu.Unlock()
	if ok {
		return im, nil
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %v: %w", path, err, errnum.ErrNotFound)
	}
	sym, err := p.Lookup("ModMain")
	if err != nil {
		return nil, fmt.Errorf("%s does not define ModMain: %w", path, errnum.ErrInvalid)
	}
	main, ok := sym.(func(h *handle.Handle, args []string) error)
	if !ok {
		return nil, fmt.Errorf("%s ModMain has wrong signature: %w", path, errnum.ErrInvalid)
	}
	im = &Image{main: main}
	if sym, err := p.Lookup("ModName"); err == nil {
		if namep, ok := sym.(*string); ok && namep != nil {
			im.legacyName = *namep
		}
	}
	return im, nil
}

// NameFromPath derives the canonical module name from a plugin path:
// the basename cut at its first ".so" (so "kvs.so.1" yields "kvs").
func NameFromPath(path string) string {
	name := filepath.Base(path)
	if i := strings.Index(name, ".so"); i >= 0 {
		name = name[:i]
	}
	return name
}

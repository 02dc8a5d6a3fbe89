package vm

import (
	"os"
	"path/filepath"
	"sync"
)

// libResolver satisfies linker.DependencyResolver by searching a small set
// of conventional Android library directories under the configured base
// path — the same basePath the file system uses for guest path lookups,
// since a DT_NEEDED soname and a guest open() path name the same tree.
// overrides, if set via SetOverrides, are consulted first: the CLI's
// `--resolver-config` flag populates this from a declarative soname->path
// yaml file so a user can steer DT_NEEDED resolution without writing Go.
type libResolver struct {
	basePath string

	mu        sync.RWMutex
	overrides map[string]string
}

func newLibResolver(basePath string) *libResolver {
	return &libResolver{basePath: basePath}
}

var libSearchDirs = []string{
	"system/lib64",
	"vendor/lib64",
	"lib64",
	"lib",
	".",
}

// SetOverrides installs a soname->path map consulted before the
// conventional directory search.
func (r *libResolver) SetOverrides(m map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = m
}

// ResolveLibrary implements linker.DependencyResolver.
func (r *libResolver) ResolveLibrary(soname string) (string, bool) {
	r.mu.RLock()
	override, ok := r.overrides[soname]
	r.mu.RUnlock()
	if ok {
		return override, true
	}

	for _, dir := range libSearchDirs {
		candidate := filepath.Join(r.basePath, dir, soname)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

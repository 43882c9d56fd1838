package config

import (
	"path/filepath"
	"strings"
)

// FixedLocalRoot is the deployment-pinned sync root. When set (the default
// build pins it), any configured local_root outside this subtree is
// overridden and the override surfaced as a scope warning on each run.
var FixedLocalRoot = "/var/lib/larksync/files"

// ScopeWarning records a local_root override applied by EnforceScope.
type ScopeWarning struct {
	Code               string `json:"code"`
	RequestedLocalRoot string `json:"requested_local_root"`
	AppliedLocalRoot   string `json:"applied_local_root"`
}

// EnforceScope clamps c.Sync.LocalRoot to the fixed root. If the configured
// root still lies inside the fixed subtree after symlink resolution it is
// kept as-is; otherwise the fixed root replaces it and a warning describing
// the override is returned.
func (c *Config) EnforceScope() *ScopeWarning {
	if FixedLocalRoot == "" {
		return nil
	}

	applied, warn := scopedRoot(FixedLocalRoot, c.Sync.LocalRoot)
	c.Sync.LocalRoot = applied

	return warn
}

// scopedRoot decides the effective local root. The comparison runs on
// resolved paths, so a symlink under the fixed root pointing elsewhere on the
// filesystem does not smuggle the sync scope outside the pinned subtree.
func scopedRoot(fixed, requested string) (string, *ScopeWarning) {
	if requested == "" {
		return fixed, nil
	}

	if withinRoot(resolvePath(fixed), resolvePath(requested)) {
		return requested, nil
	}

	return fixed, &ScopeWarning{
		Code:               "local_root_scope_locked",
		RequestedLocalRoot: requested,
		AppliedLocalRoot:   fixed,
	}
}

// resolvePath returns the symlink-resolved absolute form of p. Trailing
// components that do not exist yet are resolved against their deepest
// existing ancestor, so a root that will be created on first run still
// compares correctly.
func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}

	dir := abs

	var tail []string

	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}

		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
	}
}

// withinRoot reports whether path equals root or is a descendant of it,
// comparing cleaned absolute paths.
func withinRoot(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)

	if path == root {
		return true
	}

	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Package paths resolves the XDG-ish data and cache directories spec.md
// §6 names: XDG_DATA_HOME overrides the data root, XDG_CACHE_HOME or
// HOME/.cache selects the cache root.
package paths

import (
	"os"
	"path/filepath"
)

// DataDir returns the root under which per-torrent state and content live:
// <data_dir>/qbit/<hex_info_hash>/.
func DataDir(infoHashHex string) string {
	root := os.Getenv("XDG_DATA_HOME")
	if root == "" {
		root = filepath.Join(os.Getenv("HOME"), ".local", "share")
	}
	return filepath.Join(root, "qbit", infoHashHex)
}

// CacheDir returns the root under which the tracker-response cache lives:
// <cache_dir>/qbit-tui/tracker-response/<hex_info_hash>.
func CacheDir(infoHashHex string) string {
	root := os.Getenv("XDG_CACHE_HOME")
	if root == "" {
		root = filepath.Join(os.Getenv("HOME"), ".cache")
	}
	return filepath.Join(root, "qbit-tui", "tracker-response", infoHashHex)
}

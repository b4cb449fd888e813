//go:build windows

package config

// registerSignalHandler is a no-op; Windows has no SIGHUP, so only the
// file watcher triggers reloads.
func (r *Reloader) registerSignalHandler() {}

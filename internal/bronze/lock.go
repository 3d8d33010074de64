package bronze

import (
	"fmt"
	"path/filepath"
	"sync"
)

// DuckDB's file lock only excludes other processes; connections opened in
// this process share one database instance and their appends do not
// conflict. Ingest therefore holds a per-registry mutex for the whole run.
var (
	registryLocksMu sync.Mutex
	registryLocks   = make(map[string]*sync.Mutex)
)

// lockRegistry blocks until the caller owns the registry at path and
// returns the function releasing it.
func lockRegistry(path string) (func(), error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry path %s: %w", path, err)
	}

	registryLocksMu.Lock()
	mu, ok := registryLocks[abs]
	if !ok {
		mu = &sync.Mutex{}
		registryLocks[abs] = mu
	}
	registryLocksMu.Unlock()

	mu.Lock()
	return mu.Unlock, nil
}

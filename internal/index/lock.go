package index

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

const lockPollInterval = 100 * time.Millisecond

// LockPath returns the indexing lock file inside dataDir.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "index.lock")
}

// acquireLock takes the cross-process indexing lock, polling until timeout.
// The returned func releases it.
func acquireLock(ctx context.Context, path string, timeout time.Duration) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return func() {}, errs.Wrap(err, errs.CodeIndexRunFailure, "create lock directory", errs.Field("lock", path))
	}

	l := flock.New(path)
	deadline := time.Now().Add(timeout)
	for {
		locked, err := l.TryLock()
		if err != nil {
			return func() {}, errs.Wrap(err, errs.CodeIndexRunFailure, "acquire index lock", errs.Field("lock", path))
		}
		if locked {
			return func() { _ = l.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return func() {}, errs.New(errs.CodeIndexLockConflict, "another indexing run is in progress",
				errs.Field("lock", path),
				errs.Remediation("wait for the running index or watch process to finish"))
		}

		select {
		case <-ctx.Done():
			return func() {}, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

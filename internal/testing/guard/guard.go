// Package guard switches the process into test mode when imported, so test
// binaries never dial Postgres, Redis or the job queue.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("ODYSSEY_TEST_MODE") == "" {
			_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		}
		_ = os.Unsetenv("PERMISSION_SEED_FILE")
	})
}

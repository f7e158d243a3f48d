// Package testing forces test mode for packages that blank-import it, so the
// binaries' main functions return before dialing Postgres or Redis.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		if os.Getenv("OPERATOR_TOKEN_HASH") == "" {
			_ = os.Setenv("OPERATOR_TOKEN_HASH", "$2a$04$testmodetestmodetestmoO6r0W0bqV6qVQ0lUQ3N3kmZx8n2JpXlC")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}

// Package oxiatest runs an Oxia server for integration tests.
package oxiatest

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// AddrEnv names an already running Oxia service to use instead of an
// embedded one.
const AddrEnv = "ORBIT_TEST_OXIA_ADDR"

// Namespace is the namespace a standalone server creates.
const Namespace = "default"

// Start returns the address of an Oxia service for t. Without AddrEnv it
// starts a standalone server in a temp dir and stops it on cleanup.
func Start(t testing.TB) string {
	t.Helper()

	if addr := os.Getenv(AddrEnv); addr != "" {
		return addr
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("start oxia standalone: %v", err)
	}
	t.Cleanup(func() {
		if err := standalone.Close(); err != nil {
			t.Logf("stop oxia standalone: %v", err)
		}
	})
	return standalone.ServiceAddr()
}

// Package launcher defines the compute backends that runnerguard can use
// to start JIT runners it provisions. Each backend (Docker, GCP) satisfies
// the Launcher interface so the provisioning and reconciliation paths stay
// compute-agnostic.
package launcher

import "context"

// Launcher starts and destroys runner processes.
//
// Launched runners are ephemeral. Their lifecycle is:
//
//	Launch → registers with the registry → runs one job → Destroy
//
// Destroy is also called whenever runnerguard deletes the runner for a
// policy violation, drift or because it vanished from the registry.
type Launcher interface {
	// Launch starts a runner process configured with jitConfig. name is the
	// runner name and, where the backend allows, the resource name. The
	// returned id is opaque and is passed back to Destroy.
	Launch(ctx context.Context, name string, jitConfig string) (id string, err error)

	// Destroy permanently removes the runner identified by id. It must be
	// idempotent: destroying an already-removed runner is not an error.
	Destroy(ctx context.Context, id string) error

	// Shutdown destroys every runner this launcher instance started. It is
	// called once during process termination.
	Shutdown(ctx context.Context) error
}

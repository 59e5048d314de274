// Package provisioner defines the port for on-demand worker provisioning.
package provisioner

import "context"

// Provisioner requests extra worker capacity when the lease coordinator
// finds no idle slot. Implementations may be a no-op.
type Provisioner interface {
	// RequestWorker asks for one additional worker able to run the given
	// harness. The worker announces itself through the normal heartbeat
	// path once it is up.
	RequestWorker(ctx context.Context, harness string) error
}

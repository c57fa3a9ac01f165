// Package pipeline moves framed payloads between network, decode and
// consumer stages. Nodes run synchronously, in link order, once per tick.
package pipeline

// Node is one stage of a pipeline. Each concrete node also has a typed
// Configure method; Process on an unconfigured node returns ErrNotConfigured.
type Node interface {
	Name() string
	// Process moves as much data as is available without blocking.
	Process() error
	// Deconfigure releases the node's resources. It is safe to call twice.
	Deconfigure() error
}

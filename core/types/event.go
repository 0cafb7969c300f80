package types

// Event represents a structured state change emitted by the escrow engine.
// Attributes are flat string pairs so downstream indexers can consume them
// without schema knowledge.
type Event struct {
	Type       string
	Attributes map[string]string
}

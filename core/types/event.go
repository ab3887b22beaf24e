package types

// Event represents a typed record emitted during state transitions. Attribute
// values are strings so downstream indexers can persist them without schema
// knowledge.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

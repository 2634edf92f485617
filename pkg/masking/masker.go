// Package masking redacts secrets from MCP tool results before they are
// handed to the model or stored in a chat transcript.
package masking

// Masker is a code-based masker for content that needs structural parsing
// rather than a regex sweep.
type Masker interface {
	// Name is the key used to reference the masker from a pattern group.
	Name() string

	// AppliesTo is a cheap check run before Mask.
	AppliesTo(content string) bool

	// Mask returns content with secrets replaced. Content it cannot parse
	// is returned unchanged.
	Mask(content string) string
}

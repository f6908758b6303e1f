package ir

// Version constants for the plan schema and the tool.
const (
	// SchemaVersion is the plan/evidence schema version.
	SchemaVersion = "1"

	// Version is the vorch release version.
	Version = "0.1.0"
)

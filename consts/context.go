package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// It signals to the database layer that a query should run on the primary
	// (write) pool, bypassing the read replica pool. Connection reloads right
	// after a mutation rely on it for read-your-writes consistency.
	UseMasterDBKey = ContextKey("use_master")
)

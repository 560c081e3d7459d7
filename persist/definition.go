package persist

// Definition identifies a physical store and knows how to create storage
// handles for it. Implementations must be comparable values whose equality
// derives from the connection parameters, never from instance identity:
// equal definitions yield interchangeable storages and share a cache slot
// in the storage manager.
type Definition interface {
	// CreateStorage opens a new storage for this definition.
	CreateStorage() (Storage, error)
}

// DepthDefinition is implemented by definitions that configure a default
// query depth for the storages created from them.
type DepthDefinition interface {
	Definition

	// DefaultQueryDepth returns the query depth applied to queries
	// without an explicit depth.
	DefaultQueryDepth() int
}

package crawler

import "errors"

var (
	// ErrUnknownEntityType is returned for entity types other than user and repo.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrUnknownRelation is returned for relation names with no route.
	ErrUnknownRelation = errors.New("unknown relation")
	// ErrInaccessible marks an entity GitHub refuses to serve, such as a blocked repository.
	ErrInaccessible = errors.New("entity inaccessible")
	// ErrUnexpectedStatus marks a response whose status the caller cannot map.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

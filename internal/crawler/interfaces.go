package crawler

import (
	"context"
	"time"
)

// Fetcher performs GitHub API calls.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Publisher delivers a message to a named destination.
type Publisher interface {
	Publish(ctx context.Context, destination string, message any, key string) error
}

// Mapper turns API responses into records.
type Mapper interface {
	// MapEntity normalizes a detail response. It wraps ErrInaccessible for entities GitHub withholds.
	MapEntity(entity EntityType, resp FetchResponse, id int64) (HarvestedRecord, error)
	// IDs extracts the id of every element of a JSON array body.
	IDs(body []byte) ([]int64, error)
}

// Clock returns the current time and timers (replaceable in tests).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

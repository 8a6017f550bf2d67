package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EntityType is the kind of GitHub entity being crawled.
type EntityType string

// Crawlable entity types.
const (
	EntityUser EntityType = "user"
	EntityRepo EntityType = "repo"
)

// ParseEntityType maps user input to an EntityType.
func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityUser:
		return EntityUser, nil
	case EntityRepo:
		return EntityRepo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
	}
}

// Relation names a paginated list of ids hanging off an entity.
type Relation string

// Relation kinds.
const (
	RelationFollowers     Relation = "followers"
	RelationFollowing     Relation = "following"
	RelationStarred       Relation = "starred"
	RelationSubscriptions Relation = "subscriptions"
	RelationOrganizations Relation = "organizations"
	RelationReposOfUser   Relation = "reposOfUser"
	RelationForks         Relation = "forks"
	RelationCollaborators Relation = "collaborators"
	RelationAssignees     Relation = "assignees"
	RelationLanguages     Relation = "languages"
	RelationStargazers    Relation = "stargazers"
	RelationContributors  Relation = "contributors"
	RelationSubscribers   Relation = "subscribers"
	RelationIssues        Relation = "issues"
)

// HarvestedRecord is an entity record ready to publish.
type HarvestedRecord struct {
	Type EntityType
	ID   int64
	// Payload is the normalized record serialized onto the wire.
	Payload any
}

// RelationBatch is one page of ids for an entity's relation.
type RelationBatch struct {
	Relation  Relation   `json:"relation"`
	OwnerType EntityType `json:"owner_type"`
	OwnerID   int64      `json:"owner_id"`
	Page      int        `json:"page"`
	IDs       []int64    `json:"ids"`
}

// DocumentKey is the storage identity of the batch.
func (b RelationBatch) DocumentKey() string {
	return fmt.Sprintf("%d:%d", b.OwnerID, b.Page)
}

// FetchRequest is one GitHub API call.
type FetchRequest struct {
	// Route is the resolved path, for example /user/42.
	Route  string
	Params url.Values
	// Label is a low-cardinality name for the route used in metrics.
	Label string
}

// FetchResponse is what came back. Non-2xx responses are returned, not treated as errors.
type FetchResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Destination maps a broker topic to the collection it is stored in.
type Destination struct {
	Topic      string
	Collection string
	// Relation is true for topics that carry RelationBatch values.
	Relation bool
}

// Stats is a point-in-time view of scheduler progress.
type Stats struct {
	EntityType    EntityType `json:"entity_type"`
	Cursor        int64      `json:"cursor"`
	EndID         int64      `json:"end_id"`
	Queued        int        `json:"queued"`
	Listings      int        `json:"listings"`
	Details       int        `json:"details"`
	RelationPages int        `json:"relation_pages"`
	Published     int        `json:"published"`
	Suppressed    int        `json:"suppressed"`
	Skipped       int        `json:"skipped"`
	Dropped       int        `json:"dropped"`
	RateLimited   int        `json:"rate_limited"`
	Retries       int        `json:"retries"`
	Finished      bool       `json:"finished"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

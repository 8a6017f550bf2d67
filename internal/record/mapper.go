package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/JakeFAU/gitcrawl/internal/crawler"
)

// errMissingID is returned when a payload carries no usable id.
var errMissingID = errors.New("record has no id")

var accessBlockedPattern = regexp.MustCompile(`(?i)Repository access blocked`)

// Mapper implements crawler.Mapper for the GitHub REST payloads.
type Mapper struct{}

var _ crawler.Mapper = (*Mapper)(nil)

// NewMapper returns a Mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// MapEntity converts a detail response into a User or Repo record.
func (m *Mapper) MapEntity(entity crawler.EntityType, resp crawler.FetchResponse, id int64) (crawler.HarvestedRecord, error) {
	if msg, ok := errorMessage(resp.Body); ok && accessBlockedPattern.MatchString(msg) {
		return crawler.HarvestedRecord{}, fmt.Errorf("%s %d: %w: %s", entity, id, crawler.ErrInaccessible, msg)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := errorMessage(resp.Body)
		return crawler.HarvestedRecord{}, fmt.Errorf("%s %d: %w %d: %s", entity, id, crawler.ErrUnexpectedStatus, resp.StatusCode, msg)
	}

	switch entity {
	case crawler.EntityUser:
		user, err := mapUser(resp)
		if err != nil {
			return crawler.HarvestedRecord{}, fmt.Errorf("user %d: %w", id, err)
		}
		return crawler.HarvestedRecord{Type: entity, ID: user.ID, Payload: user}, nil
	case crawler.EntityRepo:
		repo, err := mapRepo(resp)
		if err != nil {
			return crawler.HarvestedRecord{}, fmt.Errorf("repo %d: %w", id, err)
		}
		return crawler.HarvestedRecord{Type: entity, ID: repo.ID, Payload: repo}, nil
	default:
		return crawler.HarvestedRecord{}, fmt.Errorf("%w: %q", crawler.ErrUnknownEntityType, entity)
	}
}

// IDs returns the id of each element of a JSON array. Object bodies, such as
// the language breakdown, carry no ids and yield an empty slice.
func (m *Mapper) IDs(body []byte) ([]int64, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return []int64{}, nil
	}
	var items []struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode id list: %w", err)
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if item.ID != nil {
			ids = append(ids, *item.ID)
		}
	}
	return ids, nil
}

func mapUser(resp crawler.FetchResponse) (User, error) {
	var raw apiUser
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	if raw.ID == 0 {
		return User{}, errMissingID
	}
	return User{
		ID:          raw.ID,
		Login:       raw.Login,
		Company:     raw.Company,
		Location:    raw.Location,
		Hireable:    raw.Hireable,
		PublicRepos: raw.PublicRepos,
		PublicGists: raw.PublicGists,
		Followers:   raw.Followers,
		Following:   raw.Following,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   resp.Header.Get("Last-Modified"),
		ETag:        resp.Header.Get("ETag"),
	}, nil
}

func mapRepo(resp crawler.FetchResponse) (Repo, error) {
	var raw apiRepo
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return Repo{}, fmt.Errorf("decode repo: %w", err)
	}
	if raw.ID == 0 {
		return Repo{}, errMissingID
	}
	repo := Repo{
		ID:              raw.ID,
		Name:            raw.Name,
		Forks:           raw.Forks,
		Language:        raw.Language,
		Size:            raw.Size,
		StarCount:       raw.StargazersCount,
		ForkCount:       raw.ForksCount,
		IssueCount:      raw.OpenIssuesCount,
		NetworkCount:    raw.NetworkCount,
		SubscriberCount: raw.SubscribersCount,
		CreatedAt:       raw.CreatedAt,
		PushedAt:        raw.PushedAt,
		UpdatedAt:       resp.Header.Get("Last-Modified"),
		ETag:            resp.Header.Get("ETag"),
	}
	if raw.Owner != nil {
		repo.OwnerName = raw.Owner.Login
		repo.OwnerID = raw.Owner.ID
	}
	if raw.Organization != nil {
		login, orgID := raw.Organization.Login, raw.Organization.ID
		repo.OrgName = &login
		repo.OrgID = &orgID
	}
	return repo, nil
}

func errorMessage(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var e apiError
	if err := json.Unmarshal(trimmed, &e); err != nil || e.Message == "" {
		return "", false
	}
	return e.Message, true
}

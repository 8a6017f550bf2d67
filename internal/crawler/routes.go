package crawler

import (
	"fmt"
	"strings"
)

const topicPrefix = "gitcrawl-"

type relationRoute struct {
	owner EntityType
	path  string
	// topicKind overrides the relation name in the topic.
	topicKind string
	// collection overrides the relation name as the storage collection.
	collection string
}

var (
	listRoutes = map[EntityType]string{
		EntityUser: "/users",
		EntityRepo: "/repositories",
	}

	entityRoutes = map[EntityType]string{
		EntityUser: "/user/%d",
		EntityRepo: "/repositories/%d",
	}

	entityCollections = map[EntityType]string{
		EntityUser: "users",
		EntityRepo: "repos",
	}

	relationRoutes = map[Relation]relationRoute{
		RelationFollowers:     {owner: EntityUser, path: "/user/%d/followers"},
		RelationFollowing:     {owner: EntityUser, path: "/user/%d/following"},
		RelationStarred:       {owner: EntityUser, path: "/user/%d/starred"},
		RelationSubscriptions: {owner: EntityUser, path: "/user/%d/subscriptions"},
		RelationOrganizations: {owner: EntityUser, path: "/user/%d/orgs", collection: "orgs"},
		RelationReposOfUser:   {owner: EntityUser, path: "/user/%d/repos", topicKind: "repos", collection: "user_repos"},
		RelationForks:         {owner: EntityRepo, path: "/repositories/%d/forks"},
		RelationCollaborators: {owner: EntityRepo, path: "/repositories/%d/collaborators"},
		RelationAssignees:     {owner: EntityRepo, path: "/repositories/%d/assignees"},
		RelationLanguages:     {owner: EntityRepo, path: "/repositories/%d/languages"},
		RelationStargazers:    {owner: EntityRepo, path: "/repositories/%d/stargazers"},
		RelationContributors:  {owner: EntityRepo, path: "/repositories/%d/contributors"},
		RelationSubscribers:   {owner: EntityRepo, path: "/repositories/%d/subscribers"},
		RelationIssues:        {owner: EntityRepo, path: "/repositories/%d/issues"},
	}

	// defaultRelations is the fan-out set for each entity type when relations are enabled.
	defaultRelations = map[EntityType][]Relation{
		EntityUser: {
			RelationFollowers, RelationFollowing, RelationStarred,
			RelationSubscriptions, RelationOrganizations, RelationReposOfUser,
		},
		EntityRepo: {
			RelationForks, RelationCollaborators, RelationAssignees, RelationLanguages,
			RelationStargazers, RelationContributors, RelationSubscribers,
		},
	}
)

// ListRoute returns the paginated listing path for entity.
func ListRoute(entity EntityType) (string, error) {
	route, ok := listRoutes[entity]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, entity)
	}
	return route, nil
}

// EntityRoute returns the detail path for one entity.
func EntityRoute(entity EntityType, id int64) (string, error) {
	route, ok := entityRoutes[entity]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, entity)
	}
	return fmt.Sprintf(route, id), nil
}

// RelationRoute returns the path of relation for the owning entity.
func RelationRoute(relation Relation, ownerID int64) (string, error) {
	route, ok := relationRoutes[relation]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRelation, relation)
	}
	return fmt.Sprintf(route.path, ownerID), nil
}

// RelationOwner reports which entity type owns relation.
func RelationOwner(relation Relation) (EntityType, bool) {
	route, ok := relationRoutes[relation]
	return route.owner, ok
}

// ParseRelations validates relation names against entity. The literal "all"
// expands to every default relation of entity.
func ParseRelations(entity EntityType, names []string) ([]Relation, error) {
	out := make([]Relation, 0, len(names))
	seen := make(map[Relation]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		candidates := []Relation{Relation(name)}
		if strings.EqualFold(name, "all") {
			candidates = defaultRelations[entity]
		}
		for _, relation := range candidates {
			owner, ok := RelationOwner(relation)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownRelation, relation)
			}
			if owner != entity {
				return nil, fmt.Errorf("relation %q belongs to %s, not %s", relation, owner, entity)
			}
			if _, dup := seen[relation]; dup {
				continue
			}
			seen[relation] = struct{}{}
			out = append(out, relation)
		}
	}
	return out, nil
}

// EntityTopic is the destination for detail records of entity.
func EntityTopic(entity EntityType) string {
	return topicPrefix + string(entity)
}

// RelationTopic is the destination for batches of relation.
func RelationTopic(relation Relation) string {
	return topicPrefix + relationKind(relation)
}

func relationKind(relation Relation) string {
	if route, ok := relationRoutes[relation]; ok && route.topicKind != "" {
		return route.topicKind
	}
	return string(relation)
}

// Destinations lists every topic the crawler may publish to and where the sink stores it.
func Destinations() []Destination {
	out := make([]Destination, 0, len(entityCollections)+len(relationRoutes))
	for _, entity := range []EntityType{EntityUser, EntityRepo} {
		out = append(out, Destination{
			Topic:      EntityTopic(entity),
			Collection: entityCollections[entity],
		})
	}
	seen := make(map[string]struct{})
	for _, relation := range sortedRelations() {
		topic := RelationTopic(relation)
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, Destination{
			Topic:      topic,
			Collection: relationCollection(relation),
			Relation:   true,
		})
	}
	return out
}

func relationCollection(relation Relation) string {
	if route, ok := relationRoutes[relation]; ok && route.collection != "" {
		return route.collection
	}
	return strings.ToLower(string(relation))
}

func sortedRelations() []Relation {
	out := make([]Relation, 0, len(relationRoutes))
	for _, entity := range []EntityType{EntityUser, EntityRepo} {
		out = append(out, defaultRelations[entity]...)
	}
	out = append(out, RelationIssues)
	return out
}

// Package record normalizes GitHub API responses into the documents the crawler publishes.
package record

// User is the stored shape of a GitHub account.
type User struct {
	ID          int64   `json:"id"`
	Login       string  `json:"login"`
	Company     *string `json:"company"`
	Location    *string `json:"location"`
	Hireable    *bool   `json:"hireable"`
	PublicRepos int     `json:"public_repos"`
	PublicGists int     `json:"public_gists"`
	Followers   int     `json:"followers"`
	Following   int     `json:"following"`
	CreatedAt   string  `json:"created_at"`
	// UpdatedAt is the response's Last-Modified header.
	UpdatedAt string `json:"updated_at"`
	ETag      string `json:"etag"`
}

// Repo is the stored shape of a GitHub repository.
type Repo struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	OwnerName       string  `json:"owner_name"`
	OwnerID         int64   `json:"owner_id"`
	OrgName         *string `json:"org_name"`
	OrgID           *int64  `json:"org_id"`
	Forks           int     `json:"forks"`
	Language        *string `json:"language"`
	Size            int     `json:"size"`
	StarCount       int     `json:"star_count"`
	ForkCount       int     `json:"fork_count"`
	IssueCount      int     `json:"issue_count"`
	NetworkCount    int     `json:"network_count"`
	SubscriberCount int     `json:"subscriber_count"`
	CreatedAt       string  `json:"created_at"`
	PushedAt        *string `json:"pushed_at"`
	// UpdatedAt is the response's Last-Modified header.
	UpdatedAt string `json:"updated_at"`
	ETag      string `json:"etag"`
}

type apiAccount struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

type apiUser struct {
	apiAccount
	Company     *string `json:"company"`
	Location    *string `json:"location"`
	Hireable    *bool   `json:"hireable"`
	PublicRepos int     `json:"public_repos"`
	PublicGists int     `json:"public_gists"`
	Followers   int     `json:"followers"`
	Following   int     `json:"following"`
	CreatedAt   string  `json:"created_at"`
}

type apiRepo struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	Owner            *apiAccount `json:"owner"`
	Organization     *apiAccount `json:"organization"`
	Forks            int         `json:"forks"`
	Language         *string     `json:"language"`
	Size             int         `json:"size"`
	StargazersCount  int         `json:"stargazers_count"`
	ForksCount       int         `json:"forks_count"`
	OpenIssuesCount  int         `json:"open_issues_count"`
	NetworkCount     int         `json:"network_count"`
	SubscribersCount int         `json:"subscribers_count"`
	CreatedAt        string      `json:"created_at"`
	PushedAt         *string     `json:"pushed_at"`
}

type apiError struct {
	Message string `json:"message"`
}

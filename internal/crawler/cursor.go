package crawler

import (
	"regexp"
	"strconv"
	"strings"
)

// HeaderLink carries GitHub's pagination links.
const HeaderLink = "Link"

var sincePattern = regexp.MustCompile(`since=(\d+)`)

// NextSince extracts the since cursor from a Link header. The rel="next"
// entry is preferred; otherwise the first since value in the header is used.
func NextSince(link string) (int64, bool) {
	if link == "" {
		return 0, false
	}
	for _, part := range strings.Split(link, ",") {
		if !isNextLink(part) {
			continue
		}
		if since, ok := firstSince(part); ok {
			return since, true
		}
	}
	return firstSince(link)
}

// HasNextPage reports whether the Link header advertises another page.
func HasNextPage(link string) bool {
	for _, part := range strings.Split(link, ",") {
		if isNextLink(part) {
			return true
		}
	}
	return false
}

func isNextLink(part string) bool {
	return strings.Contains(part, `rel="next"`)
}

func firstSince(s string) (int64, bool) {
	match := sincePattern.FindStringSubmatch(s)
	if match == nil {
		return 0, false
	}
	since, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return since, true
}

// Package crawler schedules the GitHub crawl: it walks the paginated entity
// listing, fetches each entity's detail record, fans out to relation pages,
// and defers any task that trips the API rate limit until the quota resets.
//
// All crawl work runs through a single task queue ordered by due time, so a
// rate-limited task pauses only itself and ordering of equally-due tasks is
// first in, first out.
package crawler

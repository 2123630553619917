// Package remote implements the remote history store: an HTTP client used
// by the sync manager, a SQLite-backed reference server and a WebSocket
// change feed.
package remote

import "github.com/basket/histsync/internal/persistence"

const (
	entriesPath = "/v1/entries"
	changesPath = "/v1/changes"

	maxBodyBytes = 256 * 1024
	maxPageSize  = 500
)

type putResponse struct {
	Applied bool  `json:"applied"`
	Seq     int64 `json:"seq"`
}

type pageResponse struct {
	Entries    []persistence.Entry `json:"entries"`
	NextCursor int64               `json:"nextCursor"`
	More       bool                `json:"more"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// ChangeNotice is pushed on the change feed after every applied put.
type ChangeNotice struct {
	Scope  string `json:"scope"`
	Cursor int64  `json:"cursor"`
}

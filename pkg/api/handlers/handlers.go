package handlers

import (
	"chatstream/pkg/filter"
	"chatstream/pkg/ingest"
	"chatstream/pkg/live"
)

// Deps carries the shared infrastructure every handler needs. Set once at
// startup via Configure before the router is built.
type Deps struct {
	Queue    *ingest.Queue
	Hub      *live.Hub
	Filter   *filter.Profanity
	PageSize int
}

var deps Deps

// Configure installs handler dependencies. Must be called before serving.
func Configure(d Deps) {
	if d.PageSize <= 0 {
		d.PageSize = 20
	}
	deps = d
}

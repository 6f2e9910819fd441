// Package browser hosts the web view that displays previewed documents.
package browser

import (
	"context"
	"net/url"

	"go-live-book/internal/transport"
)

// EventKind classifies view events.
type EventKind int

const (
	EventLoadStarted EventKind = iota
	EventLoadFinished
	EventBridge
)

func (k EventKind) String() string {
	switch k {
	case EventLoadStarted:
		return "load-started"
	case EventLoadFinished:
		return "load-finished"
	case EventBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Event is emitted by a View. URL is the synthetic URL of the document for
// load events; Payload is the raw bridge message for EventBridge.
type Event struct {
	Kind    EventKind
	URL     string
	OK      bool
	Payload string
}

// View is the web view driven by the preview controller. Commands do not
// block on the page; their outcomes arrive as events.
type View interface {
	Navigate(url string)
	Reload()
	Stop()
	Eval(js string)
	// SetInitScript replaces the script run in every new document before
	// page scripts.
	SetInitScript(js string) error
	// DocumentRoot is the URL path under which logical names are served
	// as the document sees them.
	DocumentRoot() string
	Events() <-chan Event
	Close() error
}

// Interceptor answers requests for the synthetic namespace.
type Interceptor interface {
	Handles(u *url.URL) bool
	Serve(ctx context.Context, u *url.URL) transport.Response
}

// Package provider defines the capability interface every tool backend
// implements so the orchestrator never branches on a concrete provider type.
package provider

import (
	"context"

	"github.com/qbitdata/qbit/pkg/models"
)

// Provider is a connection to one tool backend: a database, a workspace API,
// a search API. Implementations catch their internal failures and return them
// as errors; nothing provider-internal escapes this boundary.
type Provider interface {
	// ListTools enumerates the tools this provider currently exposes. Some
	// providers answer from a pre-computed list, others make a round-trip
	// over an open session.
	ListTools(ctx context.Context) ([]models.ToolDescriptor, error)

	// Invoke runs one tool and returns its result as text. Structured
	// results are JSON-serialized by the implementation.
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)

	// Close tears the connection down. It is idempotent and safe to call on
	// a provider that never connected.
	Close() error
}

// Registration binds a provider instance to its catalog-visible server name,
// e.g. "SQLite", "Notion_workspace", "WebSearch". Registrations are an
// ordered list; when two providers expose the same tool name, the later
// registration wins.
//
// CachedTools is the last tool list the server was known to serve. When
// Provider is nil the server is registered but not connected: its cached
// tool names still route, and invoking them reports the disconnect instead
// of an unknown tool.
type Registration struct {
	Name        string
	Provider    Provider
	CachedTools []models.ToolDescriptor
}

// Package catalog flattens the tool lists of all registered providers into
// one deduplicated descriptor array plus a name-to-provider routing table.
package catalog

import (
	"context"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/qbitdata/qbit/internal/provider"
	"github.com/qbitdata/qbit/pkg/models"
)

// Route identifies the provider that owns a tool name.
type Route struct {
	Server   string
	Provider provider.Provider
}

// Catalog is the per-call flattened tool list and its routing table. It is
// rebuilt from the current registrations on every use rather than cached,
// because a provider's tool set may change between turns.
type Catalog struct {
	descriptors []models.ToolDescriptor
	routes      map[string]Route
}

// Build iterates registrations in order, merging each provider's tools into
// the catalog. A provider that fails to enumerate contributes zero tools and
// never aborts the build. Name collisions are resolved silently in favor of
// the later registration; callers rely on that override behavior, so it is
// preserved here rather than turned into an error.
func Build(ctx context.Context, regs []provider.Registration, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	cat := &Catalog{routes: make(map[string]Route)}
	// Positions of already-merged names, so an override replaces the
	// earlier descriptor instead of appending a duplicate.
	position := make(map[string]int)

	for _, reg := range regs {
		var tools []models.ToolDescriptor
		if reg.Provider == nil {
			// Registered but not connected: cached names still route so
			// the model gets a disconnect error instead of an unknown
			// tool when it tries one.
			tools = reg.CachedTools
			if len(tools) == 0 {
				continue
			}
		} else {
			var err error
			tools, err = reg.Provider.ListTools(ctx)
			if err != nil {
				logger.Error("failed to list tools", "server", reg.Name, "error", err)
				continue
			}
		}
		for _, tool := range tools {
			name := strings.TrimSpace(tool.Name)
			if name == "" {
				continue
			}
			desc := models.ToolDescriptor{
				Name:        name,
				Description: tool.Description,
				Parameters:  normalizeSchema(tool.Parameters, logger, reg.Name, name),
			}
			if desc.Description == "" {
				desc.Description = "Tool from " + reg.Name
			}
			if idx, seen := position[name]; seen {
				cat.descriptors[idx] = desc
			} else {
				position[name] = len(cat.descriptors)
				cat.descriptors = append(cat.descriptors, desc)
			}
			cat.routes[name] = Route{Server: reg.Name, Provider: reg.Provider}
		}
		logger.Info("registered tools", "server", reg.Name, "count", len(tools))
	}

	logger.Info("catalog built", "tools", len(cat.descriptors), "servers", len(regs))
	return cat
}

// Descriptors returns the flattened tool list in merge order.
func (c *Catalog) Descriptors() []models.ToolDescriptor {
	return c.descriptors
}

// Resolve maps a tool name to its owning provider.
func (c *Catalog) Resolve(name string) (Route, bool) {
	route, ok := c.routes[name]
	return route, ok
}

// Len reports the number of distinct tool names in the catalog.
func (c *Catalog) Len() int {
	return len(c.descriptors)
}

// normalizeSchema guarantees every descriptor carries a syntactically valid
// JSON Schema: missing or invalid schemas fall back to an empty object schema
// so one misbehaving provider cannot break function calling for the rest.
func normalizeSchema(raw []byte, logger *slog.Logger, server, tool string) []byte {
	if len(raw) == 0 {
		return []byte(models.EmptyObjectSchema)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		logger.Warn("invalid tool schema, using empty object",
			"server", server, "tool", tool, "error", err)
		return []byte(models.EmptyObjectSchema)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		logger.Warn("invalid tool schema, using empty object",
			"server", server, "tool", tool, "error", err)
		return []byte(models.EmptyObjectSchema)
	}
	return raw
}

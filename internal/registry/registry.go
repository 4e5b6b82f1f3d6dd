// Package registry aggregates the tool catalogs of all configured tool
// servers into one collision-free namespace and routes global tool names
// back to their owning server.
package registry

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mknsk/mcp-orchestrator/internal/mcp"
)

// DiscoveryTimeout bounds each server's tools/list round trip. One slow
// server must not hold up the rest of the catalog.
const DiscoveryTimeout = 15 * time.Second

// discoveryRetries is the connect retry budget during discovery. Lower
// than the dispatch budget so startup stays snappy.
const discoveryRetries = 1

// sanitizeRe matches characters that may not appear in a tool-name prefix.
var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize replaces every character outside [A-Za-z0-9_-] with an
// underscore, making a server name safe to embed in a global tool name.
func Sanitize(name string) string {
	return sanitizeRe.ReplaceAllString(name, "_")
}

// GlobalName builds the collision-free name a tool is exposed under:
// sanitized server name, underscore, local tool name.
func GlobalName(serverName, toolName string) string {
	return Sanitize(serverName) + "_" + toolName
}

// Descriptor is one aggregated tool. Immutable once discovered.
type Descriptor struct {
	// Name is the global, prefix-qualified tool name.
	Name string `json:"name"`

	// LocalName is the name the owning server knows the tool by.
	LocalName string `json:"-"`

	// Server is the configured name of the owning server.
	Server string `json:"-"`

	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Report summarizes one discovery pass across all servers.
type Report struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Connector is the slice of the connection manager discovery needs.
type Connector interface {
	GetWithRetries(ctx context.Context, name string, retries int) (*mcp.Client, error)
}

// Registry resolves global tool names back to (server, local name).
// Resolution works purely on the configured server names, so it stays
// valid even for catalogs discovered before a server went away.
type Registry struct {
	logger *slog.Logger

	// byPrefix maps sanitized server names to configured ones.
	byPrefix map[string]string
}

// New builds a registry over the given configured server names.
func New(serverNames []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	byPrefix := make(map[string]string, len(serverNames))
	for _, name := range serverNames {
		byPrefix[Sanitize(name)] = name
	}

	return &Registry{
		logger:   logger,
		byPrefix: byPrefix,
	}
}

// Resolve splits a global tool name into its owning server and local
// name. Sanitized server names may themselves contain underscores, so
// the split point is found by trying prefixes from longest to shortest;
// the longest configured match wins. ok is false when no prefix matches,
// in which case the caller falls back to the session's primary server
// and treats the whole name as local.
func (r *Registry) Resolve(globalName string) (serverName, localName string, ok bool) {
	parts := strings.Split(globalName, "_")

	for i := len(parts) - 1; i > 0; i-- {
		prefix := strings.Join(parts[:i], "_")
		if original, found := r.byPrefix[prefix]; found {
			return original, strings.Join(parts[i:], "_"), true
		}
	}

	return "", "", false
}

// serverCatalog is one server's contribution to a discovery pass.
type serverCatalog struct {
	server string
	tools  []Descriptor
	err    error
}

// Discover requests each server's tool list concurrently, each under its
// own independent timeout. Failures are non-fatal: a failed server
// contributes no tools and is recorded in the report. The returned
// catalog lists servers in a stable order (sorted by name) with each
// server's tools in the order the server reported them.
func (r *Registry) Discover(ctx context.Context, conns Connector, serverNames []string) ([]Descriptor, Report) {
	results := make([]serverCatalog, len(serverNames))

	var wg sync.WaitGroup
	for i, name := range serverNames {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = r.discoverOne(ctx, conns, name)
		}(i, name)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].server < results[j].server })

	report := Report{
		Total:  len(serverNames),
		Errors: make(map[string]string),
	}

	var catalog []Descriptor
	for _, res := range results {
		if res.err != nil {
			report.Failed++
			report.Errors[res.server] = res.err.Error()
			continue
		}
		report.Successful++
		catalog = append(catalog, res.tools...)
	}

	r.logger.Info("tool discovery complete",
		"servers", report.Total,
		"successful", report.Successful,
		"failed", report.Failed,
		"tools", len(catalog),
	)

	return catalog, report
}

// discoverOne connects to one server and lists its tools under the
// per-server discovery deadline.
func (r *Registry) discoverOne(ctx context.Context, conns Connector, name string) serverCatalog {
	dctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	client, err := conns.GetWithRetries(dctx, name, discoveryRetries)
	if err != nil {
		r.logger.Error("tool discovery failed", "server", name, "error", err)
		return serverCatalog{server: name, err: err}
	}

	defs, err := client.ListTools(dctx)
	if err != nil {
		r.logger.Error("tool listing failed", "server", name, "error", err)
		return serverCatalog{server: name, err: err}
	}

	tools := make([]Descriptor, 0, len(defs))
	for _, td := range defs {
		tools = append(tools, Descriptor{
			Name:        GlobalName(name, td.Name),
			LocalName:   td.Name,
			Server:      name,
			Description: describe(td, name),
			InputSchema: td.InputSchema,
		})
	}

	return serverCatalog{server: name, tools: tools}
}

// describe fills in a fallback description so every tool presented to
// the reasoning service has one.
func describe(td mcp.ToolDefinition, serverName string) string {
	if td.Description != "" {
		return td.Description
	}
	return "Tool from " + serverName + " server"
}

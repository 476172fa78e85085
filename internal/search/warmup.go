package search

import (
	"context"
)

// commonQueries are typical deployment-script searches pre-embedded at
// startup.
var commonQueries = []string{
	// Installers
	"install msi package",
	"uninstall application",
	"execute process",
	"run installer silently",
	"install msp patch",

	// Registry and files
	"set registry key",
	"remove registry key",
	"copy file",
	"remove folder",
	"create shortcut",
	"edit ini file",

	// User interaction
	"show installation prompt",
	"show progress dialog",
	"close running applications",
	"defer installation",
	"balloon notification",
	"restart prompt",

	// Environment
	"get install directory",
	"environment variable",
	"logged on user",
	"user profiles",
	"write log entry",
	"test if service is running",
}

// Warmup embeds common queries one at a time so the query cache is warm
// before the first user request. Individual failures are logged and skipped.
func (e *Engine) Warmup(ctx context.Context) error {
	warmed := 0
	for _, query := range commonQueries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := e.provider.Embed(ctx, Normalize(query)); err != nil {
			e.logger.Debug("warmup query failed", "query", query, "error", err)
			continue
		}
		warmed++
	}
	e.logger.Debug("query cache warmed", "queries", warmed)
	return nil
}

// WarmupCustom pre-embeds domain-specific queries in one batch.
func (e *Engine) WarmupCustom(ctx context.Context, queries []string) error {
	if len(queries) == 0 {
		return nil
	}
	normalized := make([]string, len(queries))
	for i, q := range queries {
		normalized[i] = Normalize(q)
	}
	_, err := e.provider.EmbedBatch(ctx, normalized)
	return err
}

// CommonQueries returns the list of common queries used for warmup.
func CommonQueries() []string {
	result := make([]string, len(commonQueries))
	copy(result, commonQueries)
	return result
}

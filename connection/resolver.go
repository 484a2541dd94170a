// Package connection picks the configured external-system connection a capability
// should talk to.
package connection

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	Connection *types.Connection
	// Warnings holds at most one entry: the hint that was given but matched nothing.
	Warnings []string
}

// Resolve selects a connection. First match wins:
//  1. a kind-matching connection whose ID or Name equals hint;
//  2. a kind-matching connection whose Name is among defaults;
//  3. any kind-matching connection.
//
// Steps 2 and 3 record a warning when a non-empty hint missed. Kind and name
// comparisons are case-insensitive. Resolve performs no I/O.
func Resolve(connections []*types.Connection, kinds []string, hint string, defaults []string) (Resolution, error) {
	candidates := filterKinds(connections, kinds)
	if len(candidates) == 0 {
		return Resolution{}, types.NoConnectionFound(kinds)
	}

	hint = strings.TrimSpace(hint)
	if hint != "" {
		for _, c := range candidates {
			if c.ID == hint || strings.EqualFold(c.Name, hint) {
				return Resolution{Connection: c}, nil
			}
		}
	}

	var warnings []string
	if hint != "" {
		warnings = append(warnings, fmt.Sprintf("connection %q not found for kinds [%s]; using a fallback",
			hint, strings.Join(kinds, ", ")))
	}

	for _, name := range defaults {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		for _, c := range candidates {
			if strings.EqualFold(c.Name, name) {
				return Resolution{Connection: c, Warnings: warnings}, nil
			}
		}
	}

	return Resolution{Connection: candidates[0], Warnings: warnings}, nil
}

func filterKinds(connections []*types.Connection, kinds []string) []*types.Connection {
	var out []*types.Connection
	for _, c := range connections {
		if c == nil {
			continue
		}
		for _, k := range kinds {
			if strings.EqualFold(c.Kind, k) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Source provides the connections currently configured.
type Source interface {
	Connections() []*types.Connection
}

// Resolver binds Resolve to a connection source and the caller's context-scoped defaults.
type Resolver struct {
	source Source
	logger *zap.Logger
}

// NewResolver creates a Resolver. A nil logger is replaced with a no-op logger.
func NewResolver(source Source, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, logger: logger.With(zap.String("component", "connection_resolver"))}
}

// Resolve picks a connection for kinds, reading defaults from ctx and logging warnings.
func (r *Resolver) Resolve(ctx context.Context, kinds []string, hint string) (*types.Connection, error) {
	var conns []*types.Connection
	if r.source != nil {
		conns = r.source.Connections()
	}
	res, err := Resolve(conns, kinds, hint, types.DefaultConnections(ctx))
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		fields := []zap.Field{zap.String("hint", hint), zap.String("selected", res.Connection.Name)}
		if runID, ok := types.RunID(ctx); ok {
			fields = append(fields, zap.String("run_id", runID))
		}
		r.logger.Warn(w, fields...)
	}
	return res.Connection, nil
}

// StaticSource is a fixed connection list.
type StaticSource []*types.Connection

// Connections returns the list.
func (s StaticSource) Connections() []*types.Connection { return s }

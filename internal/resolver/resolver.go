// Package resolver picks the winning version when the master and an incoming
// snapshot disagree about the same row.
package resolver

import (
	"github.com/cybertec-postgresql/regionsync/internal/model"
)

// Side names the store whose version won
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Resolution represents the outcome of a conflict resolution
type Resolution struct {
	Winner   model.Record // The record to keep
	Side     Side         // Which side won
	Label    string       // Resolution label recorded in the audit log
	Conflict bool         // False when both versions are identical
	Pending  bool         // True when an operator has to decide
}

// Resolve compares two versions of the same non-tombstoned row. Local is the
// copy already held by the store being merged into, remote the incoming copy.
// Resolve has no side effects.
func Resolve(local, remote model.Record, strategy model.Strategy) Resolution {
	if local.Equal(remote) {
		return Resolution{Winner: local, Side: SideLocal, Label: model.ResolutionIdentical}
	}

	switch strategy {
	case model.LocalWins:
		return Resolution{Winner: local, Side: SideLocal, Label: model.ResolutionLocalWins, Conflict: true}
	case model.RemoteWins:
		return Resolution{Winner: remote, Side: SideRemote, Label: model.ResolutionRemoteWins, Conflict: true}
	case model.Manual:
		return Resolution{Winner: local, Side: SideLocal, Label: model.ResolutionManualRequired, Conflict: true, Pending: true}
	default:
		return newerWins(local, remote)
	}
}

// newerWins keeps the strictly newer version; exact ties keep local
func newerWins(local, remote model.Record) Resolution {
	l := local.Normalize().UpdatedAt
	r := remote.Normalize().UpdatedAt
	switch {
	case r.After(l):
		return Resolution{Winner: remote, Side: SideRemote, Label: model.ResolutionRemoteNewer, Conflict: true}
	case l.After(r):
		return Resolution{Winner: local, Side: SideLocal, Label: model.ResolutionLocalNewer, Conflict: true}
	default:
		return Resolution{Winner: local, Side: SideLocal, Label: model.ResolutionTieLocalWins, Conflict: true}
	}
}

// Policy maps tables to strategies with a default fallback
type Policy struct {
	Default model.Strategy
	Tables  map[string]model.Strategy
}

// For returns the strategy configured for table
func (p Policy) For(table string) model.Strategy {
	if s, ok := p.Tables[table]; ok && s != "" {
		return s
	}
	if p.Default == "" {
		return model.NewerWins
	}
	return p.Default
}

// ParsePolicy builds a policy from a default strategy name and per-table names
func ParsePolicy(defaultStrategy string, tables map[string]string) (Policy, error) {
	def, err := model.ParseStrategy(defaultStrategy)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{Default: def, Tables: make(map[string]model.Strategy, len(tables))}
	for table, name := range tables {
		s, err := model.ParseStrategy(name)
		if err != nil {
			return Policy{}, err
		}
		p.Tables[table] = s
	}
	return p, nil
}

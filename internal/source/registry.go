package source

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"file-loader/internal/config"
	"file-loader/internal/logging"
)

// ErrNoSource is returned by Match when no declared pattern covers a file.
var ErrNoSource = errors.New("no source matches filename")

// Registry holds the immutable set of source declarations. It is built once
// at startup and read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	sources []*config.SourceConfig
}

// literalPrefix returns the leading run of pattern characters before the
// first glob metacharacter. It decides precedence when several patterns
// match one filename.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// Build validates the cross-source invariants and returns the registry:
// no two patterns with identical literal prefixes, and no two sources
// declaring the same target table with incompatible row models.
func Build(sources []config.SourceConfig) (*Registry, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("registry requires at least one source")
	}

	reg := &Registry{sources: make([]*config.SourceConfig, 0, len(sources))}
	prefixOwner := make(map[string]string)
	tableOwner := make(map[string]*config.SourceConfig)
	nameSeen := make(map[string]bool)

	for i := range sources {
		src := &sources[i]
		if nameSeen[src.Name] {
			return nil, fmt.Errorf("duplicate source name '%s'", src.Name)
		}
		nameSeen[src.Name] = true

		prefix := literalPrefix(src.Pattern)
		if owner, exists := prefixOwner[prefix]; exists {
			return nil, fmt.Errorf("sources '%s' and '%s' have tied patterns (literal prefix '%s')", owner, src.Name, prefix)
		}
		prefixOwner[prefix] = src.Name

		if prior, exists := tableOwner[src.TargetTable]; exists {
			if !prior.Model.Compatible(&src.Model) {
				return nil, fmt.Errorf("sources '%s' and '%s' declare target table '%s' with incompatible row models",
					prior.Name, src.Name, src.TargetTable)
			}
		} else {
			tableOwner[src.TargetTable] = src
		}

		if src.AuditQuery != "" && !strings.Contains(src.AuditQuery, "{table}") {
			logging.Logf(logging.Warning, "Registry: source '%s' audit query has no {table} placeholder; it will run verbatim", src.Name)
		}

		reg.sources = append(reg.sources, src)
	}

	logging.Logf(logging.Info, "Registry built with %d sources", len(reg.sources))
	return reg, nil
}

// Match finds the source whose pattern matches the file's basename. When
// several patterns match, the one with the longest literal prefix wins
// (build rejects exact ties).
func (r *Registry) Match(basename string) (*config.SourceConfig, error) {
	var best *config.SourceConfig
	bestPrefix := -1
	for _, src := range r.sources {
		ok, err := doublestar.Match(src.Pattern, basename)
		if err != nil {
			// Patterns are validated at build; a match error here means the
			// filename itself is hostile. Treat as non-matching.
			logging.Logf(logging.Warning, "Registry: pattern '%s' failed against '%s': %v", src.Pattern, basename, err)
			continue
		}
		if !ok {
			continue
		}
		if n := len(literalPrefix(src.Pattern)); n > bestPrefix {
			best = src
			bestPrefix = n
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrNoSource, basename)
	}
	return best, nil
}

// Sources returns every declaration, for startup DDL creation.
func (r *Registry) Sources() []*config.SourceConfig {
	return r.sources
}

// Package schema resolves a configured prefix into the fully-qualified
// identifiers the cache uses for its entries table and notification channel.
package schema

import (
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Names holds the resolved, SQL-ready identifiers for a cache instance.
type Names struct {
	// EntriesTable is already quoted via pgx.Identifier and safe to splice
	// directly into SQL text.
	EntriesTable string
	// Channel is the raw (unquoted) channel name used with LISTEN/NOTIFY.
	Channel string
	// IndexName is the quoted index name on expires_at.
	IndexName string
}

// Resolve validates schemaPrefix and notifyChannel and derives the table,
// index, and channel names for a cache instance. An empty prefix yields the
// defaults "cache_entries" / "cache_events". An empty notifyChannel derives
// the channel from the prefix instead.
func Resolve(schemaPrefix, notifyChannel string) (Names, error) {
	if schemaPrefix != "" && !identifierPattern.MatchString(schemaPrefix) {
		return Names{}, fmt.Errorf("schema prefix %q must match %s", schemaPrefix, identifierPattern.String())
	}

	table := schemaPrefix + "cache_entries"
	channel := notifyChannel
	if channel == "" {
		channel = schemaPrefix + "cache_events"
	}
	if !identifierPattern.MatchString(channel) {
		return Names{}, fmt.Errorf("notify channel %q must match %s", channel, identifierPattern.String())
	}

	return Names{
		EntriesTable: pgx.Identifier{table}.Sanitize(),
		Channel:      channel,
		IndexName:    pgx.Identifier{table + "_expires_at_idx"}.Sanitize(),
	}, nil
}

package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Metadata key namespaces consumed by the rotation command.
const (
	// RouterPrefix namespaces routing configuration on an alias.
	RouterPrefix = "router."
	// MetaRouterInterval selects the partition granularity (HOUR, DAY, MONTH).
	MetaRouterInterval = "router.interval"
	// CreateCollectionPrefix namespaces parameters forwarded verbatim
	// (prefix-stripped) to the collection-creation collaborator.
	CreateCollectionPrefix = "create-collection."
	// ConfigSetParam is the one creation parameter that must be present.
	ConfigSetParam = "configset"
	// RoutedAliasProperty is stamped on every partition collection as a
	// back-reference to the owning alias.
	RoutedAliasProperty = "routedAliasName"
)

// Granularity is the partition interval of a routed alias.
type Granularity string

const (
	GranularityHour  Granularity = "HOUR"
	GranularityDay   Granularity = "DAY"
	GranularityMonth Granularity = "MONTH"
)

// ParseGranularity parses a router.interval metadata value.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToUpper(s)) {
	case GranularityHour:
		return GranularityHour, nil
	case GranularityDay:
		return GranularityDay, nil
	case GranularityMonth:
		return GranularityMonth, nil
	default:
		return "", fmt.Errorf("invalid granularity %q: must be one of HOUR, DAY, MONTH", s)
	}
}

// Layout returns the fixed-width time layout used in collection names.
// Within one granularity the encoding is fixed-width, so lexicographic
// ordering of names equals chronological ordering of their timestamps.
func (g Granularity) Layout() string {
	switch g {
	case GranularityHour:
		return "2006-01-02_15"
	case GranularityMonth:
		return "2006-01"
	default:
		return "2006-01-02"
	}
}

// Truncate truncates an instant down to the granularity boundary, in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the first interval boundary strictly after t. It is a pure
// function of t and the granularity, so repeated or late invocations of the
// rotation command derive the same next partition.
func (g Granularity) Next(t time.Time) time.Time {
	base := g.Truncate(t)
	switch g {
	case GranularityHour:
		return base.Add(time.Hour)
	case GranularityMonth:
		return base.AddDate(0, 1, 0)
	default:
		return base.AddDate(0, 0, 1)
	}
}

// Alias is a named indirection resolving to an ordered list of target
// collections. Resolution always uses the first (newest) entry.
type Alias struct {
	Name     string            `json:"name"`
	Targets  []string          `json:"targets"`
	Metadata map[string]string `json:"metadata"`
	Version  int64             `json:"version"`
}

// Granularity reads the partition interval from the alias metadata.
func (a *Alias) Granularity() (Granularity, error) {
	v, ok := a.Metadata[MetaRouterInterval]
	if !ok {
		return "", fmt.Errorf("alias %s has no %s metadata", a.Name, MetaRouterInterval)
	}
	return ParseGranularity(v)
}

// ContainsTarget reports whether the alias target list references name.
func (a *Alias) ContainsTarget(name string) bool {
	for _, t := range a.Targets {
		if t == name {
			return true
		}
	}
	return false
}

// PartitionEntry is a (timestamp, collection-name) pair parsed from one
// alias target.
type PartitionEntry struct {
	Timestamp  time.Time
	Collection string
}

// FormatCollectionName derives the canonical partition collection name for
// an alias and an instant, truncated to the alias granularity.
func FormatCollectionName(alias string, t time.Time, g Granularity) string {
	return alias + "_" + g.Truncate(t).Format(g.Layout())
}

// ParsePartitionTarget parses one alias target back into its entry.
func ParsePartitionTarget(alias, target string, g Granularity) (PartitionEntry, error) {
	prefix := alias + "_"
	if !strings.HasPrefix(target, prefix) {
		return PartitionEntry{}, fmt.Errorf("collection %s is not a partition of alias %s", target, alias)
	}
	ts, err := time.ParseInLocation(g.Layout(), strings.TrimPrefix(target, prefix), time.UTC)
	if err != nil {
		return PartitionEntry{}, fmt.Errorf("failed to parse timestamp of collection %s: %w", target, err)
	}
	return PartitionEntry{Timestamp: ts, Collection: target}, nil
}

// ParsePartitionTargets parses the full target list of an alias, sorted
// newest-first. An empty target list is an error: while an alias exists its
// list is never empty.
func ParsePartitionTargets(a *Alias, g Granularity) ([]PartitionEntry, error) {
	if len(a.Targets) == 0 {
		return nil, fmt.Errorf("alias %s has an empty target list", a.Name)
	}
	entries := make([]PartitionEntry, 0, len(a.Targets))
	for _, target := range a.Targets {
		e, err := ParsePartitionTarget(a.Name, target, g)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("day")
	assert.NoError(t, err)
	assert.Equal(t, GranularityDay, g)

	g, err = ParseGranularity("HOUR")
	assert.NoError(t, err)
	assert.Equal(t, GranularityHour, g)

	_, err = ParseGranularity("WEEK")
	assert.Error(t, err)
}

func TestGranularity_Next(t *testing.T) {
	at := time.Date(2021, 1, 1, 15, 30, 45, 0, time.UTC)

	assert.Equal(t, time.Date(2021, 1, 1, 16, 0, 0, 0, time.UTC), GranularityHour.Next(at))
	assert.Equal(t, time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC), GranularityDay.Next(at))
	assert.Equal(t, time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), GranularityMonth.Next(at))
}

func TestGranularity_NextIsPure(t *testing.T) {
	// Late invocations within the same interval derive the same boundary.
	first := time.Date(2021, 1, 1, 0, 0, 1, 0, time.UTC)
	late := time.Date(2021, 1, 1, 23, 59, 59, 0, time.UTC)

	assert.Equal(t, GranularityDay.Next(first), GranularityDay.Next(late))
}

func TestGranularity_NextAtBoundary(t *testing.T) {
	// An exact boundary still advances to the next interval.
	boundary := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC), GranularityDay.Next(boundary))
}

func TestFormatCollectionName(t *testing.T) {
	at := time.Date(2021, 1, 1, 15, 30, 0, 0, time.UTC)

	assert.Equal(t, "logs_2021-01-01", FormatCollectionName("logs", at, GranularityDay))
	assert.Equal(t, "logs_2021-01-01_15", FormatCollectionName("logs", at, GranularityHour))
	assert.Equal(t, "logs_2021-01", FormatCollectionName("logs", at, GranularityMonth))
}

func TestFormatThenParseRoundTrip(t *testing.T) {
	at := time.Date(2021, 6, 15, 9, 0, 0, 0, time.UTC)
	name := FormatCollectionName("metrics", at, GranularityHour)

	entry, err := ParsePartitionTarget("metrics", name, GranularityHour)
	assert.NoError(t, err)
	assert.Equal(t, at, entry.Timestamp)
	assert.Equal(t, name, entry.Collection)
}

func TestParsePartitionTarget_WrongAlias(t *testing.T) {
	_, err := ParsePartitionTarget("logs", "metrics_2021-01-01", GranularityDay)
	assert.Error(t, err)
}

func TestParsePartitionTargets_SortedNewestFirst(t *testing.T) {
	alias := &Alias{
		Name:    "logs",
		Targets: []string{"logs_2021-01-01", "logs_2021-01-03", "logs_2021-01-02"},
	}

	entries, err := ParsePartitionTargets(alias, GranularityDay)
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, "logs_2021-01-03", entries[0].Collection)
	assert.Equal(t, "logs_2021-01-02", entries[1].Collection)
	assert.Equal(t, "logs_2021-01-01", entries[2].Collection)
}

func TestParsePartitionTargets_EmptyList(t *testing.T) {
	alias := &Alias{Name: "logs"}

	_, err := ParsePartitionTargets(alias, GranularityDay)
	assert.Error(t, err)
}

func TestLexicographicOrderMatchesChronological(t *testing.T) {
	earlier := FormatCollectionName("logs", time.Date(2021, 1, 9, 0, 0, 0, 0, time.UTC), GranularityDay)
	later := FormatCollectionName("logs", time.Date(2021, 1, 10, 0, 0, 0, 0, time.UTC), GranularityDay)

	assert.True(t, earlier < later)
}

func TestAlias_Granularity(t *testing.T) {
	alias := &Alias{
		Name:     "logs",
		Metadata: map[string]string{MetaRouterInterval: "DAY"},
	}

	g, err := alias.Granularity()
	assert.NoError(t, err)
	assert.Equal(t, GranularityDay, g)

	alias.Metadata = nil
	_, err = alias.Granularity()
	assert.Error(t, err)
}

func TestAlias_ContainsTarget(t *testing.T) {
	alias := &Alias{Targets: []string{"logs_2021-01-01", "logs_2021-01-02"}}

	assert.True(t, alias.ContainsTarget("logs_2021-01-01"))
	assert.False(t, alias.ContainsTarget("logs_2021-01-03"))
}

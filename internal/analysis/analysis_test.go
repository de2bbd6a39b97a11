package analysis

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sifter/internal/config"
	"sifter/internal/domain"
)

func record(id int64, data string) domain.Record {
	return domain.Record{ID: id, RunID: "run-1", Data: json.RawMessage(data)}
}

func TestBuildFilter(t *testing.T) {
	cfg := config.Default()

	small, err := BuildFilter(cfg, "small_caps")
	require.NoError(t, err)
	require.True(t, small(record(1, `{"marketCap": 4999999}`)))
	require.False(t, small(record(2, `{"marketCap": 5000000}`)))
	require.True(t, small(record(3, `{"marketCap": "1200"}`)), "numeric strings compare as numbers")
	require.False(t, small(record(4, `{"name": "no cap"}`)))
	require.False(t, small(record(5, `{"marketCap": {"usd": 1}}`)))

	large, err := BuildFilter(cfg, "large_caps")
	require.NoError(t, err)
	require.True(t, large(record(1, `{"marketCap": 100000000}`)))

	resilient, err := BuildFilter(cfg, "resilient")
	require.NoError(t, err)
	require.True(t, resilient(record(1, `{"marketCapDeltaPercent": -9.5}`)))
	require.False(t, resilient(record(2, `{"marketCapDeltaPercent": -10}`)))

	all, err := BuildFilter(cfg, "")
	require.NoError(t, err)
	require.True(t, all(record(1, `{}`)))

	_, err = BuildFilter(cfg, "nope")
	require.ErrorContains(t, err, `filter "nope" not found`)
}

func TestBuildFilterNestedPathAndExists(t *testing.T) {
	cfg := config.Default()
	cfg.Filters["has_socials"] = config.Filter{Path: "links.twitter", Op: "exists"}
	cfg.Filters["many_holders"] = config.Filter{Path: "stats.holders", Op: "gte", Value: 100}

	socials, err := BuildFilter(cfg, "has_socials")
	require.NoError(t, err)
	require.True(t, socials(record(1, `{"links": {"twitter": "@a"}}`)))
	require.False(t, socials(record(2, `{"links": {}}`)))

	holders, err := BuildFilter(cfg, "many_holders")
	require.NoError(t, err)
	require.True(t, holders(record(1, `{"stats": {"holders": 100}}`)))
	require.False(t, holders(record(2, `{"stats": {"holders": 99}}`)))
}

func TestParsePrompt(t *testing.T) {
	p, err := ParsePrompt("---\nfilter: small_caps\nbatch_size: 5\n---\nFind gems.\n")
	require.NoError(t, err)
	require.Equal(t, "small_caps", p.Filter)
	require.Equal(t, 5, p.BatchSize)
	require.Equal(t, "Find gems.\n", p.Body)

	p, err = ParsePrompt("filter: large_caps\n---\nBody\n")
	require.NoError(t, err)
	require.Equal(t, "large_caps", p.Filter)
	require.Equal(t, "Body\n", p.Body)

	p, err = ParsePrompt("Just a body\nwith lines\n")
	require.NoError(t, err)
	require.Equal(t, config.Unfiltered, p.Filter)
	require.Equal(t, "Just a body\nwith lines\n", p.Body)

	_, err = ParsePrompt("---\nfilter: [\n---\nbody")
	require.Error(t, err)
}

func TestAnalysisType(t *testing.T) {
	a, _ := ParsePrompt("---\nfilter: small_caps\n---\nFind gems.\n")
	b, _ := ParsePrompt("filter: small_caps\n---\nFind gems.\n")
	c, _ := ParsePrompt("---\nfilter: small_caps\n---\nFind other gems.\n")
	require.Equal(t, a.AnalysisType(), b.AnalysisType())
	require.NotEqual(t, a.AnalysisType(), c.AnalysisType())
	require.Regexp(t, `^small_caps:[0-9a-f]{6}$`, a.AnalysisType())

	named, _ := ParsePrompt("---\nanalysis_type: weekly\n---\nAnything\n")
	require.Equal(t, "weekly", named.AnalysisType())
}

func TestLoadPrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.md")
	require.NoError(t, os.WriteFile(path, []byte("---\r\nfilter: resilient\r\n---\r\nBody\r\n"), 0o644))
	p, err := LoadPrompt(path)
	require.NoError(t, err)
	require.Equal(t, "resilient", p.Filter)
	require.Equal(t, "Body\n", p.Body)

	_, err = LoadPrompt(filepath.Join(t.TempDir(), "missing.md"))
	require.Error(t, err)
}

func TestNewMapper(t *testing.T) {
	records := []domain.Record{record(1, `{}`), record(2, `{}`), record(3, `{}`), record(4, `{}`)}
	mapper := NewMapper(records)

	next, err := mapper(context.Background(), []domain.Artifact{
		{ID: 10, TopIDs: []int64{3, 1}},
		{ID: 11, TopIDs: nil},
		{ID: 12, TopIDs: []int64{4}},
	})
	require.NoError(t, err)
	var ids []int64
	for _, rec := range next {
		ids = append(ids, rec.ID)
	}
	require.Equal(t, []int64{3, 1, 4}, ids)

	_, err = mapper(context.Background(), []domain.Artifact{{ID: 13, RunID: "run-1", TopIDs: []int64{99}}})
	require.ErrorContains(t, err, "record 99")
}

func TestStopAtMost(t *testing.T) {
	stop := StopAtMost(2)
	require.True(t, stop(nil))
	require.True(t, stop(make([]domain.Artifact, 2)))
	require.False(t, stop(make([]domain.Artifact, 3)))
}

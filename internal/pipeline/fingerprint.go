package pipeline

import (
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is the cache key of one batch.
type Fingerprint struct {
	RunScope     string
	AnalysisType string
	// Key is the ascending, comma-joined list of item ids.
	Key string
}

// NewFingerprint builds the fingerprint of a batch. The order of ids does not
// matter; ids is not modified.
func NewFingerprint(runScope, analysisType string, ids []int64) Fingerprint {
	return Fingerprint{
		RunScope:     runScope,
		AnalysisType: analysisType,
		Key:          SerializeIDs(ids),
	}
}

// SerializeIDs sorts a copy of ids and joins them with commas.
func SerializeIDs(ids []int64) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	var b strings.Builder
	for i, id := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}

// Hash is a stable 64-bit digest of the whole triple, used as an index key.
// Equal fingerprints always hash equal; lookups still compare the triple.
func (f Fingerprint) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(f.RunScope)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(f.AnalysisType)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(f.Key)
	return d.Sum64()
}

func (f Fingerprint) String() string {
	return f.RunScope + "/" + f.AnalysisType + "/" + f.Key
}

package gazetteer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"site-proximity/internal/models"
)

// NoMatchLine is the text record returned when no entry clears the threshold.
const NoMatchLine = "NO_MATCH NO_ZONE NO_REGION 1.0000"

// Options tunes matching. The defaults reproduce the production setup; none
// of the values carries a derivation, so they stay configurable.
type Options struct {
	// ScoreThreshold is the worst overall score still returned.
	ScoreThreshold float64
	// FieldThreshold is the worst per-token field score counted as a hit.
	FieldThreshold float64
	// MinTokenLength drops shorter query tokens before matching.
	MinTokenLength int

	NameWeight   float64
	ZoneWeight   float64
	RegionWeight float64

	// LengthWeight blends whole-field similarity into the score so that a
	// query equal to a name beats one merely contained in a longer name.
	LengthWeight float64
}

func DefaultOptions() Options {
	return Options{
		ScoreThreshold: 0.4,
		FieldThreshold: 0.3,
		MinTokenLength: 3,
		NameWeight:     1.0,
		ZoneWeight:     0.7,
		RegionWeight:   0.5,
		LengthWeight:   0.2,
	}
}

type field struct {
	str    string
	text   []rune
	weight float64
}

type indexed struct {
	entry  models.GazetteerEntry
	fields []field
}

// Index is an immutable weighted fuzzy index over gazetteer entries. Building
// it normalizes every field once; it is safe for concurrent use afterwards.
// Build a new Index when the gazetteer dataset changes.
type Index struct {
	opts    Options
	entries []indexed
}

func NewIndex(entries []models.GazetteerEntry, opts Options) *Index {
	idx := &Index{
		opts:    opts,
		entries: make([]indexed, 0, len(entries)),
	}
	for _, e := range entries {
		it := indexed{entry: e}
		for _, f := range []struct {
			text   string
			weight float64
		}{
			{Normalize(e.Name), opts.NameWeight},
			{Normalize(e.ZoneName), opts.ZoneWeight},
			{Normalize(e.RegionName), opts.RegionWeight},
		} {
			if f.text == "" || f.weight <= 0 {
				continue
			}
			it.fields = append(it.fields, field{str: f.text, text: []rune(f.text), weight: f.weight})
		}
		idx.entries = append(idx.entries, it)
	}
	return idx
}

func (x *Index) Len() int { return len(x.entries) }

func (x *Index) Options() Options { return x.opts }

type query struct {
	text   string
	tokens [][]rune
}

func (x *Index) prepare(raw string) (query, bool) {
	toks := tokens(Normalize(raw), x.opts.MinTokenLength)
	if len(toks) == 0 {
		return query{}, false
	}
	q := query{text: strings.Join(toks, " ")}
	for _, t := range toks {
		q.tokens = append(q.tokens, []rune(t))
	}
	return q, true
}

// score returns the dissimilarity of e to q, and false when no query token
// hits any field of e.
func (x *Index) score(q query, e *indexed) (float64, bool) {
	var relevance float64
	hit := false
	for _, tok := range q.tokens {
		best := 0.0
		for _, f := range e.fields {
			s := float64(substringDistance(tok, f.text)) / float64(len(tok))
			if s > x.opts.FieldThreshold {
				continue
			}
			if r := f.weight * (1 - s); r > best {
				best = r
				hit = true
			}
		}
		relevance += best
	}
	if !hit {
		return 1, false
	}
	relevance /= float64(len(q.tokens))

	// Whole-field similarity, weighted like the token hits, so only a query
	// equal to the entry name can reach a perfect score.
	similarity := 0.0
	qlen := len([]rune(q.text))
	for _, f := range e.fields {
		longest := max(qlen, len(f.text))
		sim := 1 - float64(levenshtein.ComputeDistance(q.text, f.str))/float64(longest)
		if v := f.weight * sim; v > similarity {
			similarity = v
		}
	}

	lw := x.opts.LengthWeight
	s := 1 - ((1-lw)*relevance + lw*similarity)
	switch {
	case s < 1e-9:
		s = 0
	case s > 1:
		s = 1
	}
	return s, true
}

// Search returns every entry scoring within the threshold, best first. Equal
// scores keep gazetteer order.
func (x *Index) Search(raw string) []models.MatchResult {
	q, ok := x.prepare(raw)
	if !ok {
		return nil
	}
	var out []models.MatchResult
	for i := range x.entries {
		s, ok := x.score(q, &x.entries[i])
		if !ok || s > x.opts.ScoreThreshold {
			continue
		}
		out = append(out, models.MatchResult{Entry: x.entries[i].entry, Score: s})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// Resolve returns the best entry for raw, or false when nothing clears the
// threshold (including blank queries and queries made only of short tokens).
func (x *Index) Resolve(raw string) (models.MatchResult, bool) {
	q, ok := x.prepare(raw)
	if !ok {
		return models.MatchResult{}, false
	}
	best := models.MatchResult{Score: math.Inf(1)}
	found := false
	for i := range x.entries {
		s, ok := x.score(q, &x.entries[i])
		if !ok || s > x.opts.ScoreThreshold || s >= best.Score {
			continue
		}
		best = models.MatchResult{Entry: x.entries[i].entry, Score: s}
		found = true
	}
	return best, found
}

// FormatLine renders a match as "<name> <zone> <region> <score>" with
// whitespace inside each field replaced by underscores.
func FormatLine(m models.MatchResult, ok bool) string {
	if !ok {
		return NoMatchLine
	}
	return fmt.Sprintf("%s %s %s %.4f",
		underscore(m.Entry.Name), underscore(m.Entry.ZoneName), underscore(m.Entry.RegionName), m.Score)
}

func underscore(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, s)
}

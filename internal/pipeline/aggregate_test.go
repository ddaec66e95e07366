package pipeline

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jononovo/send-claw2-sub007/internal/model"
)

func score(v float64) *float64 { return &v }

func company(name string, s float64, idx int) model.EntityRecord {
	return model.EntityRecord{
		Type:           model.QueryTypeCompany,
		Name:           name,
		Relevance:      score(s),
		Fields:         map[string]any{"name": name},
		DiscoveryIndex: idx,
	}
}

func contact(name, email, companyID string, s float64, idx int) model.EntityRecord {
	fields := map[string]any{"name": name}
	if email != "" {
		fields["email"] = email
	}
	return model.EntityRecord{
		Type:           model.QueryTypeContact,
		Name:           name,
		Relevance:      score(s),
		CompanyID:      companyID,
		Fields:         fields,
		DiscoveryIndex: idx,
	}
}

func recordNames(rs *model.ResultSet) []string {
	out := make([]string, len(rs.Records))
	for i, r := range rs.Records {
		out[i] = r.Name
	}
	return out
}

func TestAggregateThresholdAndOrder(t *testing.T) {
	scores := []float64{95, 90, 88, 80, 75, 60, 40, 30}
	var recs []model.EntityRecord
	for i, s := range scores {
		recs = append(recs, company(string(rune('A'+i)), s, i))
	}
	// arrive out of order
	rand.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })

	rs := Aggregate(recs, DefaultAggregateOptions())
	require.Len(t, rs.Records, 6)
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F"}, recordNames(rs))
	assert.Equal(t, 2, rs.Dropped.BelowThreshold)
	assert.Equal(t, 6, rs.TotalCompanies)
}

func TestAggregateFintechScenario(t *testing.T) {
	// Eight extractions scored [95,90,88,80,75,60,40,30] with a threshold
	// of 50 yield the six records at or above it; with a threshold above
	// 60 only five survive.
	scores := []float64{95, 90, 88, 80, 75, 60, 40, 30}
	var recs []model.EntityRecord
	for i, s := range scores {
		recs = append(recs, company(string(rune('A'+i)), s, i))
	}
	rs := Aggregate(recs, AggregateOptions{MaxPerParent: 3, MinRelevance: 61})
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, recordNames(rs))
	for i := 1; i < len(rs.Records); i++ {
		assert.GreaterOrEqual(t, rs.Records[i-1].Score(), rs.Records[i].Score())
	}
}

func TestAggregateEmailDedupe(t *testing.T) {
	recs := []model.EntityRecord{
		contact("Jane D.", "Jane@Acme.com", "", 65, 0),
		contact("Jane Doe", "jane@acme.com", "", 70, 1),
	}
	rs := Aggregate(recs, DefaultAggregateOptions())
	require.Len(t, rs.Records, 1)
	assert.Equal(t, "Jane Doe", rs.Records[0].Name)
	assert.InDelta(t, 70, rs.Records[0].Score(), 0.001)
	assert.Equal(t, 1, rs.Dropped.Duplicate)
}

func TestAggregateParentCap(t *testing.T) {
	recs := []model.EntityRecord{
		contact("D", "d@co.com", "7", 70, 0),
		contact("A", "a@co.com", "7", 90, 1),
		contact("C", "c@co.com", "7", 80, 2),
		contact("B", "b@co.com", "7", 85, 3),
	}
	rs := Aggregate(recs, DefaultAggregateOptions())
	assert.Equal(t, []string{"A", "B", "C"}, recordNames(rs))
	assert.Equal(t, 1, rs.Dropped.ParentCap)
	assert.Equal(t, 3, rs.TotalContacts)
}

func TestAggregateDedupeBeforeCap(t *testing.T) {
	// The duplicate of A must not use up one of company 7's slots.
	recs := []model.EntityRecord{
		contact("A", "a@co.com", "7", 95, 0),
		contact("A again", "a@co.com", "7", 94, 1),
		contact("B", "b@co.com", "7", 90, 2),
		contact("C", "c@co.com", "7", 85, 3),
		contact("D", "d@co.com", "7", 80, 4),
	}
	rs := Aggregate(recs, DefaultAggregateOptions())
	assert.Equal(t, []string{"A", "B", "C"}, recordNames(rs))
	assert.Equal(t, 1, rs.Dropped.Duplicate)
	assert.Equal(t, 1, rs.Dropped.ParentCap)
}

func TestAggregateParentByCompanyName(t *testing.T) {
	recs := []model.EntityRecord{
		contact("A", "", "", 90, 0),
		contact("B", "", "", 80, 1),
	}
	recs[0].Fields["company"] = "Acme Inc"
	recs[1].Fields["company"] = "  acme inc "
	rs := Aggregate(recs, AggregateOptions{MaxPerParent: 1, MinRelevance: 0})
	assert.Equal(t, []string{"A"}, recordNames(rs))
}

func TestAggregateCompaniesNeverCapped(t *testing.T) {
	var recs []model.EntityRecord
	for i := range 5 {
		recs = append(recs, company(string(rune('A'+i)), 90, i))
	}
	rs := Aggregate(recs, AggregateOptions{MaxPerParent: 1, MinRelevance: 50})
	assert.Len(t, rs.Records, 5)
}

func TestAggregateTiesKeepDiscoveryOrder(t *testing.T) {
	recs := []model.EntityRecord{company("third", 80, 2), company("first", 80, 0), company("second", 80, 1)}
	rs := Aggregate(recs, DefaultAggregateOptions())
	assert.Equal(t, []string{"first", "second", "third"}, recordNames(rs))
}

func TestAggregateMissingScoreAndName(t *testing.T) {
	noScore := company("NoScore", 0, 0)
	noScore.Relevance = nil
	recs := []model.EntityRecord{noScore, company("", 99, 1), company("Good", 51, 2)}

	rs := Aggregate(recs, DefaultAggregateOptions())
	assert.Equal(t, []string{"Good"}, recordNames(rs))
	assert.Equal(t, 1, rs.Dropped.BelowThreshold)
	assert.Equal(t, 1, rs.Dropped.Unnamed)

	rs = Aggregate(recs, AggregateOptions{MinRelevance: 0})
	assert.Equal(t, []string{"Good", "NoScore"}, recordNames(rs))
}

func TestAggregateIdempotent(t *testing.T) {
	recs := []model.EntityRecord{
		contact("A", "a@x.com", "1", 90, 0),
		contact("B", "a@x.com", "2", 90, 1),
		contact("C", "c@x.com", "1", 88, 2),
		contact("D", "d@x.com", "1", 70, 3),
		contact("E", "e@x.com", "1", 99, 4),
		contact("F", "", "", 45, 5),
	}
	before := append([]model.EntityRecord(nil), recs...)

	first := Aggregate(recs, DefaultAggregateOptions())
	second := Aggregate(recs, DefaultAggregateOptions())
	assert.Equal(t, first, second)
	assert.Equal(t, before, recs, "input must not be reordered")

	reversed := make([]model.EntityRecord, len(recs))
	for i, r := range recs {
		reversed[len(recs)-1-i] = r
	}
	assert.Equal(t, first, Aggregate(reversed, DefaultAggregateOptions()))
}

func TestAggregateProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	opts := DefaultAggregateOptions()
	for range 50 {
		var recs []model.EntityRecord
		for i := range 30 {
			email := ""
			if r.IntN(3) > 0 {
				email = string(rune('a'+r.IntN(10))) + "@x.com"
			}
			recs = append(recs, contact(string(rune('A'+i)), email, string(rune('0'+r.IntN(4))), float64(r.IntN(101)), i))
		}
		rs := Aggregate(recs, opts)

		emails := map[string]bool{}
		parents := map[string]int{}
		for i, rec := range rs.Records {
			assert.GreaterOrEqual(t, rec.Score(), opts.MinRelevance)
			if i > 0 {
				assert.GreaterOrEqual(t, rs.Records[i-1].Score(), rec.Score())
			}
			if e := rec.EmailKey(); e != "" {
				assert.False(t, emails[e], "duplicate email %s", e)
				emails[e] = true
			}
			parents[rec.ParentKey()]++
			assert.LessOrEqual(t, parents[rec.ParentKey()], opts.MaxPerParent)
		}
	}
}

func TestAggregateEmpty(t *testing.T) {
	rs := Aggregate(nil, DefaultAggregateOptions())
	assert.NotNil(t, rs.Records)
	assert.Empty(t, rs.Records)
}

package model

import "time"

// DropCounts tallies why records did not make it into a result set.
type DropCounts struct {
	Unnamed        int `json:"unnamed"`
	BelowThreshold int `json:"below_threshold"`
	Duplicate      int `json:"duplicate"`
	ParentCap      int `json:"parent_cap"`
	Truncated      int `json:"truncated"`
}

// ResultSet is the final output of one run. It is cached under the query
// fingerprint and never changes once written.
type ResultSet struct {
	Fingerprint      string         `json:"fingerprint"`
	Query            string         `json:"query"`
	Schema           ResolvedSchema `json:"schema"`
	Records          []EntityRecord `json:"records"`
	TotalCompanies   int            `json:"total_companies"`
	TotalContacts    int            `json:"total_contacts"`
	TargetCount      int            `json:"target_count"`
	CandidatesFound  int            `json:"candidates_found"`
	FailedEntities   int            `json:"failed_entities"`
	SourceBreakdown  map[string]int `json:"source_breakdown"`
	Dropped          DropCounts     `json:"dropped"`
	DurationMs       int64          `json:"duration_ms"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	IsCached         bool           `json:"is_cached"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// Tally recomputes the per-type totals from Records.
func (rs *ResultSet) Tally() {
	rs.TotalCompanies, rs.TotalContacts = 0, 0
	for _, r := range rs.Records {
		switch r.Type {
		case QueryTypeCompany:
			rs.TotalCompanies++
		case QueryTypeContact:
			rs.TotalContacts++
		}
	}
}

// Truncate keeps at most n records. n <= 0 means no limit.
func (rs *ResultSet) Truncate(n int) {
	if n <= 0 || len(rs.Records) <= n {
		return
	}
	rs.Dropped.Truncated += len(rs.Records) - n
	rs.Records = rs.Records[:n]
	rs.Tally()
}

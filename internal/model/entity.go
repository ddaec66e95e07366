package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// CandidateEntity is a real-world entity surfaced by discovery, before any
// research has been done on it.
type CandidateEntity struct {
	Name      string    `json:"name"`
	Type      QueryType `json:"type"`
	Company   string    `json:"company,omitempty"`
	CompanyID string    `json:"company_id,omitempty"`
	Website   string    `json:"website,omitempty"`
	Index     int       `json:"index"`
}

// Key is the normalized name used to dedupe candidates.
func (c CandidateEntity) Key() string {
	return Normalize(c.Name)
}

// Provenance records where a piece of research came from.
type Provenance struct {
	Provider  string    `json:"provider"`
	SourceURL string    `json:"source_url,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ResearchChunk is the text one provider returned for one entity.
type ResearchChunk struct {
	Text       string     `json:"text"`
	Provenance Provenance `json:"provenance"`
}

// RawResearch is the combined research text for one entity. It is consumed
// once by extraction and then discarded.
type RawResearch struct {
	Entity CandidateEntity `json:"entity"`
	Chunks []ResearchChunk `json:"chunks"`
}

// Empty reports whether no provider contributed any text.
func (r *RawResearch) Empty() bool {
	if r == nil {
		return true
	}
	for _, c := range r.Chunks {
		if strings.TrimSpace(c.Text) != "" {
			return false
		}
	}
	return true
}

// Providers returns the distinct provider names that contributed text, in
// first-seen order.
func (r *RawResearch) Providers() []string {
	if r == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, c := range r.Chunks {
		if strings.TrimSpace(c.Text) == "" || seen[c.Provenance.Provider] {
			continue
		}
		seen[c.Provenance.Provider] = true
		out = append(out, c.Provenance.Provider)
	}
	return out
}

// Text joins all chunks into one labelled document for the extractor.
func (r *RawResearch) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		b.WriteString("### Source: ")
		b.WriteString(c.Provenance.Provider)
		if c.Provenance.SourceURL != "" {
			b.WriteString(" (")
			b.WriteString(c.Provenance.SourceURL)
			b.WriteString(")")
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(c.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

// EntityRecord is the structured output for one entity.
type EntityRecord struct {
	Type              QueryType      `json:"type"`
	Name              string         `json:"name"`
	Relevance         *float64       `json:"relevance_score"`
	CompanyID         string         `json:"company_id,omitempty"`
	// ParentName is the employer named at discovery. It keys the parent when
	// the company field is absent.
	ParentName        string         `json:"parent_name,omitempty"`
	Fields            map[string]any `json:"fields"`
	CustomFieldValues map[string]any `json:"custom_field_values"`
	Sources           []string       `json:"sources,omitempty"`
	NulledUngrounded  []string       `json:"nulled_ungrounded,omitempty"`
	DiscoveryIndex    int            `json:"discovery_index"`
}

// Score returns the relevance score clamped to [0,100]. A missing score
// counts as zero.
func (r EntityRecord) Score() float64 {
	if r.Relevance == nil {
		return 0
	}
	return min(max(*r.Relevance, 0), 100)
}

// StringField returns a standard field as a trimmed string, or "" if absent
// or not a string.
func (r EntityRecord) StringField(name string) string {
	v, ok := r.Fields[name].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// EmailKey returns the normalized email, or "" when the record has none.
func (r EntityRecord) EmailKey() string {
	e := strings.ToLower(r.StringField("email"))
	if !strings.Contains(e, "@") {
		return ""
	}
	return e
}

// ParentKey identifies the company a contact belongs to. It is empty for
// company records and for contacts with no known company.
func (r EntityRecord) ParentKey() string {
	if r.Type != QueryTypeContact {
		return ""
	}
	if r.CompanyID != "" {
		return "id:" + r.CompanyID
	}
	if c := Normalize(r.StringField("company")); c != "" {
		return "company:" + c
	}
	if c := Normalize(r.ParentName); c != "" {
		return "company:" + c
	}
	return ""
}

// IdentityKey is the dedupe key: the email when present, otherwise the
// normalized name qualified by the parent.
func (r EntityRecord) IdentityKey() string {
	if e := r.EmailKey(); e != "" {
		return "email:" + e
	}
	return "name:" + Normalize(r.Name) + "|" + r.ParentKey()
}

// ValidateAgainst checks that the record carries exactly the schema's
// custom keys and only catalog fields the schema requested.
func (r EntityRecord) ValidateAgainst(s ResolvedSchema) error {
	if strings.TrimSpace(r.Name) == "" {
		return eris.New("record: name is empty")
	}
	for k := range r.Fields {
		if !s.HasStandard(k) {
			return eris.Errorf("record %q: field %q not in schema", r.Name, k)
		}
	}
	if len(r.CustomFieldValues) != len(s.CustomFields) {
		return eris.Errorf("record %q: has %d custom values, schema has %d", r.Name, len(r.CustomFieldValues), len(s.CustomFields))
	}
	for _, k := range s.CustomKeys() {
		if _, ok := r.CustomFieldValues[k]; !ok {
			return eris.Errorf("record %q: missing custom key %q", r.Name, k)
		}
	}
	return nil
}

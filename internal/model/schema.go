package model

import (
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// QueryType discriminates what kind of entity a query targets.
type QueryType string

const (
	QueryTypeCompany QueryType = "company"
	QueryTypeContact QueryType = "contact"
)

// Valid reports whether t is one of the known query types.
func (t QueryType) Valid() bool {
	return t == QueryTypeCompany || t == QueryTypeContact
}

// Target count bounds applied regardless of what the classifier proposes.
const (
	MinTargetCount     = 5
	MaxTargetCount     = 20
	DefaultTargetCount = 10
)

// ClampTargetCount bounds n to [MinTargetCount, MaxTargetCount]. Zero or
// negative input yields DefaultTargetCount.
func ClampTargetCount(n int) int {
	switch {
	case n <= 0:
		return DefaultTargetCount
	case n < MinTargetCount:
		return MinTargetCount
	case n > MaxTargetCount:
		return MaxTargetCount
	}
	return n
}

// FieldKind is the value type of a standard field.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindInteger FieldKind = "integer"
	KindNumber  FieldKind = "number"
	KindURL     FieldKind = "url"
	KindEmail   FieldKind = "email"
)

// StandardField is one entry in the fixed field catalog.
type StandardField struct {
	Name     string    `yaml:"name" json:"name"`
	Label    string    `yaml:"label" json:"label"`
	Kind     FieldKind `yaml:"kind" json:"kind"`
	Synonyms []string  `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
}

// Catalog is the enumerable set of standard fields per query type.
type Catalog struct {
	Company []StandardField `yaml:"company"`
	Contact []StandardField `yaml:"contact"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Company: []StandardField{
			{Name: "name", Label: "Company name", Kind: KindString},
			{Name: "website", Label: "Website", Kind: KindURL, Synonyms: []string{"url", "homepage", "domain"}},
			{Name: "description", Label: "Description", Kind: KindString, Synonyms: []string{"summary", "overview", "about"}},
			{Name: "industry", Label: "Industry", Kind: KindString, Synonyms: []string{"sector", "vertical"}},
			{Name: "location", Label: "Headquarters", Kind: KindString, Synonyms: []string{"hq", "headquarters", "city", "address"}},
			{Name: "employee_count", Label: "Employees", Kind: KindInteger, Synonyms: []string{"employees", "headcount", "team_size", "company_size"}},
			{Name: "founded_year", Label: "Founded", Kind: KindInteger, Synonyms: []string{"founded", "year_founded", "founding_year"}},
			{Name: "funding_stage", Label: "Funding stage", Kind: KindString, Synonyms: []string{"stage", "last_round"}},
			{Name: "total_funding", Label: "Total funding", Kind: KindString, Synonyms: []string{"funding", "funding_amount", "raised"}},
			{Name: "revenue_range", Label: "Revenue", Kind: KindString, Synonyms: []string{"revenue", "annual_revenue"}},
			{Name: "linkedin_url", Label: "LinkedIn", Kind: KindURL, Synonyms: []string{"linkedin"}},
			{Name: "email", Label: "Contact email", Kind: KindEmail, Synonyms: []string{"contact_email"}},
			{Name: "phone", Label: "Phone", Kind: KindString, Synonyms: []string{"phone_number", "telephone"}},
		},
		Contact: []StandardField{
			{Name: "name", Label: "Full name", Kind: KindString, Synonyms: []string{"full_name"}},
			{Name: "title", Label: "Title", Kind: KindString, Synonyms: []string{"role", "job_title", "position"}},
			{Name: "company", Label: "Company", Kind: KindString, Synonyms: []string{"employer", "organization", "company_name"}},
			{Name: "email", Label: "Email", Kind: KindEmail, Synonyms: []string{"email_address", "work_email"}},
			{Name: "phone", Label: "Phone", Kind: KindString, Synonyms: []string{"phone_number", "mobile"}},
			{Name: "linkedin_url", Label: "LinkedIn", Kind: KindURL, Synonyms: []string{"linkedin", "linkedin_profile"}},
			{Name: "location", Label: "Location", Kind: KindString, Synonyms: []string{"city", "based_in"}},
			{Name: "seniority", Label: "Seniority", Kind: KindString, Synonyms: []string{"level"}},
			{Name: "department", Label: "Department", Kind: KindString, Synonyms: []string{"team", "function"}},
		},
	}
}

// LoadCatalog reads a catalog override from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, eris.Wrap(err, "catalog: parse")
	}
	for _, t := range []QueryType{QueryTypeCompany, QueryTypeContact} {
		if _, ok := cat.Lookup(t, "name"); !ok {
			return nil, eris.Errorf("catalog: %s fields must include name", t)
		}
	}
	return &cat, nil
}

// Fields returns the catalog entries for t in catalog order.
func (c *Catalog) Fields(t QueryType) []StandardField {
	if t == QueryTypeContact {
		return c.Contact
	}
	return c.Company
}

// Lookup finds a standard field by exact name.
func (c *Catalog) Lookup(t QueryType, name string) (StandardField, bool) {
	for _, f := range c.Fields(t) {
		if f.Name == name {
			return f, true
		}
	}
	return StandardField{}, false
}

// Overlaps reports whether a custom key or label means the same thing as a
// standard field of t.
func (c *Catalog) Overlaps(t QueryType, keyOrLabel string) bool {
	slug := SlugKey(keyOrLabel)
	if slug == "" {
		return false
	}
	for _, f := range c.Fields(t) {
		if slug == f.Name || slug == SlugKey(f.Label) {
			return true
		}
		if slices.Contains(f.Synonyms, slug) {
			return true
		}
	}
	return false
}

// CustomField is a run-time field proposed for one query.
type CustomField struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

var customKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,39}$`)

// ValidCustomKey reports whether key is usable as a structured-output key.
func ValidCustomKey(key string) bool {
	return customKeyPattern.MatchString(key)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// SlugKey turns free text into a candidate custom key ("Tech Stack" →
// "tech_stack"). The result may still fail ValidCustomKey.
func SlugKey(s string) string {
	s = nonSlug.ReplaceAllString(Normalize(s), "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}

// ResolvedSchema is computed once per query and passed by value to every
// later stage. Callers must not modify the slices.
type ResolvedSchema struct {
	QueryType      QueryType     `json:"query_type"`
	TargetCount    int           `json:"target_count"`
	StandardFields []string      `json:"standard_fields"`
	CustomFields   []CustomField `json:"custom_fields"`
}

// HasStandard reports whether the schema requests the standard field name.
func (s ResolvedSchema) HasStandard(name string) bool {
	return slices.Contains(s.StandardFields, name)
}

// HasCustom reports whether key is one of the schema's custom field keys.
func (s ResolvedSchema) HasCustom(key string) bool {
	for _, cf := range s.CustomFields {
		if cf.Key == key {
			return true
		}
	}
	return false
}

// CustomKeys returns the custom field keys in schema order.
func (s ResolvedSchema) CustomKeys() []string {
	keys := make([]string, len(s.CustomFields))
	for i, cf := range s.CustomFields {
		keys[i] = cf.Key
	}
	return keys
}

// Validate checks the schema's invariants against a catalog.
func (s ResolvedSchema) Validate(cat *Catalog) error {
	if !s.QueryType.Valid() {
		return eris.Errorf("schema: unknown query type %q", s.QueryType)
	}
	if s.TargetCount < MinTargetCount || s.TargetCount > MaxTargetCount {
		return eris.Errorf("schema: target count %d out of range", s.TargetCount)
	}
	if !s.HasStandard("name") {
		return eris.New("schema: name field is required")
	}
	for _, name := range s.StandardFields {
		if _, ok := cat.Lookup(s.QueryType, name); !ok {
			return eris.Errorf("schema: %q is not a %s catalog field", name, s.QueryType)
		}
	}
	seen := make(map[string]bool, len(s.CustomFields))
	for _, cf := range s.CustomFields {
		if !ValidCustomKey(cf.Key) {
			return eris.Errorf("schema: invalid custom key %q", cf.Key)
		}
		if seen[cf.Key] {
			return eris.Errorf("schema: duplicate custom key %q", cf.Key)
		}
		if cat.Overlaps(s.QueryType, cf.Key) {
			return eris.Errorf("schema: custom key %q duplicates a standard field", cf.Key)
		}
		seen[cf.Key] = true
	}
	return nil
}

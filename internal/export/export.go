// Package export hands finished result sets to places outside the
// service: spreadsheets and saved lists.
package export

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jononovo/send-claw2-sub007/internal/model"
)

// Saver persists a result set as a saved list and returns how many
// records were written.
type Saver interface {
	Save(ctx context.Context, rs *model.ResultSet) (int, error)
}

// Column is one exported column.
type Column struct {
	Key    string
	Label  string
	Custom bool
}

// Columns lists the exported columns for s in order: standard fields in
// schema order, then custom fields, then the relevance score.
func Columns(s model.ResolvedSchema, cat *model.Catalog) []Column {
	cols := make([]Column, 0, len(s.StandardFields)+len(s.CustomFields)+1)
	for _, name := range s.StandardFields {
		label := name
		if f, ok := cat.Lookup(s.QueryType, name); ok {
			label = f.Label
		}
		cols = append(cols, Column{Key: name, Label: label})
	}
	for _, cf := range s.CustomFields {
		cols = append(cols, Column{Key: cf.Key, Label: cf.Label, Custom: true})
	}
	return append(cols, Column{Key: "relevance_score", Label: "Relevance"})
}

// Cell renders one value of rec as text. Unknown values are empty.
func Cell(rec model.EntityRecord, col Column) string {
	if col.Key == "relevance_score" {
		if rec.Relevance == nil {
			return ""
		}
		return strconv.FormatFloat(rec.Score(), 'f', -1, 64)
	}
	var v any
	if col.Custom {
		v = rec.CustomFieldValues[col.Key]
	} else {
		v = rec.Fields[col.Key]
	}
	return format(v)
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "yes"
		}
		return "no"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}

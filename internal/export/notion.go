package export

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/pkg/notion"
)

// NotionSaver saves result sets as rows of a Notion database.
type NotionSaver struct {
	client  notion.Client
	dbID    string
	catalog *model.Catalog
}

// NewNotionSaver creates a saver writing into the database dbID.
func NewNotionSaver(client notion.Client, dbID string, cat *model.Catalog) *NotionSaver {
	return &NotionSaver{client: client, dbID: dbID, catalog: cat}
}

// Save implements Saver. The query text names the list, so saving a
// refreshed result for the same query updates its rows.
func (s *NotionSaver) Save(ctx context.Context, rs *model.ResultSet) (int, error) {
	rows := Rows(rs, s.catalog)
	stats, err := notion.SyncRows(ctx, s.client, s.dbID, rs.Query, rows)
	if err != nil {
		return stats.Written(), eris.Wrapf(err, "export: save %q to notion (%d of %d written)", rs.Query, stats.Written(), len(rows))
	}
	zap.L().Info("export: saved list to notion",
		zap.String("fingerprint", rs.Fingerprint),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
	)
	return stats.Written(), nil
}

// Rows converts records into Notion rows. The name becomes the title and
// the first URL-kind standard field the URL column.
func Rows(rs *model.ResultSet, cat *model.Catalog) []notion.Row {
	cols := Columns(rs.Schema, cat)
	rows := make([]notion.Row, 0, len(rs.Records))
	for _, rec := range rs.Records {
		row := notion.Row{Title: rec.Name, Columns: map[string]string{}}
		for _, c := range cols {
			if c.Key == "name" {
				continue
			}
			v := Cell(rec, c)
			if !c.Custom && row.URL == "" && v != "" {
				if f, ok := cat.Lookup(rs.Schema.QueryType, c.Key); ok && f.Kind == model.KindURL {
					row.URL = v
					continue
				}
			}
			row.Columns[c.Label] = v
		}
		rows = append(rows, row)
	}
	return rows
}

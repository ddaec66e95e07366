package notion

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Property names every list database must have.
const (
	TitleProperty = "Name"
	URLProperty   = "URL"
	ListProperty  = "List"
)

// maxRichText is Notion's limit for one rich text item, in characters.
const maxRichText = 2000

// Row is one database row: a title, an optional URL column and free-text
// columns keyed by property name.
type Row struct {
	Title   string
	URL     string
	Columns map[string]string
}

// Properties converts the row into page properties for the named list.
// Empty text columns are left out, as are columns that would shadow the
// reserved properties.
func (r Row) Properties(list string) notionapi.Properties {
	props := notionapi.Properties{
		TitleProperty: notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{richText(r.Title)},
		},
		ListProperty: textProperty(list),
	}
	if r.URL != "" {
		props[URLProperty] = notionapi.URLProperty{Type: notionapi.PropertyTypeURL, URL: r.URL}
	}
	for k, v := range r.Columns {
		switch k {
		case TitleProperty, URLProperty, ListProperty:
			continue
		}
		if v != "" {
			props[k] = textProperty(v)
		}
	}
	return props
}

func textProperty(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{richText(s)},
	}
}

func richText(s string) notionapi.RichText {
	if r := []rune(s); len(r) > maxRichText {
		s = string(r[:maxRichText])
	}
	return notionapi.RichText{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}
}

// SyncStats counts what a sync wrote.
type SyncStats struct {
	Created int
	Updated int
}

// Written is the number of rows that reached Notion.
func (s SyncStats) Written() int { return s.Created + s.Updated }

// SyncRows writes rows into the database as members of list. A row whose
// title already exists in the list updates that page; others are created.
// Rows are written in order and the stats cover those written before any
// error.
func SyncRows(ctx context.Context, c Client, dbID, list string, rows []Row) (SyncStats, error) {
	var stats SyncStats

	existing, err := listPages(ctx, c, dbID, list)
	if err != nil {
		return stats, err
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, eris.Wrap(err, "notion: sync cancelled")
		}
		props := row.Properties(list)
		if pageID, ok := existing[titleKey(row.Title)]; ok {
			if _, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
				return stats, eris.Wrapf(err, "notion: update row %q", row.Title)
			}
			stats.Updated++
			continue
		}
		page, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
			Parent: notionapi.Parent{
				Type:       notionapi.ParentTypeDatabaseID,
				DatabaseID: notionapi.DatabaseID(dbID),
			},
			Properties: props,
		})
		if err != nil {
			return stats, eris.Wrapf(err, "notion: create row %q", row.Title)
		}
		// A repeated title later in the same batch updates this page.
		if page != nil && page.ID != "" {
			existing[titleKey(row.Title)] = string(page.ID)
		}
		stats.Created++
	}
	return stats, nil
}

// listPages maps normalized titles to page IDs for every page in list,
// following pagination to the end.
func listPages(ctx context.Context, c Client, dbID, list string) (map[string]string, error) {
	pages := map[string]string{}
	req := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: ListProperty,
			RichText: &notionapi.TextFilterCondition{Equals: list},
		},
		PageSize: 100,
	}
	for {
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrapf(err, "notion: list pages for %q", list)
		}
		for _, p := range resp.Results {
			if title := pageTitle(p); title != "" {
				pages[titleKey(title)] = string(p.ID)
			}
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		req.StartCursor = resp.NextCursor
	}
}

func pageTitle(p notionapi.Page) string {
	prop, ok := p.Properties[TitleProperty]
	if !ok {
		return ""
	}
	var parts []notionapi.RichText
	switch tp := prop.(type) {
	case *notionapi.TitleProperty:
		parts = tp.Title
	case notionapi.TitleProperty:
		parts = tp.Title
	}
	var b strings.Builder
	for _, rt := range parts {
		switch {
		case rt.PlainText != "":
			b.WriteString(rt.PlainText)
		case rt.Text != nil:
			b.WriteString(rt.Text.Content)
		}
	}
	return b.String()
}

func titleKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

package export

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/jononovo/send-claw2-sub007/internal/model"
)

const sheetName = "Results"

// WriteXLSX writes rs as a single-sheet workbook: a header row of column
// labels, then one row per record in ranked order.
func WriteXLSX(w io.Writer, rs *model.ResultSet, cat *model.Catalog) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	cols := Columns(rs.Schema, cat)
	header := sheet.AddRow()
	for _, c := range cols {
		header.AddCell().SetString(c.Label)
	}

	for _, rec := range rs.Records {
		row := sheet.AddRow()
		for _, c := range cols {
			cell := row.AddCell()
			if c.Key == "relevance_score" && rec.Relevance != nil {
				cell.SetFloat(rec.Score())
				continue
			}
			cell.SetString(Cell(rec, c))
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "xlsx: write workbook")
	}
	return nil
}

// ReadXLSX reads the first sheet of a workbook as strings.
func ReadXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

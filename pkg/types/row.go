// Package types provides core data types shared across SQLiteCult packages.
package types

// Row is one table row: the rowid key plus values aligned with Columns.
type Row struct {
	// RowID is SQLite's implicit row key
	RowID int64 `json:"rowid"`

	// Columns are the column names in table order
	Columns []string `json:"-"`

	// Values holds one value per column: nil, int64, float64, string or []byte
	Values []interface{} `json:"-"`
}

// Get returns the value for a column and whether the column exists.
func (r Row) Get(column string) (interface{}, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Map returns the row as a column → value map including "rowid".
func (r Row) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.Columns)+1)
	m["rowid"] = r.RowID
	for i, c := range r.Columns {
		m[c] = r.Values[i]
	}
	return m
}

// Page is one page of rows from a table.
type Page struct {
	Columns    []string `json:"columns"`
	Rows       []Row    `json:"-"`
	Page       int      `json:"page"`
	PageSize   int      `json:"per_page"`
	TotalRows  int64    `json:"total_rows"`
	TotalPages int      `json:"total_pages"`
}

// HasPrev reports whether a previous page exists.
func (p *Page) HasPrev() bool {
	return p.Page > 1
}

// HasNext reports whether a following page exists.
func (p *Page) HasNext() bool {
	return p.Page < p.TotalPages
}

// Offset returns the row offset of the page.
func (p *Page) Offset() int {
	return (p.Page - 1) * p.PageSize
}

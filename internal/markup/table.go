// Package markup parses HTML tables into header-keyed rows for the
// collectors. Rows are keyed by detected header text, not column position, so
// minor layout reordering on a source site does not break extraction.
package markup

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var whitespaceRE = regexp.MustCompile(`\s+`)

// Table is one HTML table flattened into header-keyed rows.
type Table struct {
	Headers []string
	Rows    []map[string]string
}

// ParseTables extracts every <table> in the document. Tables without a
// detectable header row are skipped.
func ParseTables(body []byte) ([]Table, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var tables []Table
	doc.Find("table").Each(func(_ int, sel *goquery.Selection) {
		table := parseTable(sel)
		if len(table.Headers) > 0 {
			tables = append(tables, table)
		}
	})
	return tables, nil
}

// FirstTable returns the first table in the document that has both headers
// and at least one data row.
func FirstTable(body []byte) (Table, error) {
	tables, err := ParseTables(body)
	if err != nil {
		return Table{}, err
	}
	for _, table := range tables {
		if len(table.Rows) > 0 {
			return table, nil
		}
	}
	return Table{}, fmt.Errorf("no table with data rows found")
}

// ParseKeyValues flattens two-column tables (label in the first cell, value in
// the second) into a single map. Detail pages on assessor sites commonly use
// this layout.
func ParseKeyValues(body []byte) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	values := make(map[string]string)
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() != 2 {
			return
		}
		key := cleanCell(cells.Eq(0).Text())
		if key == "" {
			return
		}
		values[key] = cleanCell(cells.Eq(1).Text())
	})
	if len(values) == 0 {
		return nil, fmt.Errorf("no key/value rows found")
	}
	return values, nil
}

// SelectText returns the cleaned text of every node matching selector.
func SelectText(body []byte, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, cleanCell(sel.Text()))
	})
	return out, nil
}

func parseTable(sel *goquery.Selection) Table {
	headers, headerRowIndex := detectHeaders(sel)
	if len(headers) == 0 {
		return Table{}
	}

	table := Table{Headers: headers}
	sel.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == headerRowIndex || row.Find("th").Length() > 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() == 0 {
			return
		}
		record := make(map[string]string, len(headers))
		cells.EachWithBreak(func(i int, cell *goquery.Selection) bool {
			if i >= len(headers) {
				return false
			}
			record[headers[i]] = cleanCell(cell.Text())
			return true
		})
		if len(record) > 0 {
			table.Rows = append(table.Rows, record)
		}
	})
	return table
}

// detectHeaders prefers <th> cells anywhere in the table; if the table has
// none, the first row of <td> cells is treated as the header row. The second
// return value is the index of the row the headers came from so it can be
// excluded from the data rows.
func detectHeaders(sel *goquery.Selection) ([]string, int) {
	var headers []string
	headerRowIndex := -1
	sel.Find("tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		ths := row.Find("th")
		if ths.Length() == 0 {
			return true
		}
		ths.Each(func(_ int, cell *goquery.Selection) {
			headers = append(headers, cleanCell(cell.Text()))
		})
		headerRowIndex = i
		return false
	})
	if len(headers) > 0 {
		return headers, headerRowIndex
	}

	firstRow := sel.Find("tr").First()
	firstRow.Find("td").Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, cleanCell(cell.Text()))
	})
	if len(headers) > 0 {
		headerRowIndex = 0
	}
	return headers, headerRowIndex
}

func cleanCell(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

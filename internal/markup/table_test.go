package markup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const indexHTML = `
<html><body>
<h1>Tax Roll Search Results</h1>
<table id="results">
  <tr><th>Account Number</th><th>Owner Name</th><th> Appraised   Value </th></tr>
  <tr><td>12-0001</td><td>SMITH JOHN</td><td>$125,000</td></tr>
  <tr><td>12-0002</td><td>DOE JANE</td><td>$98,500</td></tr>
</table>
</body></html>`

const reorderedHTML = `
<table>
  <tr><th>Owner Name</th><th>Account Number</th></tr>
  <tr><td>SMITH JOHN</td><td>12-0001</td></tr>
</table>`

const headerlessHTML = `
<table>
  <tr><td>Account</td><td>Owner</td></tr>
  <tr><td>99-1234</td><td>ACME LLC</td></tr>
</table>`

func TestFirstTableKeysRowsByHeaderText(t *testing.T) {
	t.Parallel()

	table, err := FirstTable([]byte(indexHTML))
	require.NoError(t, err)
	require.Equal(t, []string{"Account Number", "Owner Name", "Appraised Value"}, table.Headers)
	require.Len(t, table.Rows, 2)
	require.Equal(t, "12-0001", table.Rows[0]["Account Number"])
	require.Equal(t, "$125,000", table.Rows[0]["Appraised Value"])
	require.Equal(t, "DOE JANE", table.Rows[1]["Owner Name"])
}

func TestFirstTableToleratesColumnReordering(t *testing.T) {
	t.Parallel()

	table, err := FirstTable([]byte(reorderedHTML))
	require.NoError(t, err)
	require.Equal(t, "12-0001", table.Rows[0]["Account Number"])
	require.Equal(t, "SMITH JOHN", table.Rows[0]["Owner Name"])
}

func TestFirstTableFallsBackToFirstRowHeaders(t *testing.T) {
	t.Parallel()

	table, err := FirstTable([]byte(headerlessHTML))
	require.NoError(t, err)
	require.Equal(t, []string{"Account", "Owner"}, table.Headers)
	require.Len(t, table.Rows, 1)
	require.Equal(t, "99-1234", table.Rows[0]["Account"])
}

func TestFirstTableNoTable(t *testing.T) {
	t.Parallel()

	_, err := FirstTable([]byte("<html><body><p>maintenance window</p></body></html>"))
	require.Error(t, err)
}

func TestParseKeyValues(t *testing.T) {
	t.Parallel()

	detail := `
<table class="detail">
  <tr><th>Legal Description</th><td>LOT 4 BLK 2</td></tr>
  <tr><th>Year Built</th><td>1987</td></tr>
  <tr><td>Land Use</td><td>RESIDENTIAL</td></tr>
  <tr><td>spans</td><td>a</td><td>b</td></tr>
</table>`

	values, err := ParseKeyValues([]byte(detail))
	require.NoError(t, err)
	require.Equal(t, "LOT 4 BLK 2", values["Legal Description"])
	require.Equal(t, "1987", values["Year Built"])
	require.Equal(t, "RESIDENTIAL", values["Land Use"])
	require.NotContains(t, values, "spans")
}

func TestParseKeyValuesEmpty(t *testing.T) {
	t.Parallel()

	_, err := ParseKeyValues([]byte("<html><body></body></html>"))
	require.Error(t, err)
}

func TestSelectText(t *testing.T) {
	t.Parallel()

	got, err := SelectText([]byte(indexHTML), "h1")
	require.NoError(t, err)
	require.Equal(t, []string{"Tax Roll Search Results"}, got)
}

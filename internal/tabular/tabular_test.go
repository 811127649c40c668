package tabular

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead_HeaderOnFirstRow(t *testing.T) {
	sheet := `Date,Description,Amount,Short_Desc,Category_2,Account
01/15/2024,SAFEWAY #1547,43.12,groceries,Food,discover
01/16/2024,SHELL OIL,35.00,gas,Transportation,discover
`
	tbl, err := Read(strings.NewReader(sheet))
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 2)

	assert.True(t, tbl.HasField(FieldShortDesc))
	assert.Equal(t, "groceries", tbl.Field(tbl.Rows[0], FieldShortDesc))
	assert.Equal(t, "Food", tbl.Field(tbl.Rows[0], FieldCategory2))
	assert.Equal(t, "discover", tbl.Field(tbl.Rows[0], FieldAccount))
}

func TestRead_HeaderAfterBlankRows(t *testing.T) {
	// Curated files sometimes carry notes and blank rows above the table.
	sheet := `,,,
Some note someone typed,,,
,,,
Date,Description,Amount,Short_Desc
01/15/2024,SAFEWAY #1547,43.12,groceries
`
	tbl, err := Read(strings.NewReader(sheet))
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, "SAFEWAY #1547", tbl.Field(tbl.Rows[0], FieldDescription))
}

func TestRead_NoHeader(t *testing.T) {
	sheet := `just,some,random,cells
more,random,cells,here
`
	_, err := Read(strings.NewReader(sheet))
	assert.Error(t, err)
}

func TestNormalizeColumns_LegacyTaxonomy(t *testing.T) {
	sheet := `Date,Description,Amount,Specific Category,Secondary Category
01/15/2021,SOME SHOP,12.00,clothes,Personal Spending
`
	tbl, err := Read(strings.NewReader(sheet))
	require.NoError(t, err)

	// Legacy columns double as the modern ones.
	assert.Equal(t, "clothes", tbl.Field(tbl.Rows[0], FieldShortDesc))
	assert.Equal(t, "Personal Spending", tbl.Field(tbl.Rows[0], FieldCategory2))
	assert.Equal(t, "clothes", tbl.Field(tbl.Rows[0], FieldSpecificCategory))
}

func TestNormalizeColumns_PrefersTransDateAndDebitAmount(t *testing.T) {
	sheet := `Trans. Date,Post Date,Description,Amount,Debit_Amount
01/15/2023,01/16/2023,SOME SHOP,12.00,-12.00
`
	tbl, err := Read(strings.NewReader(sheet))
	require.NoError(t, err)

	assert.Equal(t, "01/15/2023", tbl.Field(tbl.Rows[0], FieldDate))
	assert.Equal(t, "-12.00", tbl.Field(tbl.Rows[0], FieldDebitAmount))
}

func TestField_ShortRow(t *testing.T) {
	sheet := `Date,Description,Amount
01/15/2024,ONLY TWO CELLS
`
	tbl, err := Read(strings.NewReader(sheet))
	require.NoError(t, err)
	assert.Equal(t, "", tbl.Field(tbl.Rows[0], FieldAmount))
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	for _, s := range []string{"01/15/2024", "2024-01-15", "01/15/24", "2024-01-15 00:00:00"} {
		got, ok := ParseDate(s)
		require.True(t, ok, s)
		assert.Equal(t, want, got)
	}

	_, ok := ParseDate("")
	assert.False(t, ok)
	_, ok = ParseDate("not a date")
	assert.False(t, ok)
}

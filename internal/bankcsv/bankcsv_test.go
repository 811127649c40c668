package bankcsv

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlemilk/ledgerd/internal/model"
)

func TestDiscoverParser(t *testing.T) {
	csvText := `Trans. Date,Post Date,Description,Amount,Category
01/15/2025,01/16/2025,SAFEWAY #1547 BURLINGAME CA,43.12,Supermarkets
01/17/2025,01/18/2025,INTERNET PAYMENT - THANK YOU,-200.00,Payments and Credits
bogus-date,01/19/2025,SHOULD BE SKIPPED,1.00,Misc
`
	p := &DiscoverParser{}
	rows, err := p.Parse(strings.NewReader(csvText))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Discover is already positive = purchase; no sign flip.
	assert.Equal(t, int64(4312), rows[0].AmountCents)
	assert.Equal(t, "SAFEWAY #1547 BURLINGAME CA", rows[0].Description)
	assert.Equal(t, "SAFEWAY #1547 BURLINGAME", rows[0].Merchant) // state code trimmed
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), rows[0].Date)

	assert.Equal(t, int64(-20000), rows[1].AmountCents)
}

func TestSoFiParser_SignFlipAndPendingSkip(t *testing.T) {
	csvText := `Date,Description,Type,Amount,Current balance,Status
2025-02-01,DEBIT CARD PURCHASE - BLUE BOTTLE COFFEE,Debit Card,-5.25,1000.00,Posted
2025-02-02,Direct Deposit PAYROLL,Deposit,50.00,1050.00,Posted
2025-02-03,SOMETHING PENDING,Debit Card,-9.99,1040.01,Pending
`
	p := &SoFiParser{Type: model.AccountChecking}
	rows, err := p.Parse(strings.NewReader(csvText))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// SoFi debits are negative in the export; flipped to positive expense.
	assert.Equal(t, int64(525), rows[0].AmountCents)
	assert.Equal(t, "BLUE BOTTLE COFFEE", rows[0].Merchant)

	// A $50 deposit lands as -5000 cents.
	assert.Equal(t, int64(-5000), rows[1].AmountCents)
}

func TestWellsFargoParser_HeaderlessFormat(t *testing.T) {
	csvText := `"01/15/2025","-43.12","","","PURCHASE AUTHORIZED ON 01/14 TRADER JOE'S #553 01/15 CARD 1234"
"01/16/2025","1850.00","","","DIRECT DEPOSIT EMPLOYER PAYROLL"
`
	p := &WellsFargoParser{}
	rows, err := p.Parse(strings.NewReader(csvText))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(4312), rows[0].AmountCents)
	assert.Equal(t, int64(-185000), rows[1].AmountCents)
}

func TestDetect(t *testing.T) {
	discover := "Trans. Date,Post Date,Description,Amount,Category\n01/15/2025,01/16/2025,X,1.00,Misc\n"
	sofiChecking := "Date,Description,Type,Amount,Current balance,Status\n2025-02-01,X,Debit Card,-1.00,10.00,Posted\n"
	sofiSavings := "Date,Description,Type,Amount,Current balance,Status\n2025-02-01,Roundup transfer,Roundup,-0.45,10.00,Posted\n"
	wells := `"01/15/2025","-43.12","","","SOMETHING"` + "\n"

	for input, want := range map[string]string{
		discover:     "discover",
		sofiChecking: "sofi_checking",
		sofiSavings:  "sofi_savings",
		wells:        "wellsfargo",
	} {
		got, err := Detect([]byte(input))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := Detect([]byte("Name,Email\nalice,alice@example.com\n"))
	assert.Error(t, err)
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"discover", "sofi_checking", "sofi_savings", "wellsfargo"}, r.Formats())

	for _, format := range r.Formats() {
		p := r.Get(format)
		require.NotNil(t, p, format)
		assert.NotEmpty(t, p.Institution())
	}
	assert.Nil(t, r.Get("chase"))
}

package subscription

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/repository/memory"
)

func TestReadPlansCSV(t *testing.T) {
	input := strings.Join([]string{
		"id,name,amount,currency,period,active",
		"basic,Basic,9.99,usd,Monthly,true",
		"pro, Pro ,99,EUR,yearly,false",
		",Unnamed id,5,USD,weekly,true",
		"bad-amount,Broken,abc,USD,monthly,true",
		"bad-period,Broken,1,USD,hourly,true",
		"bad-currency,Broken,1,DOLLARS,monthly,true",
		"negative,Broken,-1,USD,monthly,true",
		"bad-flag,Broken,1,USD,monthly,maybe",
		"short,row",
		"no-name,,1,USD,monthly,true",
	}, "\n")

	plans, warnings, err := ReadPlansCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Len(t, warnings, 7)
	assert.Contains(t, warnings[0], "line 5")

	assert.Equal(t, "basic", plans[0].ID)
	assert.True(t, plans[0].Amount.Equal(decimal.RequireFromString("9.99")))
	assert.Equal(t, "USD", plans[0].Currency)
	assert.Equal(t, domain.PeriodMonthly, plans[0].Period)
	assert.True(t, plans[0].Active)

	assert.Equal(t, "Pro", plans[1].Name)
	assert.Equal(t, domain.PeriodYearly, plans[1].Period)
	assert.False(t, plans[1].Active)

	assert.NotEmpty(t, plans[2].ID)
}

func TestReadPlansCSVEmpty(t *testing.T) {
	_, _, err := ReadPlansCSV(strings.NewReader(""))
	require.Error(t, err)

	plans, warnings, err := ReadPlansCSV(strings.NewReader("id,name,amount,currency,period,active\n"))
	require.NoError(t, err)
	assert.Empty(t, plans)
	assert.Empty(t, warnings)
}

func TestImportPlans(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	plans := []domain.Plan{
		{ID: "basic", Name: "Basic", Amount: decimal.NewFromInt(10), Currency: "USD", Period: domain.PeriodMonthly, Active: true},
		{ID: "legacy", Name: "Legacy", Amount: decimal.NewFromInt(5), Currency: "USD", Period: domain.PeriodMonthly},
	}

	n, err := ImportPlans(ctx, store.Plan(), plans)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Plan().GetByID(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "Legacy", got.Name)

	active, err := store.Plan().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "basic", active[0].ID)
}

package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

func newTestAnalyzer(t *testing.T, nowStr string) (*TransactionAnalyzer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	detector := NewSubscriptionDetector(st, testLogger())
	detector.now = clockAt(nowStr)
	a := NewTransactionAnalyzer(st, detector, testLogger())
	a.now = clockAt(nowStr)
	return a, st
}

func TestAnalyzeIgnoresIncome(t *testing.T) {
	a, st := newTestAnalyzer(t, "2025-06-15")
	tx := seedTx(t, st, "u1", "2025-06-15", "Employer", "income", 3000)

	items, err := a.AnalyzeTransaction(context.Background(), "u1", tx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCategorySpike(t *testing.T) {
	a, st := newTestAnalyzer(t, "2025-06-15")
	seedTx(t, st, "u1", "2025-05-01", "Grocer", "groceries", -30)
	seedTx(t, st, "u1", "2025-05-10", "Grocer", "groceries", -30)
	seedTx(t, st, "u1", "2025-05-20", "Grocer", "groceries", -30)
	// Mean 30: threshold max(60, 80) = 80.
	tx := seedTx(t, st, "u1", "2025-06-14", "Fancy Market", "groceries", -120)

	items, err := a.AnalyzeTransaction(context.Background(), "u1", tx)
	require.NoError(t, err)

	in := findInsight(items, model.InsightCategorySpike)
	require.NotNil(t, in)
	assert.Equal(t, model.SeverityWarn, in.Severity)
	assert.Equal(t, 120.0, in.Data["amount"])
	assert.Equal(t, 30.0, in.Data["category_mean"])
	assert.Equal(t, model.TransactionInsightID("u1", model.InsightCategorySpike, "groceries", tx.ID), in.ID)
}

func TestCategorySpikeNeedsHistory(t *testing.T) {
	a, st := newTestAnalyzer(t, "2025-06-15")
	seedTx(t, st, "u1", "2025-05-10", "Grocer", "groceries", -30)
	tx := seedTx(t, st, "u1", "2025-06-14", "Fancy Market", "groceries", -500)

	items, err := a.AnalyzeTransaction(context.Background(), "u1", tx)
	require.NoError(t, err)
	assert.Nil(t, findInsight(items, model.InsightCategorySpike))
}

func TestMerchantSpike(t *testing.T) {
	a, st := newTestAnalyzer(t, "2025-06-15")
	seedTx(t, st, "u1", "2025-05-10", "Uber", "rideshare", -10)
	seedTx(t, st, "u1", "2025-05-20", "Uber", "rideshare", -12)
	// Threshold max(2.5*11, 1.2*12) = 27.5.
	tx := seedTx(t, st, "u1", "2025-06-14", "Uber", "rideshare", -40)

	items, err := a.AnalyzeTransaction(context.Background(), "u1", tx)
	require.NoError(t, err)

	in := findInsight(items, model.InsightMerchantSpike)
	require.NotNil(t, in)
	assert.Equal(t, 40.0, in.Data["amount"])
	assert.Equal(t, 11.0, in.Data["merchant_mean"])
}

func TestDailySpend(t *testing.T) {
	a, st := newTestAnalyzer(t, "2025-06-15")
	// Baseline: $300 over the prior 30 days, $10/day average.
	for _, date := range []string{"2025-05-20", "2025-05-25", "2025-06-01"} {
		seedTx(t, st, "u1", date, "Grocer", "groceries", -100)
	}
	seedTx(t, st, "u1", "2025-06-14", "Store A", "shopping", -90)
	tx := seedTx(t, st, "u1", "2025-06-14", "Store B", "shopping", -60)

	items, err := a.AnalyzeTransaction(context.Background(), "u1", tx)
	require.NoError(t, err)

	in := findInsight(items, model.InsightDailySpend)
	require.NotNil(t, in)
	assert.Equal(t, 150.0, in.Data["day_total"])
	assert.Equal(t, 10.0, in.Data["avg_daily"])
}

func TestBudgetAlertLevels(t *testing.T) {
	tests := []struct {
		name     string
		spent    float64
		severity model.Severity
		fires    bool
	}{
		{"below floor", 70, "", false},
		{"info at 75%", 75, model.SeverityInfo, true},
		{"warn at 90%", 90, model.SeverityWarn, true},
		{"critical at 100%", 105, model.SeverityCritical, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, st := newTestAnalyzer(t, "2025-06-15")
			seedBudget(t, st, "u1", "dining", 100)
			tx := seedTx(t, st, "u1", "2025-06-14", "Restaurant", "dining", -tt.spent)

			items, err := a.AnalyzeTransaction(context.Background(), "u1", tx)
			require.NoError(t, err)

			in := findInsight(items, model.InsightBudgetAlert)
			if !tt.fires {
				assert.Nil(t, in)
				return
			}
			require.NotNil(t, in)
			assert.Equal(t, tt.severity, in.Severity)
		})
	}
}

func TestSubscriptionDetectedOnRecurringCharge(t *testing.T) {
	a, st := newTestAnalyzer(t, "2025-06-15")
	seedTx(t, st, "u1", "2025-03-10", "Netflix", "entertainment", -15.99)
	seedTx(t, st, "u1", "2025-04-10", "Netflix", "entertainment", -15.99)
	seedTx(t, st, "u1", "2025-05-10", "Netflix", "entertainment", -15.99)
	tx := seedTx(t, st, "u1", "2025-06-10", "Netflix", "entertainment", -15.99)

	items, err := a.AnalyzeTransaction(context.Background(), "u1", tx)
	require.NoError(t, err)

	in := findInsight(items, model.InsightSubscriptionNew)
	require.NotNil(t, in)
	assert.Equal(t, "netflix", in.Data["merchant"])
	assert.Equal(t, "monthly", in.Data["cadence"])

	// The subscription row was written as a side effect.
	sub, err := st.GetSubscription(context.Background(), model.SubscriptionID("u1", "netflix"))
	require.NoError(t, err)
	assert.Equal(t, 15.99, sub.AvgAmount)
}

func TestPriceChangeInsight(t *testing.T) {
	a, st := newTestAnalyzer(t, "2025-06-15")
	for _, date := range []string{"2025-02-10", "2025-03-10", "2025-04-10", "2025-05-10"} {
		seedTx(t, st, "u1", date, "Hulu", "subscriptions", -9.99)
	}
	ctx := context.Background()
	_, err := a.detector.DetectAndUpsert(ctx, "u1")
	require.NoError(t, err)

	tx := seedTx(t, st, "u1", "2025-06-10", "Hulu", "subscriptions", -12.99)
	items, err := a.AnalyzeTransaction(ctx, "u1", tx)
	require.NoError(t, err)

	in := findInsight(items, model.InsightPriceChange)
	require.NotNil(t, in)
	assert.Equal(t, model.SeverityWarn, in.Severity)
	assert.InDelta(t, 30.03, in.Data["change_pct"].(float64), 0.01)

	// Already known, so no fresh detection insight.
	assert.Nil(t, findInsight(items, model.InsightSubscriptionNew))
}

func TestNoSubscriptionCheckForOneOffMerchant(t *testing.T) {
	a, st := newTestAnalyzer(t, "2025-06-15")
	seedTx(t, st, "u1", "2025-05-01", "Hardware Store", "shopping", -25)
	tx := seedTx(t, st, "u1", "2025-06-14", "Hardware Store", "shopping", -26)

	items, err := a.AnalyzeTransaction(context.Background(), "u1", tx)
	require.NoError(t, err)
	assert.Nil(t, findInsight(items, model.InsightSubscriptionNew))
}

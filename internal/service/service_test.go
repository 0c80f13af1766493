package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/backend/internal/config"
	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

func TestRunUserAnalysis(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := &config.Config{
		ForecastModel:       "weighted",
		ForecastMonths:      6,
		ForecastTopK:        8,
		SafeToSpendDays:     14,
		SafeToSpendBuffer:   100,
		InsightLookbackDays: 30,
	}
	svc := New(st, cfg, testLogger())
	now := clockAt("2025-06-30")
	svc.Subscriptions.now = now
	svc.Insights.now = now
	svc.Transactions.now = now
	svc.Goals.now = now
	svc.CashFlow.now = now

	seedBalance(t, st, "u1", "acc_checking", "2025-06-29", 1200)
	for _, date := range []string{"2025-03-10", "2025-04-10", "2025-05-10", "2025-06-10"} {
		seedTx(t, st, "u1", date, "Netflix", "subscriptions", -15.99)
	}
	grocer := []float64{-400, -310, -455}
	cafe := []float64{-80, -30, -95}
	for i, month := range []string{"2025-04", "2025-05", "2025-06"} {
		seedTx(t, st, "u1", month+"-01", "Employer", "income", 2500)
		seedTx(t, st, "u1", month+"-08", "Grocer", "groceries", grocer[i])
		seedTx(t, st, "u1", month+"-12", "Cafe", "coffee", cafe[i])
	}

	ctx := context.Background()
	analysis, err := svc.RunUserAnalysis(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, analysis.Subscriptions.Detected)
	assert.NotEmpty(t, analysis.Forecasts)
	require.NotNil(t, analysis.NetForecast)
	assert.Equal(t, "net", analysis.NetForecast.Category)
	require.NotNil(t, analysis.SafeToSpend)
	assert.Equal(t, 1200.0, analysis.SafeToSpend.CurrentBalance)
	// The detected subscription's next charge lands inside the window.
	require.Len(t, analysis.UpcomingBills, 1)
	assert.Equal(t, "netflix", analysis.UpcomingBills[0].Merchant)
	assert.Equal(t, "2025-07-10", analysis.UpcomingBills[0].ExpectedDate)
	assert.Empty(t, analysis.LowBalances)

	// Re-running replaces the derived rows instead of duplicating them.
	again, err := svc.RunUserAnalysis(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Subscriptions.Inserted)
	assert.Equal(t, 0, again.Insights.Inserted)
}

func TestRegressionModelSelected(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := &config.Config{ForecastModel: "regression", ForecastMonths: 6, ForecastTopK: 8}
	svc := New(st, cfg, testLogger())

	seedTx(t, st, "u1", "2025-03-05", "Grocer", "groceries", -100)
	seedTx(t, st, "u1", "2025-04-05", "Grocer", "groceries", -200)
	seedTx(t, st, "u1", "2025-05-05", "Grocer", "groceries", -300)

	results, err := svc.Forecasts.CategoryForecasts(context.Background(), "u1", 6, 8)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "regression", results[0].Model)
}

func TestRewriteInsight(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := &config.Config{ForecastModel: "weighted"}
	svc := New(st, cfg, testLogger())

	ctx := context.Background()
	_, err := st.UpsertInsight(ctx, &model.Insight{ID: "i1", UserID: "u1", Type: model.InsightLowBalance, Title: "raw"})
	require.NoError(t, err)

	require.NoError(t, svc.RewriteInsight(ctx, "u1", "i1", "friendly", "friendlier body"))

	stored, err := st.GetInsight(ctx, "u1", "i1")
	require.NoError(t, err)
	assert.Equal(t, "friendly", stored.RewrittenTitle)
	require.NotNil(t, stored.RewrittenAt)

	assert.ErrorIs(t, svc.RewriteInsight(ctx, "u1", "missing", "t", "b"), store.ErrNotFound)
}

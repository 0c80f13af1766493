package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

func newTestGenerator(t *testing.T, nowStr string) (*InsightGenerator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	g := NewInsightGenerator(st, testLogger())
	g.now = clockAt(nowStr)
	return g, st
}

func TestOverspendTriggersAtThreshold(t *testing.T) {
	// now = 2025-06-30: current window Jun 1-30, prior window May 2-31.
	g, st := newTestGenerator(t, "2025-06-30")

	// Prior window: exactly $200 over 3 charges. Threshold is
	// max(200*1.2, 200+20) = 240.
	seedTx(t, st, "u1", "2025-05-10", "Grocer", "groceries", -80)
	seedTx(t, st, "u1", "2025-05-15", "Grocer", "groceries", -60)
	seedTx(t, st, "u1", "2025-05-20", "Grocer", "groceries", -60)
	seedTx(t, st, "u1", "2025-06-10", "Grocer", "groceries", -240)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	in := findInsight(items, model.InsightOverspendCategory)
	require.NotNil(t, in)
	assert.Equal(t, model.SeverityWarn, in.Severity)
	assert.Equal(t, "groceries", in.Data["category"])
	assert.Equal(t, 240.0, in.Data["current_30d"])
}

func TestOverspendBelowThresholdSilent(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	seedTx(t, st, "u1", "2025-05-10", "Grocer", "groceries", -80)
	seedTx(t, st, "u1", "2025-05-15", "Grocer", "groceries", -60)
	seedTx(t, st, "u1", "2025-05-20", "Grocer", "groceries", -60)
	seedTx(t, st, "u1", "2025-06-10", "Grocer", "groceries", -239)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, findInsight(items, model.InsightOverspendCategory))
}

func TestOverspendPriorFloorBoundary(t *testing.T) {
	// A prior window of exactly $50.00 over 3 charges is NOT suppressed.
	g, st := newTestGenerator(t, "2025-06-30")
	seedTx(t, st, "u1", "2025-05-10", "Cafe", "coffee", -20)
	seedTx(t, st, "u1", "2025-05-15", "Cafe", "coffee", -15)
	seedTx(t, st, "u1", "2025-05-20", "Cafe", "coffee", -15)
	// Threshold: max(60, 70) = 70.
	seedTx(t, st, "u1", "2025-06-10", "Cafe", "coffee", -75)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, findInsight(items, model.InsightOverspendCategory))
}

func TestOverspendSuppressedOnThinPrior(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	// Only 2 prior charges: below the sample floor however large the jump.
	seedTx(t, st, "u1", "2025-05-10", "Cafe", "coffee", -40)
	seedTx(t, st, "u1", "2025-05-15", "Cafe", "coffee", -40)
	seedTx(t, st, "u1", "2025-06-10", "Cafe", "coffee", -400)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, findInsight(items, model.InsightOverspendCategory))
}

func TestTrendingCategory(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	seedTx(t, st, "u1", "2025-05-08", "Restaurant", "restaurants", -100)
	seedTx(t, st, "u1", "2025-05-15", "Restaurant", "restaurants", -100)
	seedTx(t, st, "u1", "2025-05-22", "Restaurant", "restaurants", -100)
	// +30% this window, above the 15% floor but below overspend's +20%+20.
	seedTx(t, st, "u1", "2025-06-10", "Restaurant", "restaurants", -200)
	seedTx(t, st, "u1", "2025-06-20", "Restaurant", "restaurants", -190)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	in := findInsight(items, model.InsightTrendingCategory)
	require.NotNil(t, in)
	assert.Equal(t, model.SeverityInfo, in.Severity)
	assert.InDelta(t, 0.30, in.Data["growth_rate"].(float64), 1e-9)
}

func TestMerchantAnomaly(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	for i := 0; i < 8; i++ {
		seedTx(t, st, "u1", fmt.Sprintf("2025-06-%02d", i+2), "Cloud Host", "subscriptions", -10)
	}
	seedTx(t, st, "u1", "2025-06-25", "Cloud Host", "subscriptions", -100)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	in := findInsight(items, model.InsightMerchantAnomaly)
	require.NotNil(t, in)
	assert.Equal(t, "cloud host", in.Data["merchant"])
	assert.Equal(t, 100.0, in.Data["last_amount"])
}

func TestDuplicateCharge(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	seedTx(t, st, "u1", "2025-06-20", "Spotify", "subscriptions", -9.99)
	seedTx(t, st, "u1", "2025-06-20", "Spotify", "subscriptions", -9.99)
	seedTx(t, st, "u1", "2025-06-21", "Spotify", "subscriptions", -9.99)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	in := findInsight(items, model.InsightDuplicateCharge)
	require.NotNil(t, in)
	assert.Equal(t, 2, in.Data["count"])
	assert.Equal(t, "2025-06-20", in.Data["date"])
	assert.Equal(t, 9.99, in.Data["amount"])
}

func TestSaveSuggestion(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	seedTx(t, st, "u1", "2025-06-05", "Cafe", "coffee", -60)
	seedTx(t, st, "u1", "2025-06-12", "Cafe", "coffee", -60)
	// Non-discretionary spend never gets a suggestion.
	seedTx(t, st, "u1", "2025-06-12", "Utility Co", "utilities", -300)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	in := findInsight(items, model.InsightSaveSuggestion)
	require.NotNil(t, in)
	assert.Equal(t, "coffee", in.Data["category"])
	assert.Equal(t, 24.0, in.Data["suggested_savings"])
}

func TestBudgetOverage(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	seedBudget(t, st, "u1", "groceries", 500)
	seedBudget(t, st, "u1", "restaurants", 100)
	seedTx(t, st, "u1", "2025-06-10", "Grocer", "groceries", -520)
	seedTx(t, st, "u1", "2025-06-10", "Restaurant", "restaurants", -92)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	var critical, warn int
	for _, in := range items {
		if in.Type != model.InsightBudgetOverage {
			continue
		}
		switch in.Severity {
		case model.SeverityCritical:
			critical++
			assert.Equal(t, "groceries", in.Data["category"])
		case model.SeverityWarn:
			warn++
			assert.Equal(t, "restaurants", in.Data["category"])
		}
	}
	assert.Equal(t, 1, critical)
	assert.Equal(t, 1, warn)
}

func TestBudgetPacing(t *testing.T) {
	// Day 15 of a 30-day month: expected usage 50%.
	g, st := newTestGenerator(t, "2025-06-15")
	seedBudget(t, st, "u1", "groceries", 1000)
	seedBudget(t, st, "u1", "restaurants", 1000)
	seedTx(t, st, "u1", "2025-06-05", "Grocer", "groceries", -750)
	seedTx(t, st, "u1", "2025-06-05", "Restaurant", "restaurants", -100)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	var ahead, behind *model.Insight
	for _, in := range items {
		if in.Type != model.InsightBudgetProgress {
			continue
		}
		if in.Severity == model.SeverityWarn {
			ahead = in
		} else {
			behind = in
		}
	}
	require.NotNil(t, ahead)
	assert.Equal(t, "groceries", ahead.Data["category"])
	require.NotNil(t, behind)
	assert.Equal(t, "restaurants", behind.Data["category"])
}

func TestBudgetSuggestion(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	// $300 over 90 days in a category without a budget: suggest
	// round(100 * 1.1 / 10) * 10 = 110.
	seedTx(t, st, "u1", "2025-04-10", "Transit", "transport", -100)
	seedTx(t, st, "u1", "2025-05-10", "Transit", "transport", -100)
	seedTx(t, st, "u1", "2025-06-10", "Transit", "transport", -100)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	in := findInsight(items, model.InsightBudgetSuggestion)
	require.NotNil(t, in)
	assert.Equal(t, "transport", in.Data["category"])
	assert.Equal(t, 110.0, in.Data["suggested_budget"])
}

func TestLowBalanceInsights(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	seedBalance(t, st, "u1", "acc_checking", "2025-06-28", 50)
	seedBalance(t, st, "u1", "acc_credit", "2025-06-28", -1500)
	seedBalance(t, st, "u1", "acc2_credit", "2025-06-28", -500)
	// Stale snapshot outside the lookback window.
	seedBalance(t, st, "u1", "acc3_checking", "2025-04-01", 10)

	items, err := g.GenerateForUser(context.Background(), "u1")
	require.NoError(t, err)

	var flagged []string
	for _, in := range items {
		if in.Type == model.InsightLowBalance {
			flagged = append(flagged, in.Data["account_id"].(string))
		}
	}
	assert.ElementsMatch(t, []string{"acc_checking", "acc_credit"}, flagged)
}

func TestGenerateAndUpsertIdempotent(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	seedTx(t, st, "u1", "2025-06-20", "Spotify", "subscriptions", -9.99)
	seedTx(t, st, "u1", "2025-06-20", "Spotify", "subscriptions", -9.99)

	ctx := context.Background()
	first, err := g.GenerateAndUpsert(ctx, "u1")
	require.NoError(t, err)
	require.Greater(t, first.Generated, 0)
	assert.Equal(t, first.Generated, first.Inserted)

	second, err := g.GenerateAndUpsert(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.Generated, second.Generated)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, second.Generated, second.Updated)
}

func TestRewriteSurvivesRegeneration(t *testing.T) {
	g, st := newTestGenerator(t, "2025-06-30")
	seedTx(t, st, "u1", "2025-06-20", "Spotify", "subscriptions", -9.99)
	seedTx(t, st, "u1", "2025-06-20", "Spotify", "subscriptions", -9.99)

	ctx := context.Background()
	first, err := g.GenerateAndUpsert(ctx, "u1")
	require.NoError(t, err)
	id := first.Items[0].ID

	require.NoError(t, st.UpdateInsightRewrite(ctx, "u1", id, "Friendly title", "Friendly body", g.now()))

	_, err = g.GenerateAndUpsert(ctx, "u1")
	require.NoError(t, err)

	stored, err := st.GetInsight(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "Friendly title", stored.RewrittenTitle)
	assert.Equal(t, "Friendly body", stored.RewrittenBody)
	require.NotNil(t, stored.RewrittenAt)
}

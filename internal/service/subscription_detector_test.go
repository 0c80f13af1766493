package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

func newTestDetector(t *testing.T, nowStr string) (*SubscriptionDetector, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	d := NewSubscriptionDetector(st, testLogger())
	d.now = clockAt(nowStr)
	return d, st
}

func TestDetectMonthlySubscription(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	for _, date := range []string{"2025-01-10", "2025-02-10", "2025-03-10", "2025-04-10", "2025-05-10"} {
		seedTx(t, st, "u1", date, "Netflix", "subscriptions", -15.99)
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	sub := subs[0]
	assert.Equal(t, "netflix", sub.Merchant)
	assert.Equal(t, model.CadenceMonthly, sub.Cadence)
	assert.Equal(t, 15.99, sub.AvgAmount)
	assert.Equal(t, "2025-05-10", sub.LastSeen)
	assert.Equal(t, model.SubscriptionActive, sub.Status)
	assert.False(t, sub.TrialConverted)
	require.NotNil(t, sub.PriceChangePct)
	assert.Equal(t, 0.0, *sub.PriceChangePct)
}

func TestDetectWeeklySubscription(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	for _, date := range []string{"2025-05-12", "2025-05-19", "2025-05-26", "2025-06-02", "2025-06-09"} {
		seedTx(t, st, "u1", date, "HelloFresh", "food_delivery", -45.00)
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.CadenceWeekly, subs[0].Cadence)
	assert.Equal(t, model.SubscriptionActive, subs[0].Status)
}

func TestDetectYearlySubscription(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	for _, date := range []string{"2023-03-01", "2024-03-01", "2025-03-02"} {
		seedTx(t, st, "u1", date, "Domain Registrar", "subscriptions", -99.00)
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.CadenceYearly, subs[0].Cadence)
}

func TestDetectToleratesMonthlyJitter(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	// Posting dates wobble by a couple of days around the 10th.
	for _, date := range []string{"2025-01-10", "2025-02-08", "2025-03-11", "2025-04-09", "2025-05-10"} {
		seedTx(t, st, "u1", date, "Spotify", "subscriptions", -10.99)
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.CadenceMonthly, subs[0].Cadence)
}

func TestDetectRejectsIrregularIntervals(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	for _, date := range []string{"2025-01-01", "2025-01-06", "2025-02-15", "2025-05-16"} {
		seedTx(t, st, "u1", date, "Hardware Store", "shopping", -25.00)
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDetectRejectsVolatileAmounts(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	dates := []string{"2025-03-10", "2025-04-10", "2025-05-10"}
	amounts := []float64{-10.00, -50.00, -120.00}
	for i, date := range dates {
		seedTx(t, st, "u1", date, "Grocer", "groceries", amounts[i])
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDetectRejectsFewOccurrences(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	seedTx(t, st, "u1", "2025-04-10", "Netflix", "subscriptions", -15.99)
	seedTx(t, st, "u1", "2025-05-10", "Netflix", "subscriptions", -15.99)

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDetectDayOfMonthFallback(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	// Skipped months push the median interval outside the monthly
	// window, but the charges always land on the 5th.
	for _, date := range []string{"2025-01-05", "2025-03-05", "2025-05-05"} {
		seedTx(t, st, "u1", date, "Gym", "subscriptions", -60.00)
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.CadenceMonthly, subs[0].Cadence)
}

func TestDetectPriceChange(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	dates := []string{"2025-01-10", "2025-02-10", "2025-03-10", "2025-04-10", "2025-05-10"}
	for i, date := range dates {
		amount := -9.99
		if i == len(dates)-1 {
			amount = -12.99
		}
		seedTx(t, st, "u1", date, "Hulu", "subscriptions", amount)
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].PriceChangePct)
	assert.InDelta(t, 30.03, *subs[0].PriceChangePct, 0.01)
}

func TestDetectTrialConversion(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	dates := []string{"2025-01-01", "2025-02-01", "2025-03-01", "2025-04-01"}
	amounts := []float64{-0.99, -9.99, -9.99, -9.99}
	for i, date := range dates {
		seedTx(t, st, "u1", date, "StreamCo", "subscriptions", amounts[i])
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.True(t, subs[0].TrialConverted)
}

func TestDetectStalePausedStatus(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	// Last charge 96 days ago, past the 45-day monthly freshness window.
	for _, date := range []string{"2025-01-11", "2025-02-11", "2025-03-11"} {
		seedTx(t, st, "u1", date, "Old Box", "subscriptions", -20.00)
	}

	subs, err := d.DetectForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionPaused, subs[0].Status)
}

func TestDetectAndUpsertIdempotent(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	for _, date := range []string{"2025-02-10", "2025-03-10", "2025-04-10", "2025-05-10"} {
		seedTx(t, st, "u1", date, "Netflix", "subscriptions", -15.99)
	}

	ctx := context.Background()
	first, err := d.DetectAndUpsert(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Detected)
	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 0, first.Updated)

	second, err := d.DetectAndUpsert(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Detected)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, second.Updated)
	assert.Equal(t, first.Items[0], second.Items[0])
}

func TestUpdateStatus(t *testing.T) {
	d, st := newTestDetector(t, "2025-06-15")
	for _, date := range []string{"2025-03-10", "2025-04-10", "2025-05-10"} {
		seedTx(t, st, "u1", date, "Netflix", "subscriptions", -15.99)
	}

	ctx := context.Background()
	_, err := d.DetectAndUpsert(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, d.UpdateStatus(ctx, "u1", "netflix", model.SubscriptionPaused))
	sub, err := st.GetSubscription(ctx, model.SubscriptionID("u1", "netflix"))
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionPaused, sub.Status)

	assert.ErrorIs(t, d.UpdateStatus(ctx, "u1", "unknown", model.SubscriptionPaused), store.ErrNotFound)
}

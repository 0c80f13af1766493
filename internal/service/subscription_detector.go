package service

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

// Cadence classification windows, in days.
const (
	weeklyMedianLo, weeklyMedianHi   = 5, 9
	monthlyMedianLo, monthlyMedianHi = 26, 35
	yearlyMedianLo, yearlyMedianHi   = 330, 400

	// Consistency gate requires 70% of intervals inside a tighter window.
	consistencyMinFraction = 0.7

	// Minimum charges before a merchant is considered at all.
	minOccurrences = 3
)

// SubscriptionDetector analyzes a user's expense history for recurring
// charge patterns and maintains the derived subscription table.
type SubscriptionDetector struct {
	store store.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewSubscriptionDetector creates a detector backed by the given store.
func NewSubscriptionDetector(st store.Store, log *zap.SugaredLogger) *SubscriptionDetector {
	return &SubscriptionDetector{store: st, log: log, now: time.Now}
}

// DetectionSummary reports one detect-and-upsert run.
type DetectionSummary struct {
	Detected int                   `json:"detected"`
	Inserted int                   `json:"inserted"`
	Updated  int                   `json:"updated"`
	Items    []*model.Subscription `json:"items"`
}

type charge struct {
	date   time.Time
	amount float64 // signed, negative
}

// DetectForUser classifies every merchant in the user's expense history
// and returns the detected subscriptions without writing them.
func (d *SubscriptionDetector) DetectForUser(ctx context.Context, userID string) ([]*model.Subscription, error) {
	txs, err := d.store.ListTransactions(ctx, userID, nil, nil)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]charge)
	for _, tx := range txs {
		if tx.Amount >= 0 {
			continue
		}
		merchant := model.NormalizeMerchant(tx.Merchant)
		if merchant == "" {
			continue
		}
		groups[merchant] = append(groups[merchant], charge{date: tx.Date, amount: tx.Amount})
	}

	var out []*model.Subscription
	for merchant, charges := range groups {
		if sub := d.classifyMerchant(userID, merchant, charges); sub != nil {
			out = append(out, sub)
		}
	}
	return out, nil
}

// DetectAndUpsert runs detection and replaces the user's subscription rows.
// Calling it repeatedly with unchanged data produces identical records and
// zero new inserts.
func (d *SubscriptionDetector) DetectAndUpsert(ctx context.Context, userID string) (*DetectionSummary, error) {
	subs, err := d.DetectForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &DetectionSummary{Detected: len(subs), Items: subs}
	for _, sub := range subs {
		created, err := d.store.UpsertSubscription(ctx, sub)
		if err != nil {
			return nil, err
		}
		if created {
			summary.Inserted++
		} else {
			summary.Updated++
		}
	}

	d.log.Infow("subscription detection completed",
		"user_id", userID,
		"detected", summary.Detected,
		"inserted", summary.Inserted,
		"updated", summary.Updated)
	return summary, nil
}

// classifyMerchant applies the cadence, consistency and amount gates to
// one merchant's chronological charges. Returns nil when any gate rejects.
func (d *SubscriptionDetector) classifyMerchant(userID, merchant string, charges []charge) *model.Subscription {
	if len(charges) < minOccurrences {
		return nil
	}

	// ListTransactions returns date ascending, and grouping preserves order.
	intervals := intervalsInDays(charges)
	cadence := detectCadence(intervals)
	fromDayOfMonth := false
	if cadence == "" {
		// Day-of-month fallback: 3+ charges landing on nearly the same day
		// of the month behave like a monthly bill even when skipped months
		// push the raw intervals outside the window. The interval gate is
		// skipped here, it would always reject these.
		if domSpread(charges) <= 3 {
			cadence = model.CadenceMonthly
			fromDayOfMonth = true
		} else {
			return nil
		}
	}

	if !fromDayOfMonth && len(intervals) >= 2 && cadenceConsistency(cadence, intervals) < consistencyMinFraction {
		return nil
	}

	absAmounts := make([]float64, len(charges))
	for i, c := range charges {
		absAmounts[i] = math.Abs(c.amount)
	}
	med := median(absAmounts)
	if med == 0 {
		return nil
	}

	// Amount gate: volatile merchants (groceries, fuel) get rejected here.
	tolerance := math.Max(2.0, 0.10*med)
	if len(absAmounts) >= 3 {
		within := 0
		for _, a := range absAmounts {
			if math.Abs(a-med) <= tolerance {
				within++
			}
		}
		if float64(within)/float64(len(absAmounts)) < consistencyMinFraction {
			return nil
		}
	}

	last := charges[len(charges)-1]
	return &model.Subscription{
		ID:             model.SubscriptionID(userID, merchant),
		UserID:         userID,
		Merchant:       merchant,
		Cadence:        cadence,
		AvgAmount:      round2(med),
		LastSeen:       model.FormatDate(last.date),
		PriceChangePct: priceChangePct(med, math.Abs(last.amount)),
		TrialConverted: trialConverted(intervals, absAmounts, med),
		Status:         d.statusFor(cadence, last.date),
	}
}

func intervalsInDays(charges []charge) []int {
	var out []int
	for i := 1; i < len(charges); i++ {
		days := int(charges[i].date.Sub(charges[i-1].date).Hours() / 24)
		out = append(out, days)
	}
	return out
}

// detectCadence classifies by the median consecutive-charge interval.
func detectCadence(intervals []int) model.Cadence {
	if len(intervals) == 0 {
		return ""
	}
	vals := make([]float64, len(intervals))
	for i, d := range intervals {
		vals[i] = float64(d)
	}
	med := median(vals)
	switch {
	case med >= weeklyMedianLo && med <= weeklyMedianHi:
		return model.CadenceWeekly
	case med >= monthlyMedianLo && med <= monthlyMedianHi:
		return model.CadenceMonthly
	case med >= yearlyMedianLo && med <= yearlyMedianHi:
		return model.CadenceYearly
	}
	return ""
}

// cadenceConsistency returns the fraction of intervals inside the tight
// per-cadence jitter window.
func cadenceConsistency(cadence model.Cadence, intervals []int) float64 {
	if len(intervals) == 0 {
		return 0
	}
	var lo, hi int
	switch cadence {
	case model.CadenceWeekly:
		lo, hi = 6, 9
	case model.CadenceMonthly:
		lo, hi = 27, 33
	case model.CadenceYearly:
		lo, hi = 330, 400
	default:
		return 0
	}
	good := 0
	for _, d := range intervals {
		if d >= lo && d <= hi {
			good++
		}
	}
	return float64(good) / float64(len(intervals))
}

// domSpread is the spread of day-of-month values across the charges.
func domSpread(charges []charge) int {
	lo, hi := 32, 0
	for _, c := range charges {
		day := c.date.Day()
		if day < lo {
			lo = day
		}
		if day > hi {
			hi = day
		}
	}
	return hi - lo
}

func priceChangePct(medianAbs, lastAbs float64) *float64 {
	if medianAbs <= 0 {
		return nil
	}
	pct := round2((lastAbs - medianAbs) / medianAbs * 100)
	return &pct
}

// trialConverted flags a likely free-trial conversion: a long first
// interval following a first charge much smaller than the typical amount.
func trialConverted(intervals []int, absAmounts []float64, med float64) bool {
	if len(intervals) < 1 || intervals[0] < 14 {
		return false
	}
	first := absAmounts[0]
	return first <= 0.5*med || med >= 3*first
}

// statusFor marks a subscription paused when the last charge is older
// than the cadence's freshness window.
func (d *SubscriptionDetector) statusFor(cadence model.Cadence, lastSeen time.Time) model.SubscriptionStatus {
	days := int(d.now().Sub(lastSeen).Hours() / 24)
	if days <= cadence.FreshnessDays() {
		return model.SubscriptionActive
	}
	return model.SubscriptionPaused
}

// UpdateStatus pauses or reactivates a subscription by merchant.
func (d *SubscriptionDetector) UpdateStatus(ctx context.Context, userID, merchant string, status model.SubscriptionStatus) error {
	return d.store.UpdateSubscriptionStatus(ctx, userID, merchant, status)
}

package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

// Per-transaction thresholds.
const (
	categorySpikeFactor   = 2.0
	categorySpikeMinDelta = 50.0
	categorySpikeMinPrior = 3

	merchantSpikeMeanFactor = 2.5
	merchantSpikeMaxFactor  = 1.2
	merchantSpikeMinPrior   = 2

	dailySpendFactor     = 2.0
	dailySpendMinTotal   = 100.0
	dailySpendMinDelta   = 50.0
	dailySpendWindowDays = 30

	budgetAlertInfoPct     = 75.0
	budgetAlertWarnPct     = 90.0
	budgetAlertCriticalPct = 100.0

	priceChangeMinPct = 10.0
)

// TransactionAnalyzer evaluates a single incoming transaction against the
// user's history, emitting spike alerts immediately instead of waiting for
// the daily batch. It also decides whether the transaction looks recurring
// enough to be worth a subscription detection pass.
type TransactionAnalyzer struct {
	store    store.Store
	detector *SubscriptionDetector
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewTransactionAnalyzer creates an analyzer sharing the detector's store.
func NewTransactionAnalyzer(st store.Store, detector *SubscriptionDetector, log *zap.SugaredLogger) *TransactionAnalyzer {
	return &TransactionAnalyzer{store: st, detector: detector, log: log, now: time.Now}
}

// AnalyzeTransaction runs every per-transaction rule for an already stored
// transaction and upserts the resulting insights. Income transactions only
// reach the budget and subscription checks trivially and produce nothing.
func (a *TransactionAnalyzer) AnalyzeTransaction(ctx context.Context, userID string, tx *model.Transaction) ([]*model.Insight, error) {
	if tx == nil || !tx.IsExpense() {
		return nil, nil
	}

	var insights []*model.Insight

	spike, err := a.categorySpike(ctx, userID, tx)
	if err != nil {
		return nil, err
	}
	if spike != nil {
		insights = append(insights, spike)
	}

	mSpike, err := a.merchantSpike(ctx, userID, tx)
	if err != nil {
		return nil, err
	}
	if mSpike != nil {
		insights = append(insights, mSpike)
	}

	daily, err := a.dailySpend(ctx, userID, tx)
	if err != nil {
		return nil, err
	}
	if daily != nil {
		insights = append(insights, daily)
	}

	alert, err := a.budgetAlert(ctx, userID, tx)
	if err != nil {
		return nil, err
	}
	if alert != nil {
		insights = append(insights, alert)
	}

	subInsights, err := a.subscriptionCheck(ctx, userID, tx)
	if err != nil {
		return nil, err
	}
	insights = append(insights, subInsights...)

	for _, insight := range insights {
		if _, err := a.store.UpsertInsight(ctx, insight); err != nil {
			return nil, err
		}
	}
	if len(insights) > 0 {
		a.log.Infow("transaction analysis produced insights",
			"user_id", userID, "transaction_id", tx.ID, "count", len(insights))
	}
	return insights, nil
}

// categorySpike flags a charge well above the category's 90-day average.
func (a *TransactionAnalyzer) categorySpike(ctx context.Context, userID string, tx *model.Transaction) (*model.Insight, error) {
	if tx.Category == "" {
		return nil, nil
	}
	txDay := dateOf(tx.Date)
	start := txDay.AddDate(0, 0, -90)
	end := txDay.AddDate(0, 0, -1)
	byCat, err := a.store.Aggregate(ctx, userID, start, end, store.GroupByCategory)
	if err != nil {
		return nil, err
	}
	row := byCat[tx.Category]
	if row.Count < categorySpikeMinPrior {
		return nil, nil
	}
	mean := row.Spend / float64(row.Count)
	amount := math.Abs(tx.Amount)
	if amount < math.Max(categorySpikeFactor*mean, mean+categorySpikeMinDelta) {
		return nil, nil
	}
	return a.insight(userID, model.InsightCategorySpike, tx.Category, tx.ID,
		fmt.Sprintf("Large %s charge", tx.Category),
		fmt.Sprintf("$%.2f at %s is well above your usual %s charge of $%.2f.",
			amount, tx.Merchant, tx.Category, mean),
		model.SeverityWarn,
		map[string]any{
			"category":       tx.Category,
			"amount":         amount,
			"category_mean":  round2(mean),
			"prior_count":    row.Count,
			"merchant":       model.NormalizeMerchant(tx.Merchant),
			"transaction_id": tx.ID,
		}), nil
}

// merchantSpike flags a charge far above this merchant's own history.
func (a *TransactionAnalyzer) merchantSpike(ctx context.Context, userID string, tx *model.Transaction) (*model.Insight, error) {
	merchant := model.NormalizeMerchant(tx.Merchant)
	if merchant == "" {
		return nil, nil
	}
	since := dateOf(tx.Date).AddDate(0, 0, -180)
	history, err := a.store.ExpensesForMerchant(ctx, userID, merchant, since)
	if err != nil {
		return nil, err
	}

	var prior []float64
	for _, h := range history {
		if h.ID == tx.ID {
			continue
		}
		prior = append(prior, math.Abs(h.Amount))
	}
	if len(prior) < merchantSpikeMinPrior {
		return nil, nil
	}
	mean, _ := meanStd(prior)
	maxPrior := prior[0]
	for _, v := range prior[1:] {
		if v > maxPrior {
			maxPrior = v
		}
	}
	amount := math.Abs(tx.Amount)
	if amount < math.Max(merchantSpikeMeanFactor*mean, merchantSpikeMaxFactor*maxPrior) {
		return nil, nil
	}
	return a.insight(userID, model.InsightMerchantSpike, merchant, tx.ID,
		fmt.Sprintf("Unusually large charge at %s", tx.Merchant),
		fmt.Sprintf("$%.2f vs your usual $%.2f at %s.", amount, mean, tx.Merchant),
		model.SeverityWarn,
		map[string]any{
			"merchant":       merchant,
			"amount":         amount,
			"merchant_mean":  round2(mean),
			"merchant_max":   round2(maxPrior),
			"prior_count":    len(prior),
			"transaction_id": tx.ID,
		}), nil
}

// dailySpend flags a day whose running expense total dwarfs the 30-day
// daily average.
func (a *TransactionAnalyzer) dailySpend(ctx context.Context, userID string, tx *model.Transaction) (*model.Insight, error) {
	txDay := dateOf(tx.Date)
	day := model.FormatDate(txDay)

	todayRows, err := a.store.Aggregate(ctx, userID, txDay, txDay, store.GroupByDay)
	if err != nil {
		return nil, err
	}
	dayTotal := todayRows[day].Spend

	baselineStart := txDay.AddDate(0, 0, -dailySpendWindowDays)
	baselineEnd := txDay.AddDate(0, 0, -1)
	baseline, err := a.store.Aggregate(ctx, userID, baselineStart, baselineEnd, store.GroupByDay)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, row := range baseline {
		total += row.Spend
	}
	avgDaily := total / dailySpendWindowDays

	if dayTotal < math.Max(dailySpendFactor*avgDaily, dailySpendMinTotal) || dayTotal < avgDaily+dailySpendMinDelta {
		return nil, nil
	}
	return a.insight(userID, model.InsightDailySpend, day, tx.ID,
		"High spending today",
		fmt.Sprintf("$%.0f spent on %s vs a ~$%.0f daily average.", dayTotal, day, avgDaily),
		model.SeverityWarn,
		map[string]any{
			"date":        day,
			"day_total":   round2(dayTotal),
			"avg_daily":   round2(avgDaily),
			"window_days": dailySpendWindowDays,
		}), nil
}

// budgetAlert reports month-to-date budget usage crossings as the charge
// lands rather than at the next daily run.
func (a *TransactionAnalyzer) budgetAlert(ctx context.Context, userID string, tx *model.Transaction) (*model.Insight, error) {
	if tx.Category == "" {
		return nil, nil
	}
	budgets, err := a.store.BudgetsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	budget, ok := budgets[tx.Category]
	if !ok || budget <= 0 {
		return nil, nil
	}

	txDay := dateOf(tx.Date)
	monthStart := time.Date(txDay.Year(), txDay.Month(), 1, 0, 0, 0, 0, time.UTC)
	mtd, err := a.store.Aggregate(ctx, userID, monthStart, txDay, store.GroupByCategory)
	if err != nil {
		return nil, err
	}
	spent := mtd[tx.Category].Spend
	usage := spent / budget * 100

	var severity model.Severity
	switch {
	case usage >= budgetAlertCriticalPct:
		severity = model.SeverityCritical
	case usage >= budgetAlertWarnPct:
		severity = model.SeverityWarn
	case usage >= budgetAlertInfoPct:
		severity = model.SeverityInfo
	default:
		return nil, nil
	}
	return a.insight(userID, model.InsightBudgetAlert, tx.Category, tx.ID,
		fmt.Sprintf("%s budget at %.0f%%", tx.Category, usage),
		fmt.Sprintf("This charge puts you at $%.0f of your $%.0f %s budget.", spent, budget, tx.Category),
		severity,
		map[string]any{
			"category":       tx.Category,
			"monthly_budget": budget,
			"spent_mtd":      round2(spent),
			"usage_pct":      round2(usage),
			"transaction_id": tx.ID,
		}), nil
}

// subscriptionCheck runs a cheap recurrence pre-check on the merchant and,
// only when it fires, a full detection pass. Emits detection, price-change,
// and trial-conversion insights keyed to this transaction.
func (a *TransactionAnalyzer) subscriptionCheck(ctx context.Context, userID string, tx *model.Transaction) ([]*model.Insight, error) {
	merchant := model.NormalizeMerchant(tx.Merchant)
	if merchant == "" {
		return nil, nil
	}

	existing, err := a.store.GetSubscription(ctx, model.SubscriptionID(userID, merchant))
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	trigger := existing != nil || strings.Contains(strings.ToLower(tx.Category), "subscription")
	if !trigger {
		since := dateOf(tx.Date).AddDate(-1, 0, -10)
		history, err := a.store.ExpensesForMerchant(ctx, userID, merchant, since)
		if err != nil {
			return nil, err
		}
		trigger = looksRecurring(history)
	}
	if !trigger {
		return nil, nil
	}

	summary, err := a.detector.DetectAndUpsert(ctx, userID)
	if err != nil {
		return nil, err
	}

	var sub *model.Subscription
	for _, s := range summary.Items {
		if s.Merchant == merchant {
			sub = s
			break
		}
	}
	if sub == nil {
		return nil, nil
	}

	var out []*model.Insight
	if existing == nil {
		out = append(out, a.insight(userID, model.InsightSubscriptionNew, merchant, tx.ID,
			fmt.Sprintf("New subscription detected: %s", tx.Merchant),
			fmt.Sprintf("Looks like a %s subscription at ~$%.2f.", sub.Cadence, sub.AvgAmount),
			model.SeverityInfo,
			map[string]any{
				"merchant":       merchant,
				"cadence":        string(sub.Cadence),
				"avg_amount":     sub.AvgAmount,
				"transaction_id": tx.ID,
			}))
	}

	if sub.PriceChangePct != nil && math.Abs(*sub.PriceChangePct) >= priceChangeMinPct {
		pct := *sub.PriceChangePct
		severity := model.SeverityInfo
		verb := "dropped"
		if pct > 0 {
			severity = model.SeverityWarn
			verb = "increased"
		}
		out = append(out, a.insight(userID, model.InsightPriceChange, merchant, tx.ID,
			fmt.Sprintf("%s price %s", tx.Merchant, verb),
			fmt.Sprintf("The latest charge is %.0f%% %s than the typical $%.2f.", math.Abs(pct), cmpWord(pct), sub.AvgAmount),
			severity,
			map[string]any{
				"merchant":       merchant,
				"change_pct":     round2(pct),
				"avg_amount":     sub.AvgAmount,
				"transaction_id": tx.ID,
			}))
	}

	if sub.TrialConverted && (existing == nil || !existing.TrialConverted) {
		out = append(out, a.insight(userID, model.InsightTrialConverted, merchant, tx.ID,
			fmt.Sprintf("Trial at %s converted to paid", tx.Merchant),
			fmt.Sprintf("Charges at %s jumped to ~$%.2f after an introductory period.", tx.Merchant, sub.AvgAmount),
			model.SeverityInfo,
			map[string]any{
				"merchant":       merchant,
				"avg_amount":     sub.AvgAmount,
				"transaction_id": tx.ID,
			}))
	}
	return out, nil
}

// looksRecurring is the detection pre-check: interval regularity plus
// amount consistency over the merchant's recent charges. Thresholds relax
// with more observations.
func looksRecurring(history []*model.Transaction) bool {
	if len(history) < 2 {
		return false
	}

	dates := make([]time.Time, len(history))
	amounts := make([]float64, len(history))
	for i, tx := range history {
		dates[i] = dateOf(tx.Date)
		amounts[i] = math.Abs(tx.Amount)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	intervals := make([]float64, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		gap := dates[i].Sub(dates[i-1]).Hours() / 24
		if gap > 0 {
			intervals = append(intervals, gap)
		}
	}
	if len(intervals) == 0 {
		return false
	}

	// Fraction of intervals landing in the best-fitting cadence bucket.
	buckets := [][2]float64{{6, 9}, {25, 35}, {90, 100}, {360, 370}}
	var strength float64
	for _, b := range buckets {
		hits := 0
		for _, gap := range intervals {
			if gap >= b[0] && gap <= b[1] {
				hits++
			}
		}
		if frac := float64(hits) / float64(len(intervals)); frac > strength {
			strength = frac
		}
	}

	med := median(amounts)
	tolerance := math.Max(3, 0.15*med)
	within := 0
	for _, amt := range amounts {
		if math.Abs(amt-med) <= tolerance {
			within++
		}
	}
	consistency := float64(within) / float64(len(amounts))

	if len(dates) >= 3 {
		return strength >= 0.6 && consistency >= 0.7
	}
	return strength >= 0.8 && consistency >= 0.8
}

func cmpWord(pct float64) string {
	if pct > 0 {
		return "higher"
	}
	return "lower"
}

// insight assembles a per-transaction insight keyed to the triggering
// transaction rather than the calendar day.
func (a *TransactionAnalyzer) insight(userID string, kind model.InsightType, key, txID, title, body string, severity model.Severity, data map[string]any) *model.Insight {
	return &model.Insight{
		ID:        model.TransactionInsightID(userID, kind, key, txID),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Body:      body,
		Severity:  severity,
		Data:      data,
		CreatedAt: a.now(),
	}
}

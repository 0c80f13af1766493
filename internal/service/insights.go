package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

// Rule thresholds. These are contractual: changing them changes which
// insights users see, so tests pin them.
const (
	overspendMinPriorCount = 3
	overspendMinPriorSpend = 50.0
	overspendMinCurrent    = 50.0
	overspendGrowthFactor  = 1.2
	overspendMinDelta      = 20.0

	trendingMinGrowthRate = 0.15
	trendingTopN          = 5

	anomalyWindowDays = 90
	anomalySigma      = 2.5
	anomalyMinAmount  = 20.0

	saveSuggestionMinSpend = 20.0
	saveSuggestionCutPct   = 0.2
	saveSuggestionTopN     = 3

	budgetPaceAheadMargin  = 20.0
	budgetPaceBehindMargin = 15.0
	budgetPaceMinDay       = 10

	budgetSuggestionMinSpend = 100.0
	budgetSuggestionMinCount = 3

	lowBalanceLookbackDays   = 30
	checkingBalanceThreshold = 100.0
	creditBalanceThreshold   = -1000.0
)

// discretionaryCategories are the categories considered realistically
// cuttable for save suggestions and goal plans.
var discretionaryCategories = map[string]bool{
	"coffee":        true,
	"food_delivery": true,
	"fast_food":     true,
	"restaurants":   true,
	"shopping":      true,
	"rideshare":     true,
	"subscriptions": true,
}

// InsightGenerator is the rule engine producing the typed insight stream.
// Every rule has a minimum-sample gate and a content-derived dedup id, so
// re-running generation for the same day upserts rather than duplicates.
type InsightGenerator struct {
	store store.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewInsightGenerator creates a generator backed by the given store.
func NewInsightGenerator(st store.Store, log *zap.SugaredLogger) *InsightGenerator {
	return &InsightGenerator{store: st, log: log, now: time.Now}
}

// GenerationSummary reports one generate-and-upsert run.
type GenerationSummary struct {
	Generated int              `json:"generated"`
	Inserted  int              `json:"inserted"`
	Updated   int              `json:"updated"`
	Items     []*model.Insight `json:"items"`
}

// GenerateForUser evaluates every daily rule and returns the resulting
// insights without writing them.
func (g *InsightGenerator) GenerateForUser(ctx context.Context, userID string) ([]*model.Insight, error) {
	today := dateOf(g.now())
	cur30Start := today.AddDate(0, 0, -29)
	prev30Start := cur30Start.AddDate(0, 0, -30)
	prev30End := cur30Start.AddDate(0, 0, -1)

	curCat, err := g.store.Aggregate(ctx, userID, cur30Start, today, store.GroupByCategory)
	if err != nil {
		return nil, err
	}
	prevCat, err := g.store.Aggregate(ctx, userID, prev30Start, prev30End, store.GroupByCategory)
	if err != nil {
		return nil, err
	}

	var insights []*model.Insight
	insights = append(insights, g.overspendInsights(userID, today, curCat, prevCat)...)
	insights = append(insights, g.trendingInsights(userID, today, curCat, prevCat)...)

	anomalies, err := g.merchantAnomalyInsights(ctx, userID, today)
	if err != nil {
		return nil, err
	}
	insights = append(insights, anomalies...)

	duplicates, err := g.duplicateChargeInsights(ctx, userID, today, cur30Start)
	if err != nil {
		return nil, err
	}
	insights = append(insights, duplicates...)

	insights = append(insights, g.saveSuggestions(userID, today, curCat)...)

	budget, err := g.budgetInsights(ctx, userID, today)
	if err != nil {
		return nil, err
	}
	insights = append(insights, budget...)

	balances, err := g.lowBalanceInsights(ctx, userID, today)
	if err != nil {
		return nil, err
	}
	insights = append(insights, balances...)

	return insights, nil
}

// GenerateAndUpsert runs every daily rule and replaces the resulting
// insight rows. Idempotent per day.
func (g *InsightGenerator) GenerateAndUpsert(ctx context.Context, userID string) (*GenerationSummary, error) {
	items, err := g.GenerateForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &GenerationSummary{Generated: len(items), Items: items}
	for _, insight := range items {
		created, err := g.store.UpsertInsight(ctx, insight)
		if err != nil {
			return nil, err
		}
		if created {
			summary.Inserted++
		} else {
			summary.Updated++
		}
	}

	g.log.Infow("insight generation completed",
		"user_id", userID,
		"generated", summary.Generated,
		"inserted", summary.Inserted,
		"updated", summary.Updated)
	return summary, nil
}

// overspendInsights compares the current 30-day window against the prior
// one per category. The prior-window gate avoids flagging an "increase"
// that is really just the first month of data.
func (g *InsightGenerator) overspendInsights(userID string, today time.Time, cur, prev map[string]store.AggregateRow) []*model.Insight {
	var out []*model.Insight
	for cat, curRow := range cur {
		prevRow := prev[cat]
		if prevRow.Count < overspendMinPriorCount || prevRow.Spend < overspendMinPriorSpend {
			continue
		}
		threshold := math.Max(prevRow.Spend*overspendGrowthFactor, prevRow.Spend+overspendMinDelta)
		if curRow.Spend < threshold || curRow.Spend < overspendMinCurrent {
			continue
		}
		name := categoryName(cat)
		delta := curRow.Spend - prevRow.Spend
		out = append(out, g.insight(userID, model.InsightOverspendCategory, name, today,
			fmt.Sprintf("Overspend in %s", name),
			fmt.Sprintf("You spent %.0f this 30d vs %.0f prior (+%.0f). Consider small cutbacks to hit goals.",
				curRow.Spend, prevRow.Spend, delta),
			model.SeverityWarn,
			map[string]any{
				"category":       name,
				"current_30d":    curRow.Spend,
				"current_count":  curRow.Count,
				"previous_30d":   prevRow.Spend,
				"previous_count": prevRow.Count,
			}))
	}
	sortInsights(out)
	return out
}

// trendingInsights ranks categories by 30-day growth rate and reports the
// top movers above the growth threshold.
func (g *InsightGenerator) trendingInsights(userID string, today time.Time, cur, prev map[string]store.AggregateRow) []*model.Insight {
	type growth struct {
		category string
		cur      store.AggregateRow
		prev     store.AggregateRow
		rate     float64
	}
	var ranked []growth
	for cat := range unionKeys(cur, prev) {
		c := cur[cat]
		p := prev[cat]
		if p.Count < overspendMinPriorCount || p.Spend < overspendMinPriorSpend {
			continue
		}
		if c.Spend < overspendMinCurrent {
			continue
		}
		rate := (c.Spend - p.Spend) / math.Max(p.Spend, 1)
		ranked = append(ranked, growth{category: cat, cur: c, prev: p, rate: rate})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rate != ranked[j].rate {
			return ranked[i].rate > ranked[j].rate
		}
		return ranked[i].category < ranked[j].category
	})
	if len(ranked) > trendingTopN {
		ranked = ranked[:trendingTopN]
	}

	var out []*model.Insight
	for _, gr := range ranked {
		if gr.rate <= trendingMinGrowthRate {
			continue
		}
		name := categoryName(gr.category)
		out = append(out, g.insight(userID, model.InsightTrendingCategory, name, today,
			fmt.Sprintf("%s trending up", name),
			fmt.Sprintf("Spend up %d%% vs prior 30d (%.0f vs %.0f).", int(gr.rate*100), gr.cur.Spend, gr.prev.Spend),
			model.SeverityInfo,
			map[string]any{
				"category":       name,
				"current_30d":    gr.cur.Spend,
				"current_count":  gr.cur.Count,
				"previous_30d":   gr.prev.Spend,
				"previous_count": gr.prev.Count,
				"growth_rate":    gr.rate,
			}))
	}
	return out
}

// merchantAnomalyInsights flags a latest charge sitting far outside the
// merchant's 90-day distribution.
func (g *InsightGenerator) merchantAnomalyInsights(ctx context.Context, userID string, today time.Time) ([]*model.Insight, error) {
	windowStart := today.AddDate(0, 0, -anomalyWindowDays)
	merchants, err := g.store.Aggregate(ctx, userID, windowStart, today, store.GroupByMerchant)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(merchants))
	for m, row := range merchants {
		if m != "" && row.Count >= 3 {
			keys = append(keys, m)
		}
	}
	sort.Strings(keys)

	var out []*model.Insight
	for _, merchant := range keys {
		series, err := g.store.ExpensesForMerchant(ctx, userID, merchant, windowStart)
		if err != nil {
			return nil, err
		}
		if len(series) < 3 {
			continue
		}
		amounts := make([]float64, len(series))
		for i, tx := range series {
			amounts[i] = math.Abs(tx.Amount)
		}
		mean, std := meanStd(amounts)
		last := amounts[len(amounts)-1]
		if std <= 0 || (last-mean)/std < anomalySigma || last < anomalyMinAmount {
			continue
		}
		out = append(out, g.insight(userID, model.InsightMerchantAnomaly, merchant, today,
			fmt.Sprintf("Unusual charge at %s", merchant),
			fmt.Sprintf("Latest charge %.0f vs avg %.0f (>%.1fσ).", last, mean, anomalySigma),
			model.SeverityWarn,
			map[string]any{
				"merchant":    merchant,
				"last_amount": last,
				"mean":        mean,
				"std":         std,
			}))
	}
	return out, nil
}

// duplicateChargeInsights flags same-day same-merchant same-cent charges.
func (g *InsightGenerator) duplicateChargeInsights(ctx context.Context, userID string, today, since time.Time) ([]*model.Insight, error) {
	txs, err := g.store.ListTransactions(ctx, userID, &since, &today)
	if err != nil {
		return nil, err
	}

	type dupe struct {
		date     string
		merchant string
		cents    int64
		count    int
	}
	groups := make(map[string]*dupe)
	for _, tx := range txs {
		if tx.Amount >= 0 {
			continue
		}
		merchant := model.NormalizeMerchant(tx.Merchant)
		if merchant == "" {
			continue
		}
		cents := int64(math.Round(-tx.Amount * 100))
		key := fmt.Sprintf("%s|%s|%d", model.FormatDate(tx.Date), merchant, cents)
		if groups[key] == nil {
			groups[key] = &dupe{date: model.FormatDate(tx.Date), merchant: merchant, cents: cents}
		}
		groups[key].count++
	}

	keys := make([]string, 0, len(groups))
	for k, d := range groups {
		if d.count >= 2 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []*model.Insight
	for _, key := range keys {
		d := groups[key]
		amount := float64(d.cents) / 100
		out = append(out, g.insight(userID, model.InsightDuplicateCharge, key, today,
			fmt.Sprintf("Possible duplicate charge at %s", d.merchant),
			fmt.Sprintf("%d charges of $%.2f at %s on %s.", d.count, amount, d.merchant, d.date),
			model.SeverityWarn,
			map[string]any{
				"merchant": d.merchant,
				"date":     d.date,
				"amount":   amount,
				"count":    d.count,
			}))
	}
	return out, nil
}

// saveSuggestions proposes a 20% cut on the top discretionary categories.
func (g *InsightGenerator) saveSuggestions(userID string, today time.Time, cur map[string]store.AggregateRow) []*model.Insight {
	type spend struct {
		category string
		amount   float64
	}
	var disc []spend
	for cat, row := range cur {
		if discretionaryCategories[cat] && row.Spend >= saveSuggestionMinSpend {
			disc = append(disc, spend{category: cat, amount: row.Spend})
		}
	}
	sort.Slice(disc, func(i, j int) bool {
		if disc[i].amount != disc[j].amount {
			return disc[i].amount > disc[j].amount
		}
		return disc[i].category < disc[j].category
	})
	if len(disc) > saveSuggestionTopN {
		disc = disc[:saveSuggestionTopN]
	}

	var out []*model.Insight
	for _, s := range disc {
		save := round2(s.amount * saveSuggestionCutPct)
		out = append(out, g.insight(userID, model.InsightSaveSuggestion, s.category, today,
			fmt.Sprintf("Save on %s", s.category),
			fmt.Sprintf("Cutting ~20%% could save ~$%.0f/month.", save),
			model.SeverityInfo,
			map[string]any{
				"category":          s.category,
				"current_30d":       s.amount,
				"suggested_cut_pct": saveSuggestionCutPct,
				"suggested_savings": save,
			}))
	}
	return out
}

// budgetInsights covers overage, pacing, and missing-budget suggestions.
func (g *InsightGenerator) budgetInsights(ctx context.Context, userID string, today time.Time) ([]*model.Insight, error) {
	budgets, err := g.store.BudgetsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	mtd, err := g.store.Aggregate(ctx, userID, monthStart, today, store.GroupByCategory)
	if err != nil {
		return nil, err
	}

	var out []*model.Insight
	cats := sortedKeys(budgets)
	for _, cat := range cats {
		budget := budgets[cat]
		if budget <= 0 {
			continue
		}
		spent := mtd[cat].Spend
		usage := spent / budget * 100
		data := map[string]any{
			"category":       cat,
			"monthly_budget": budget,
			"spent_mtd":      round2(spent),
			"usage_pct":      round2(usage),
		}

		switch {
		case usage >= 100:
			out = append(out, g.insight(userID, model.InsightBudgetOverage, cat, today,
				fmt.Sprintf("%s budget exceeded", cat),
				fmt.Sprintf("You've spent $%.0f of your $%.0f %s budget (%.0f%%).", spent, budget, cat, usage),
				model.SeverityCritical, data))
		case usage >= 90:
			out = append(out, g.insight(userID, model.InsightBudgetOverage, cat, today,
				fmt.Sprintf("%s budget nearly used", cat),
				fmt.Sprintf("You've spent $%.0f of your $%.0f %s budget (%.0f%%).", spent, budget, cat, usage),
				model.SeverityWarn, data))
		}

		// Pacing against the day-of-month expectation.
		day := today.Day()
		expected := float64(day) / float64(daysInMonth(today)) * 100
		if usage > expected+budgetPaceAheadMargin {
			paceData := cloneData(data)
			paceData["expected_pct"] = round2(expected)
			out = append(out, g.insight(userID, model.InsightBudgetProgress, cat, today,
				fmt.Sprintf("%s spending ahead of pace", cat),
				fmt.Sprintf("%.0f%% of the %s budget used, expected ~%.0f%% by day %d.", usage, cat, expected, day),
				model.SeverityWarn, paceData))
		} else if day > budgetPaceMinDay && usage < expected-budgetPaceBehindMargin {
			paceData := cloneData(data)
			paceData["expected_pct"] = round2(expected)
			out = append(out, g.insight(userID, model.InsightBudgetProgress, cat, today,
				fmt.Sprintf("%s spending under pace", cat),
				fmt.Sprintf("Only %.0f%% of the %s budget used, expected ~%.0f%% by day %d.", usage, cat, expected, day),
				model.SeverityInfo, paceData))
		}
	}

	suggestions, err := g.budgetSuggestions(ctx, userID, today, budgets)
	if err != nil {
		return nil, err
	}
	return append(out, suggestions...), nil
}

// budgetSuggestions proposes a budget for recurring spend categories that
// lack one: the 90-day monthly average plus 10% headroom, rounded to $10.
func (g *InsightGenerator) budgetSuggestions(ctx context.Context, userID string, today time.Time, budgets map[string]float64) ([]*model.Insight, error) {
	windowStart := today.AddDate(0, 0, -90)
	byCat, err := g.store.Aggregate(ctx, userID, windowStart, today, store.GroupByCategory)
	if err != nil {
		return nil, err
	}

	var out []*model.Insight
	for _, cat := range sortedAggKeys(byCat) {
		row := byCat[cat]
		if cat == "" || row.Spend < budgetSuggestionMinSpend || row.Count < budgetSuggestionMinCount {
			continue
		}
		if _, exists := budgets[cat]; exists {
			continue
		}
		suggested := math.Round(row.Spend/3*1.1/10) * 10
		out = append(out, g.insight(userID, model.InsightBudgetSuggestion, cat, today,
			fmt.Sprintf("Set a budget for %s", cat),
			fmt.Sprintf("You averaged $%.0f/month on %s recently. A $%.0f budget would keep it in check.",
				row.Spend/3, cat, suggested),
			model.SeverityInfo,
			map[string]any{
				"category":         cat,
				"spend_90d":        round2(row.Spend),
				"suggested_budget": suggested,
			}))
	}
	return out, nil
}

// lowBalanceInsights flags accounts below their type-specific threshold,
// using the most recent balance snapshot inside the lookback window.
func (g *InsightGenerator) lowBalanceInsights(ctx context.Context, userID string, today time.Time) ([]*model.Insight, error) {
	snapshots, err := g.store.LatestBalances(ctx, userID)
	if err != nil {
		return nil, err
	}

	cutoff := today.AddDate(0, 0, -lowBalanceLookbackDays)
	var out []*model.Insight
	for _, snap := range snapshots {
		if snap.Date.Before(cutoff) {
			continue
		}
		accountType := model.AccountTypeForID(snap.AccountID)
		var threshold float64
		switch accountType {
		case model.AccountCredit:
			threshold = creditBalanceThreshold
		default:
			threshold = checkingBalanceThreshold
		}
		if snap.Balance >= threshold {
			continue
		}
		out = append(out, g.insight(userID, model.InsightLowBalance, snap.AccountID, today,
			fmt.Sprintf("Low balance on %s", snap.AccountID),
			fmt.Sprintf("Balance $%.2f is below the %s threshold of $%.0f.", snap.Balance, accountType, threshold),
			model.SeverityWarn,
			map[string]any{
				"account_id":   snap.AccountID,
				"account_type": string(accountType),
				"balance":      snap.Balance,
				"threshold":    threshold,
				"date":         model.FormatDate(snap.Date),
			}))
	}
	return out, nil
}

// insight assembles one daily insight with its content-derived id.
func (g *InsightGenerator) insight(userID string, kind model.InsightType, key string, today time.Time, title, body string, severity model.Severity, data map[string]any) *model.Insight {
	return &model.Insight{
		ID:        model.InsightID(userID, kind, key, today),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Body:      body,
		Severity:  severity,
		Data:      data,
		CreatedAt: g.now(),
	}
}

func categoryName(cat string) string {
	if cat == "" {
		return "uncategorized"
	}
	return cat
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func unionKeys(a, b map[string]store.AggregateRow) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedAggKeys(m map[string]store.AggregateRow) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortInsights(items []*model.Insight) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

package model

import (
	"strings"
	"time"
)

// Cadence classifies the recurring interval of a merchant's charges.
type Cadence string

const (
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
	CadenceYearly  Cadence = "yearly"
)

// Days returns the nominal length of one billing cycle in days.
func (c Cadence) Days() float64 {
	switch c {
	case CadenceWeekly:
		return 7
	case CadenceMonthly:
		return 30
	case CadenceYearly:
		return 365
	default:
		return 30
	}
}

// FreshnessDays returns how long after the last charge a subscription
// is still considered active.
func (c Cadence) FreshnessDays() int {
	switch c {
	case CadenceWeekly:
		return 14
	case CadenceMonthly:
		return 45
	case CadenceYearly:
		return 450
	default:
		return 45
	}
}

// SubscriptionStatus is the lifecycle state of a detected subscription.
type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionPaused SubscriptionStatus = "paused"
)

// Severity grades an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// InsightType enumerates the insight kinds the rule engine can emit.
type InsightType string

const (
	InsightOverspendCategory InsightType = "overspend_category"
	InsightTrendingCategory  InsightType = "trending_category"
	InsightMerchantAnomaly   InsightType = "merchant_anomaly"
	InsightDuplicateCharge   InsightType = "duplicate_charge"
	InsightSaveSuggestion    InsightType = "save_suggestion"
	InsightBudgetOverage     InsightType = "budget_overage"
	InsightBudgetProgress    InsightType = "budget_progress"
	InsightBudgetSuggestion  InsightType = "budget_suggestion"
	InsightLowBalance        InsightType = "low_balance"

	// Transaction-scoped kinds, keyed by transaction id.
	InsightCategorySpike   InsightType = "category_spike"
	InsightMerchantSpike   InsightType = "merchant_spike"
	InsightDailySpend      InsightType = "daily_spend"
	InsightBudgetAlert     InsightType = "budget_alert"
	InsightSubscriptionNew InsightType = "subscription_detected"
	InsightPriceChange     InsightType = "subscription_price_change"
	InsightTrialConverted  InsightType = "trial_converted"
)

// GoalStatus is the lifecycle state of a savings goal.
type GoalStatus string

const (
	GoalActive   GoalStatus = "active"
	GoalAchieved GoalStatus = "achieved"
)

// AccountType buckets accounts for balance thresholds and buffers.
type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountCredit   AccountType = "credit"
)

// Transaction is one signed ledger entry. Expenses are negative.
// Transactions are append-only and owned by the ingestion collaborator;
// the analytics core only reads them.
type Transaction struct {
	ID          string    `json:"id" firestore:"ID"`
	UserID      string    `json:"user_id" firestore:"UserID"`
	AccountID   string    `json:"account_id" firestore:"AccountID"`
	Date        time.Time `json:"date" firestore:"Date"`
	Amount      float64   `json:"amount" firestore:"Amount"`
	Merchant    string    `json:"merchant" firestore:"Merchant"`
	Description string    `json:"description" firestore:"Description"`
	Category    string    `json:"category" firestore:"Category"`
	IsRecurring bool      `json:"is_recurring" firestore:"IsRecurring"`
	// Balance is the account balance snapshot after this transaction
	// posted, when the source statement carried one.
	Balance *float64 `json:"balance,omitempty" firestore:"Balance"`
}

// IsExpense reports whether the transaction is an outflow.
func (t *Transaction) IsExpense() bool { return t.Amount < 0 }

// Subscription is one detected recurring charge, one row per
// (user, normalized merchant). The id is content-derived so repeated
// detection runs replace rather than duplicate.
type Subscription struct {
	ID             string             `json:"id" firestore:"ID"`
	UserID         string             `json:"user_id" firestore:"UserID"`
	Merchant       string             `json:"merchant" firestore:"Merchant"`
	Cadence        Cadence            `json:"cadence" firestore:"Cadence"`
	AvgAmount      float64            `json:"avg_amount" firestore:"AvgAmount"`
	LastSeen       string             `json:"last_seen" firestore:"LastSeen"`
	PriceChangePct *float64           `json:"price_change_pct" firestore:"PriceChangePct"`
	TrialConverted bool               `json:"trial_converted" firestore:"TrialConverted"`
	Status         SubscriptionStatus `json:"status" firestore:"Status"`
}

// Insight is one generated behavioral finding. The id is a pure function
// of (user, type, key, day-or-transaction), so regeneration upserts in
// place instead of appending.
type Insight struct {
	ID       string         `json:"id" firestore:"ID"`
	UserID   string         `json:"user_id" firestore:"UserID"`
	Type     InsightType    `json:"type" firestore:"Type"`
	Title    string         `json:"title" firestore:"Title"`
	Body     string         `json:"body" firestore:"Body"`
	Severity Severity       `json:"severity" firestore:"Severity"`
	Data     map[string]any `json:"data" firestore:"Data"`

	CreatedAt time.Time `json:"created_at" firestore:"CreatedAt"`

	// Rewrite fields are patched by the external text-rewrite collaborator
	// and never touched by generation.
	RewrittenTitle string     `json:"rewritten_title,omitempty" firestore:"RewrittenTitle"`
	RewrittenBody  string     `json:"rewritten_body,omitempty" firestore:"RewrittenBody"`
	RewrittenAt    *time.Time `json:"rewritten_at,omitempty" firestore:"RewrittenAt"`
}

// Goal is a monetary savings goal. Plans are recomputed on demand and
// never persisted.
type Goal struct {
	ID            string     `json:"id" firestore:"ID"`
	UserID        string     `json:"user_id" firestore:"UserID"`
	Name          string     `json:"name" firestore:"Name"`
	TargetAmount  float64    `json:"target_amount" firestore:"TargetAmount"`
	TargetDate    string     `json:"target_date" firestore:"TargetDate"`
	MonthlyTarget *float64   `json:"monthly_target,omitempty" firestore:"MonthlyTarget"`
	Status        GoalStatus `json:"status" firestore:"Status"`
	CreatedAt     time.Time  `json:"created_at" firestore:"CreatedAt"`
}

// GoalContribution is one row in the append-only contribution ledger.
type GoalContribution struct {
	ID     string    `json:"id" firestore:"ID"`
	GoalID string    `json:"goal_id" firestore:"GoalID"`
	Date   time.Time `json:"date" firestore:"Date"`
	Amount float64   `json:"amount" firestore:"Amount"`
}

// GoalMilestone marks a named sub-target inside a goal. HitAt is stamped
// once cumulative contributions reach the milestone target.
type GoalMilestone struct {
	ID           string     `json:"id" firestore:"ID"`
	GoalID       string     `json:"goal_id" firestore:"GoalID"`
	Name         string     `json:"name" firestore:"Name"`
	TargetAmount float64    `json:"target_amount" firestore:"TargetAmount"`
	HitAt        *time.Time `json:"hit_at,omitempty" firestore:"HitAt"`
}

// CategoryBudget is a per-(user, category) monthly spending budget.
type CategoryBudget struct {
	ID            string  `json:"id" firestore:"ID"`
	UserID        string  `json:"user_id" firestore:"UserID"`
	Category      string  `json:"category" firestore:"Category"`
	MonthlyBudget float64 `json:"monthly_budget" firestore:"MonthlyBudget"`
}

// ForecastResult is one short-horizon point estimate. Category is the
// literal "net" for the net-cash-flow forecast.
type ForecastResult struct {
	Category          string    `json:"category"`
	ForecastNextMonth float64   `json:"forecast_next_month"`
	HistoryMonths     []string  `json:"history_months"`
	HistoryValues     []float64 `json:"history_values"`
	Model             string    `json:"model"`
}

// PlanItem is one suggested category cut inside a goal plan.
type PlanItem struct {
	Category      string  `json:"category"`
	ForecastSpend float64 `json:"forecast_spend"`
	SuggestedCut  float64 `json:"suggested_cut"`
	CutPct        float64 `json:"cut_pct"`
	ForecastModel string  `json:"forecast_model"`
	MaxCutPct     float64 `json:"max_cut_pct"`
}

// GoalPlan is the feasibility-aware savings plan for one goal.
type GoalPlan struct {
	TargetDate            string     `json:"target_date"`
	MonthsLeft            int        `json:"months_left"`
	CurrentSurplusMonthly float64    `json:"current_surplus_monthly"`
	RequiredMonthly       float64    `json:"required_monthly"`
	Gap                   float64    `json:"gap"`
	OnTrack               bool       `json:"on_track"`
	SuggestedPlan         []PlanItem `json:"suggested_plan"`
	TotalPotential        float64    `json:"total_potential"`
	Feasible              bool       `json:"feasible"`
	Shortfall             float64    `json:"shortfall"`
}

// SafeToSpend is the spendable-cash estimate over a requested window and
// until the next inferred pay date.
type SafeToSpend struct {
	CurrentBalance      float64 `json:"current_balance"`
	AvgDailySpend       float64 `json:"avg_daily_spend"`
	PerDayRecurring     float64 `json:"per_day_recurring"`
	Days                int     `json:"days"`
	Buffer              float64 `json:"buffer"`
	SafeToSpend         float64 `json:"safe_to_spend"`
	NextPayDate         string  `json:"next_pay_date,omitempty"`
	DaysToPay           int     `json:"days_to_pay,omitempty"`
	SafeToSpendUntilPay float64 `json:"safe_to_spend_until_pay,omitempty"`
}

// AccountTypeForID buckets an account by its naming convention: ids
// containing "_credit" are credit accounts, everything else checking.
func AccountTypeForID(accountID string) AccountType {
	if strings.Contains(strings.ToLower(accountID), "_credit") {
		return AccountCredit
	}
	return AccountChecking
}

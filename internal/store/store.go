package store

import (
	"context"
	"errors"
	"time"

	"github.com/ledgerlens/backend/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// GroupBy selects the key for windowed expense aggregation.
type GroupBy string

const (
	GroupByCategory GroupBy = "category"
	GroupByMerchant GroupBy = "merchant"
	GroupByDay      GroupBy = "day"
)

// AggregateRow is the windowed expense sum and count for one group key.
// Spend is the positive magnitude of expense outflow.
type AggregateRow struct {
	Spend float64
	Count int
}

// BalanceSnapshot is the most recent known balance for one account.
type BalanceSnapshot struct {
	AccountID string
	Balance   float64
	Date      time.Time
}

// Store defines the data operations the analytics core consumes and the
// derived tables it writes. Transactions are append-only; subscriptions,
// insights and goal records use replace-upsert semantics so repeated runs
// converge to identical content.
type Store interface {
	// Transaction reads (the ingestion collaborator owns writes; Create
	// exists for seeding and tests).
	CreateTransaction(ctx context.Context, tx *model.Transaction) error
	// ListTransactions returns transactions in [start, end] sorted by date
	// ascending. Nil bounds are open-ended.
	ListTransactions(ctx context.Context, userID string, start, end *time.Time) ([]*model.Transaction, error)
	// ExpensesForMerchant returns expense transactions (amount < 0) for a
	// normalized merchant since the given date, sorted by date ascending.
	ExpensesForMerchant(ctx context.Context, userID, merchant string, since time.Time) ([]*model.Transaction, error)
	// Aggregate folds expense transactions in [start, end] into per-group
	// sums and counts.
	Aggregate(ctx context.Context, userID string, start, end time.Time, groupBy GroupBy) (map[string]AggregateRow, error)
	// LatestBalances returns the most recent balance snapshot per account.
	LatestBalances(ctx context.Context, userID string) ([]BalanceSnapshot, error)
	// MonthlyCategorySeries returns per-category monthly expense totals for
	// the trailing months, plus the chronological month keys observed.
	MonthlyCategorySeries(ctx context.Context, userID string, months int) (map[string]map[string]float64, []string, error)
	// MonthlyNetSeries returns monthly net (income - expenses) totals for
	// the trailing months, plus the chronological month keys.
	MonthlyNetSeries(ctx context.Context, userID string, months int) (map[string]float64, []string, error)

	// Budgets
	BudgetsForUser(ctx context.Context, userID string) (map[string]float64, error)
	UpsertBudget(ctx context.Context, budget *model.CategoryBudget) error

	// Subscriptions
	UpsertSubscription(ctx context.Context, sub *model.Subscription) (created bool, err error)
	GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	SubscriptionsForUser(ctx context.Context, userID string) ([]*model.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, userID, merchant string, status model.SubscriptionStatus) error

	// Insights
	UpsertInsight(ctx context.Context, insight *model.Insight) (created bool, err error)
	GetInsight(ctx context.Context, userID, insightID string) (*model.Insight, error)
	ListInsights(ctx context.Context, userID string, limit int) ([]*model.Insight, error)
	// UpdateInsightRewrite patches the rewritten text fields only, leaving
	// generation-owned fields untouched.
	UpdateInsightRewrite(ctx context.Context, userID, insightID, title, body string, at time.Time) error

	// Goals
	CreateGoal(ctx context.Context, goal *model.Goal) error
	GetGoal(ctx context.Context, goalID string) (*model.Goal, error)
	UpdateGoal(ctx context.Context, goal *model.Goal) error
	ListGoals(ctx context.Context, userID string, status model.GoalStatus) ([]*model.Goal, error)
	CreateGoalContribution(ctx context.Context, contribution *model.GoalContribution) error
	ContributionsForGoal(ctx context.Context, goalID string) ([]*model.GoalContribution, error)
	CreateGoalMilestone(ctx context.Context, milestone *model.GoalMilestone) error
	MilestonesForGoal(ctx context.Context, goalID string) ([]*model.GoalMilestone, error)
	UpdateGoalMilestone(ctx context.Context, milestone *model.GoalMilestone) error
}

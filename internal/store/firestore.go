package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/ledgerlens/backend/internal/model"
)

// Collection names.
const (
	colTransactions  = "transactions"
	colSubscriptions = "subscriptions"
	colInsights      = "insights"
	colBudgets       = "budgets"
	colGoals         = "goals"
	colContributions = "goalContributions"
	colMilestones    = "goalMilestones"
)

// FirestoreStore implements Store on Firestore. Aggregations fetch the
// user's transactions for the window and fold client-side; per-user
// volumes are small enough that this beats maintaining composite indexes
// for every grouping.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore creates a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client) Store {
	return &FirestoreStore{client: client}
}

// fetchTransactions returns a user's transactions in [start, end], date
// ascending. Nil bounds are open-ended.
func (s *FirestoreStore) fetchTransactions(ctx context.Context, userID string, start, end *time.Time) ([]*model.Transaction, error) {
	query := s.client.Collection(colTransactions).
		Where("UserID", "==", userID).
		OrderBy("Date", firestore.Asc)
	if start != nil {
		query = query.Where("Date", ">=", *start)
	}
	if end != nil {
		query = query.Where("Date", "<=", *end)
	}

	var out []*model.Transaction
	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate transactions: %w", err)
		}
		var tx model.Transaction
		if err := doc.DataTo(&tx); err != nil {
			return nil, fmt.Errorf("failed to parse transaction %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &tx)
	}
	return out, nil
}

// Transaction operations

func (s *FirestoreStore) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("transaction id is required")
	}
	_, err := s.client.Collection(colTransactions).Doc(tx.ID).Set(ctx, tx)
	return err
}

func (s *FirestoreStore) ListTransactions(ctx context.Context, userID string, start, end *time.Time) ([]*model.Transaction, error) {
	return s.fetchTransactions(ctx, userID, start, end)
}

func (s *FirestoreStore) ExpensesForMerchant(ctx context.Context, userID, merchant string, since time.Time) ([]*model.Transaction, error) {
	txs, err := s.fetchTransactions(ctx, userID, &since, nil)
	if err != nil {
		return nil, err
	}
	key := model.NormalizeMerchant(merchant)
	var out []*model.Transaction
	for _, tx := range txs {
		if tx.Amount < 0 && model.NormalizeMerchant(tx.Merchant) == key {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *FirestoreStore) Aggregate(ctx context.Context, userID string, start, end time.Time, groupBy GroupBy) (map[string]AggregateRow, error) {
	txs, err := s.fetchTransactions(ctx, userID, &start, &end)
	if err != nil {
		return nil, err
	}
	out := make(map[string]AggregateRow)
	for _, tx := range txs {
		if tx.Amount >= 0 {
			continue
		}
		key := aggregateKey(tx, groupBy)
		row := out[key]
		row.Spend += -tx.Amount
		row.Count++
		out[key] = row
	}
	return out, nil
}

func (s *FirestoreStore) LatestBalances(ctx context.Context, userID string) ([]BalanceSnapshot, error) {
	txs, err := s.fetchTransactions(ctx, userID, nil, nil)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]BalanceSnapshot)
	for _, tx := range txs {
		if tx.Balance == nil {
			continue
		}
		cur, ok := latest[tx.AccountID]
		if !ok || tx.Date.After(cur.Date) {
			latest[tx.AccountID] = BalanceSnapshot{
				AccountID: tx.AccountID,
				Balance:   *tx.Balance,
				Date:      tx.Date,
			}
		}
	}
	out := make([]BalanceSnapshot, 0, len(latest))
	for _, snap := range latest {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *FirestoreStore) MonthlyCategorySeries(ctx context.Context, userID string, months int) (map[string]map[string]float64, []string, error) {
	txs, err := s.fetchTransactions(ctx, userID, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	series := make(map[string]map[string]float64)
	monthSet := make(map[string]bool)
	for _, tx := range txs {
		ym := model.YearMonth(tx.Date)
		monthSet[ym] = true
		if tx.Amount >= 0 {
			continue
		}
		cat := model.NormalizeMerchant(tx.Category)
		if cat == "" {
			cat = "uncategorized"
		}
		if series[cat] == nil {
			series[cat] = make(map[string]float64)
		}
		series[cat][ym] += -tx.Amount
	}
	return series, trailingMonths(monthSet, months), nil
}

func (s *FirestoreStore) MonthlyNetSeries(ctx context.Context, userID string, months int) (map[string]float64, []string, error) {
	txs, err := s.fetchTransactions(ctx, userID, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	net := make(map[string]float64)
	monthSet := make(map[string]bool)
	for _, tx := range txs {
		ym := model.YearMonth(tx.Date)
		monthSet[ym] = true
		net[ym] += tx.Amount
	}
	return net, trailingMonths(monthSet, months), nil
}

// Budget operations

func (s *FirestoreStore) BudgetsForUser(ctx context.Context, userID string) (map[string]float64, error) {
	iter := s.client.Collection(colBudgets).Where("UserID", "==", userID).Documents(ctx)
	defer iter.Stop()

	out := make(map[string]float64)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate budgets: %w", err)
		}
		var b model.CategoryBudget
		if err := doc.DataTo(&b); err != nil {
			return nil, fmt.Errorf("failed to parse budget %s: %w", doc.Ref.ID, err)
		}
		out[model.NormalizeMerchant(b.Category)] = b.MonthlyBudget
	}
	return out, nil
}

func (s *FirestoreStore) UpsertBudget(ctx context.Context, budget *model.CategoryBudget) error {
	// Deterministic doc id keeps at most one budget per (user, category).
	if budget.ID == "" {
		budget.ID = model.SubscriptionID(budget.UserID, model.NormalizeMerchant(budget.Category))
	}
	_, err := s.client.Collection(colBudgets).Doc(budget.ID).Set(ctx, budget)
	return err
}

// Subscription operations

func (s *FirestoreStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) (bool, error) {
	if sub.ID == "" {
		sub.ID = model.SubscriptionID(sub.UserID, sub.Merchant)
	}
	ref := s.client.Collection(colSubscriptions).Doc(sub.ID)
	_, err := ref.Get(ctx)
	created := err != nil
	if _, err := ref.Set(ctx, sub); err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return created, nil
}

func (s *FirestoreStore) GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	doc, err := s.client.Collection(colSubscriptions).Doc(subscriptionID).Get(ctx)
	if err != nil {
		return nil, ErrNotFound
	}
	var sub model.Subscription
	if err := doc.DataTo(&sub); err != nil {
		return nil, fmt.Errorf("failed to parse subscription: %w", err)
	}
	return &sub, nil
}

func (s *FirestoreStore) SubscriptionsForUser(ctx context.Context, userID string) ([]*model.Subscription, error) {
	iter := s.client.Collection(colSubscriptions).Where("UserID", "==", userID).Documents(ctx)
	defer iter.Stop()

	var out []*model.Subscription
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
		}
		var sub model.Subscription
		if err := doc.DataTo(&sub); err != nil {
			return nil, fmt.Errorf("failed to parse subscription %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgAmount != out[j].AvgAmount {
			return out[i].AvgAmount > out[j].AvgAmount
		}
		return out[i].Merchant < out[j].Merchant
	})
	return out, nil
}

func (s *FirestoreStore) UpdateSubscriptionStatus(ctx context.Context, userID, merchant string, status model.SubscriptionStatus) error {
	id := model.SubscriptionID(userID, model.NormalizeMerchant(merchant))
	ref := s.client.Collection(colSubscriptions).Doc(id)
	if _, err := ref.Get(ctx); err != nil {
		return ErrNotFound
	}
	_, err := ref.Update(ctx, []firestore.Update{{Path: "Status", Value: status}})
	return err
}

// Insight operations

func (s *FirestoreStore) UpsertInsight(ctx context.Context, insight *model.Insight) (bool, error) {
	ref := s.client.Collection(colInsights).Doc(insight.ID)
	doc, err := ref.Get(ctx)
	created := err != nil
	if !created {
		// Preserve rewrite fields and original creation time across re-runs.
		var existing model.Insight
		if err := doc.DataTo(&existing); err == nil {
			insight.CreatedAt = existing.CreatedAt
			insight.RewrittenTitle = existing.RewrittenTitle
			insight.RewrittenBody = existing.RewrittenBody
			insight.RewrittenAt = existing.RewrittenAt
		}
	}
	if _, err := ref.Set(ctx, insight); err != nil {
		return false, fmt.Errorf("failed to upsert insight: %w", err)
	}
	return created, nil
}

func (s *FirestoreStore) GetInsight(ctx context.Context, userID, insightID string) (*model.Insight, error) {
	doc, err := s.client.Collection(colInsights).Doc(insightID).Get(ctx)
	if err != nil {
		return nil, ErrNotFound
	}
	var insight model.Insight
	if err := doc.DataTo(&insight); err != nil {
		return nil, fmt.Errorf("failed to parse insight: %w", err)
	}
	if insight.UserID != userID {
		return nil, ErrNotFound
	}
	return &insight, nil
}

func (s *FirestoreStore) ListInsights(ctx context.Context, userID string, limit int) ([]*model.Insight, error) {
	query := s.client.Collection(colInsights).
		Where("UserID", "==", userID).
		OrderBy("CreatedAt", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*model.Insight
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate insights: %w", err)
		}
		var insight model.Insight
		if err := doc.DataTo(&insight); err != nil {
			return nil, fmt.Errorf("failed to parse insight %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &insight)
	}
	return out, nil
}

func (s *FirestoreStore) UpdateInsightRewrite(ctx context.Context, userID, insightID, title, body string, at time.Time) error {
	if _, err := s.GetInsight(ctx, userID, insightID); err != nil {
		return err
	}
	_, err := s.client.Collection(colInsights).Doc(insightID).Update(ctx, []firestore.Update{
		{Path: "RewrittenTitle", Value: title},
		{Path: "RewrittenBody", Value: body},
		{Path: "RewrittenAt", Value: at},
	})
	return err
}

// Goal operations

func (s *FirestoreStore) CreateGoal(ctx context.Context, goal *model.Goal) error {
	if goal.ID == "" {
		return fmt.Errorf("goal id is required")
	}
	_, err := s.client.Collection(colGoals).Doc(goal.ID).Set(ctx, goal)
	return err
}

func (s *FirestoreStore) GetGoal(ctx context.Context, goalID string) (*model.Goal, error) {
	doc, err := s.client.Collection(colGoals).Doc(goalID).Get(ctx)
	if err != nil {
		return nil, ErrNotFound
	}
	var goal model.Goal
	if err := doc.DataTo(&goal); err != nil {
		return nil, fmt.Errorf("failed to parse goal: %w", err)
	}
	return &goal, nil
}

func (s *FirestoreStore) UpdateGoal(ctx context.Context, goal *model.Goal) error {
	if _, err := s.GetGoal(ctx, goal.ID); err != nil {
		return err
	}
	_, err := s.client.Collection(colGoals).Doc(goal.ID).Set(ctx, goal)
	return err
}

func (s *FirestoreStore) ListGoals(ctx context.Context, userID string, status model.GoalStatus) ([]*model.Goal, error) {
	query := s.client.Collection(colGoals).Where("UserID", "==", userID)
	if status != "" {
		query = query.Where("Status", "==", status)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*model.Goal
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate goals: %w", err)
		}
		var goal model.Goal
		if err := doc.DataTo(&goal); err != nil {
			return nil, fmt.Errorf("failed to parse goal %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &goal)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FirestoreStore) CreateGoalContribution(ctx context.Context, contribution *model.GoalContribution) error {
	if contribution.ID == "" {
		contribution.ID = model.ContributionID(contribution.GoalID, contribution.Date, contribution.Amount)
	}
	_, err := s.client.Collection(colContributions).Doc(contribution.ID).Set(ctx, contribution)
	return err
}

func (s *FirestoreStore) ContributionsForGoal(ctx context.Context, goalID string) ([]*model.GoalContribution, error) {
	iter := s.client.Collection(colContributions).Where("GoalID", "==", goalID).Documents(ctx)
	defer iter.Stop()

	var out []*model.GoalContribution
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate contributions: %w", err)
		}
		var c model.GoalContribution
		if err := doc.DataTo(&c); err != nil {
			return nil, fmt.Errorf("failed to parse contribution %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FirestoreStore) CreateGoalMilestone(ctx context.Context, milestone *model.GoalMilestone) error {
	if milestone.ID == "" {
		return fmt.Errorf("milestone id is required")
	}
	_, err := s.client.Collection(colMilestones).Doc(milestone.ID).Set(ctx, milestone)
	return err
}

func (s *FirestoreStore) MilestonesForGoal(ctx context.Context, goalID string) ([]*model.GoalMilestone, error) {
	iter := s.client.Collection(colMilestones).Where("GoalID", "==", goalID).Documents(ctx)
	defer iter.Stop()

	var out []*model.GoalMilestone
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate milestones: %w", err)
		}
		var ms model.GoalMilestone
		if err := doc.DataTo(&ms); err != nil {
			return nil, fmt.Errorf("failed to parse milestone %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &ms)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetAmount != out[j].TargetAmount {
			return out[i].TargetAmount < out[j].TargetAmount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FirestoreStore) UpdateGoalMilestone(ctx context.Context, milestone *model.GoalMilestone) error {
	if _, err := s.client.Collection(colMilestones).Doc(milestone.ID).Get(ctx); err != nil {
		return ErrNotFound
	}
	_, err := s.client.Collection(colMilestones).Doc(milestone.ID).Set(ctx, milestone)
	return err
}

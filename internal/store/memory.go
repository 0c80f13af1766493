package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerlens/backend/internal/model"
)

// MemoryStore implements Store with in-memory maps. It is the backend for
// local development and tests.
type MemoryStore struct {
	mu sync.RWMutex

	transactions  map[string]*model.Transaction
	subscriptions map[string]*model.Subscription
	insights      map[string]*model.Insight
	budgets       map[string]*model.CategoryBudget
	goals         map[string]*model.Goal
	contributions map[string]*model.GoalContribution
	milestones    map[string]*model.GoalMilestone
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions:  make(map[string]*model.Transaction),
		subscriptions: make(map[string]*model.Subscription),
		insights:      make(map[string]*model.Insight),
		budgets:       make(map[string]*model.CategoryBudget),
		goals:         make(map[string]*model.Goal),
		contributions: make(map[string]*model.GoalContribution),
		milestones:    make(map[string]*model.GoalMilestone),
	}
}

// Transaction operations

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	m.transactions[tx.ID] = tx
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, start, end *time.Time) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Transaction
	for _, tx := range m.transactions {
		if tx.UserID != userID {
			continue
		}
		if start != nil && tx.Date.Before(*start) {
			continue
		}
		if end != nil && tx.Date.After(*end) {
			continue
		}
		out = append(out, tx)
	}
	sortByDate(out)
	return out, nil
}

func (m *MemoryStore) ExpensesForMerchant(ctx context.Context, userID, merchant string, since time.Time) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := model.NormalizeMerchant(merchant)
	var out []*model.Transaction
	for _, tx := range m.transactions {
		if tx.UserID != userID || tx.Amount >= 0 {
			continue
		}
		if model.NormalizeMerchant(tx.Merchant) != key {
			continue
		}
		if tx.Date.Before(since) {
			continue
		}
		out = append(out, tx)
	}
	sortByDate(out)
	return out, nil
}

func (m *MemoryStore) Aggregate(ctx context.Context, userID string, start, end time.Time, groupBy GroupBy) (map[string]AggregateRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]AggregateRow)
	for _, tx := range m.transactions {
		if tx.UserID != userID || tx.Amount >= 0 {
			continue
		}
		if tx.Date.Before(start) || tx.Date.After(end) {
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

func aggregateKey(tx *model.Transaction, groupBy GroupBy) string {
	switch groupBy {
	case GroupByMerchant:
		return model.NormalizeMerchant(tx.Merchant)
	case GroupByDay:
		return model.FormatDate(tx.Date)
	default:
		return model.NormalizeMerchant(tx.Category)
	}
}

func (m *MemoryStore) LatestBalances(ctx context.Context, userID string) ([]BalanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]BalanceSnapshot)
	for _, tx := range m.transactions {
		if tx.UserID != userID || tx.Balance == nil {
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

func (m *MemoryStore) MonthlyCategorySeries(ctx context.Context, userID string, months int) (map[string]map[string]float64, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := make(map[string]map[string]float64)
	monthSet := make(map[string]bool)
	for _, tx := range m.transactions {
		if tx.UserID != userID {
			continue
		}
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

	keys := trailingMonths(monthSet, months)
	return series, keys, nil
}

func (m *MemoryStore) MonthlyNetSeries(ctx context.Context, userID string, months int) (map[string]float64, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	net := make(map[string]float64)
	monthSet := make(map[string]bool)
	for _, tx := range m.transactions {
		if tx.UserID != userID {
			continue
		}
		ym := model.YearMonth(tx.Date)
		monthSet[ym] = true
		net[ym] += tx.Amount
	}

	keys := trailingMonths(monthSet, months)
	return net, keys, nil
}

// trailingMonths returns the chronological month keys, keeping only the
// last n when n > 0.
func trailingMonths(monthSet map[string]bool, n int) []string {
	keys := make([]string, 0, len(monthSet))
	for ym := range monthSet {
		keys = append(keys, ym)
	}
	sort.Strings(keys)
	if n > 0 && len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	return keys
}

// Budget operations

func (m *MemoryStore) BudgetsForUser(ctx context.Context, userID string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64)
	for _, b := range m.budgets {
		if b.UserID == userID {
			out[model.NormalizeMerchant(b.Category)] = b.MonthlyBudget
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertBudget(ctx context.Context, budget *model.CategoryBudget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// At most one budget per (user, category): replace any existing row.
	key := model.NormalizeMerchant(budget.Category)
	for id, b := range m.budgets {
		if b.UserID == budget.UserID && model.NormalizeMerchant(b.Category) == key {
			delete(m.budgets, id)
		}
	}
	if budget.ID == "" {
		budget.ID = uuid.New().String()
	}
	m.budgets[budget.ID] = budget
	return nil
}

// Subscription operations

func (m *MemoryStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.ID == "" {
		sub.ID = model.SubscriptionID(sub.UserID, sub.Merchant)
	}
	_, exists := m.subscriptions[sub.ID]
	m.subscriptions[sub.ID] = sub
	return !exists, nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryStore) SubscriptionsForUser(ctx context.Context, userID string) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Subscription
	for _, sub := range m.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	// Largest recurring spend first, stable across runs.
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgAmount != out[j].AvgAmount {
			return out[i].AvgAmount > out[j].AvgAmount
		}
		return out[i].Merchant < out[j].Merchant
	})
	return out, nil
}

func (m *MemoryStore) UpdateSubscriptionStatus(ctx context.Context, userID, merchant string, status model.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := model.SubscriptionID(userID, model.NormalizeMerchant(merchant))
	sub, ok := m.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	sub.Status = status
	return nil
}

// Insight operations

func (m *MemoryStore) UpsertInsight(ctx context.Context, insight *model.Insight) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.insights[insight.ID]
	if exists {
		// Replace generation fields, keep rewrite fields and original
		// creation time so the record stays byte-identical across re-runs.
		insight.CreatedAt = existing.CreatedAt
		insight.RewrittenTitle = existing.RewrittenTitle
		insight.RewrittenBody = existing.RewrittenBody
		insight.RewrittenAt = existing.RewrittenAt
	}
	m.insights[insight.ID] = insight
	return !exists, nil
}

func (m *MemoryStore) GetInsight(ctx context.Context, userID, insightID string) (*model.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	insight, ok := m.insights[insightID]
	if !ok || insight.UserID != userID {
		return nil, ErrNotFound
	}
	return insight, nil
}

func (m *MemoryStore) ListInsights(ctx context.Context, userID string, limit int) ([]*model.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Insight
	for _, insight := range m.insights {
		if insight.UserID == userID {
			out = append(out, insight)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateInsightRewrite(ctx context.Context, userID, insightID, title, body string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insight, ok := m.insights[insightID]
	if !ok || insight.UserID != userID {
		return ErrNotFound
	}
	insight.RewrittenTitle = title
	insight.RewrittenBody = body
	insight.RewrittenAt = &at
	return nil
}

// Goal operations

func (m *MemoryStore) CreateGoal(ctx context.Context, goal *model.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if goal.ID == "" {
		goal.ID = uuid.New().String()
	}
	m.goals[goal.ID] = goal
	return nil
}

func (m *MemoryStore) GetGoal(ctx context.Context, goalID string) (*model.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	goal, ok := m.goals[goalID]
	if !ok {
		return nil, ErrNotFound
	}
	return goal, nil
}

func (m *MemoryStore) UpdateGoal(ctx context.Context, goal *model.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.goals[goal.ID]; !ok {
		return ErrNotFound
	}
	m.goals[goal.ID] = goal
	return nil
}

func (m *MemoryStore) ListGoals(ctx context.Context, userID string, status model.GoalStatus) ([]*model.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Goal
	for _, goal := range m.goals {
		if goal.UserID != userID {
			continue
		}
		if status != "" && goal.Status != status {
			continue
		}
		out = append(out, goal)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateGoalContribution(ctx context.Context, contribution *model.GoalContribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if contribution.ID == "" {
		contribution.ID = model.ContributionID(contribution.GoalID, contribution.Date, contribution.Amount)
	}
	m.contributions[contribution.ID] = contribution
	return nil
}

func (m *MemoryStore) ContributionsForGoal(ctx context.Context, goalID string) ([]*model.GoalContribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.GoalContribution
	for _, c := range m.contributions {
		if c.GoalID == goalID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateGoalMilestone(ctx context.Context, milestone *model.GoalMilestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if milestone.ID == "" {
		milestone.ID = uuid.New().String()
	}
	m.milestones[milestone.ID] = milestone
	return nil
}

func (m *MemoryStore) MilestonesForGoal(ctx context.Context, goalID string) ([]*model.GoalMilestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.GoalMilestone
	for _, ms := range m.milestones {
		if ms.GoalID == goalID {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetAmount != out[j].TargetAmount {
			return out[i].TargetAmount < out[j].TargetAmount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateGoalMilestone(ctx context.Context, milestone *model.GoalMilestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.milestones[milestone.ID]; !ok {
		return ErrNotFound
	}
	m.milestones[milestone.ID] = milestone
	return nil
}

func sortByDate(txs []*model.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.Before(txs[j].Date)
		}
		return txs[i].ID < txs[j].ID
	})
}

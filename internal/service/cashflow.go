package service

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

const (
	burnWindowDays    = 30
	payMinIncome      = 50.0
	biweeklyCycleDays = 14
	monthlyCycleDays  = 30

	checkingSafetyBuffer = 100.0
	creditSafetyBuffer   = 200.0

	// Account-level scan thresholds. Stricter than the daily low-balance
	// insight rule: the scan flags real overdraft territory only.
	scanCheckingThreshold = -100.0
	scanCreditThreshold   = -1000.0
)

// CashFlowAnalyzer answers "how much can I spend" questions: burn rate,
// recurring load, pay-cycle inference, and per-account-type headroom.
type CashFlowAnalyzer struct {
	store store.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewCashFlowAnalyzer creates an analyzer backed by the given store.
func NewCashFlowAnalyzer(st store.Store, log *zap.SugaredLogger) *CashFlowAnalyzer {
	return &CashFlowAnalyzer{store: st, log: log, now: time.Now}
}

// AccountHeadroom is the per-account-type safe-to-spend split. Combined is
// the binding constraint across account types.
type AccountHeadroom struct {
	CheckingBalance     float64 `json:"checking_balance"`
	CheckingSafeToSpend float64 `json:"checking_safe_to_spend"`
	HasCredit           bool    `json:"has_credit"`
	CreditBalance       float64 `json:"credit_balance,omitempty"`
	AvailableCredit     float64 `json:"available_credit,omitempty"`
	Combined            float64 `json:"combined"`
}

// UpcomingBill is one projected subscription charge inside the horizon.
type UpcomingBill struct {
	Merchant     string        `json:"merchant"`
	Amount       float64       `json:"amount"`
	Cadence      model.Cadence `json:"cadence"`
	ExpectedDate string        `json:"expected_date"`
	DaysUntil    int           `json:"days_until"`
}

// LowBalanceAccount is one account flagged by the low-balance scan.
type LowBalanceAccount struct {
	AccountID   string            `json:"account_id"`
	AccountType model.AccountType `json:"account_type"`
	Balance     float64           `json:"balance"`
	Threshold   float64           `json:"threshold"`
	Date        string            `json:"date"`
}

// SafeToSpend estimates spendable cash over the next `days` days: current
// balance minus projected burn, recurring subscription load, and a safety
// buffer. When a pay cycle is inferable the until-next-pay variant is
// filled in as well.
func (c *CashFlowAnalyzer) SafeToSpend(ctx context.Context, userID string, days int, buffer float64) (*model.SafeToSpend, error) {
	today := dateOf(c.now())

	balance, err := c.totalBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	burn, err := c.DailyBurn(ctx, userID)
	if err != nil {
		return nil, err
	}
	recurring, err := c.RecurringDaily(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &model.SafeToSpend{
		CurrentBalance:  round2(balance),
		AvgDailySpend:   round2(burn),
		PerDayRecurring: round2(recurring),
		Days:            days,
		Buffer:          buffer,
		SafeToSpend:     round2(balance - (burn*float64(days) + recurring*float64(days) + buffer)),
	}

	if nextPay, ok, err := c.nextPayDate(ctx, userID, today); err != nil {
		return nil, err
	} else if ok {
		daysToPay := int(math.Ceil(nextPay.Sub(today).Hours() / 24))
		if daysToPay < 1 {
			daysToPay = 1
		}
		result.NextPayDate = model.FormatDate(nextPay)
		result.DaysToPay = daysToPay
		result.SafeToSpendUntilPay = round2(balance - (burn*float64(daysToPay) + recurring*float64(daysToPay) + buffer))
	}

	c.log.Debugw("safe-to-spend computed",
		"user_id", userID,
		"balance", result.CurrentBalance,
		"daily_burn", result.AvgDailySpend,
		"recurring_daily", result.PerDayRecurring,
		"safe_to_spend", result.SafeToSpend)
	return result, nil
}

// SafeToSpendByAccountType splits headroom across checking and credit
// accounts with type-specific buffers. Credit contributes available
// headroom below its buffer; the combined figure is whichever constraint
// binds first.
func (c *CashFlowAnalyzer) SafeToSpendByAccountType(ctx context.Context, userID string, days int) (*AccountHeadroom, error) {
	snapshots, err := c.store.LatestBalances(ctx, userID)
	if err != nil {
		return nil, err
	}

	var checking float64
	var credit float64
	hasCredit := false
	for _, snap := range snapshots {
		switch model.AccountTypeForID(snap.AccountID) {
		case model.AccountCredit:
			credit += snap.Balance
			hasCredit = true
		default:
			checking += snap.Balance
		}
	}

	burn, err := c.DailyBurn(ctx, userID)
	if err != nil {
		return nil, err
	}
	recurring, err := c.RecurringDaily(ctx, userID)
	if err != nil {
		return nil, err
	}

	projected := burn*float64(days) + recurring*float64(days)
	checkingSafe := round2(checking - projected - checkingSafetyBuffer)

	out := &AccountHeadroom{
		CheckingBalance:     round2(checking),
		CheckingSafeToSpend: checkingSafe,
		HasCredit:           hasCredit,
		Combined:            checkingSafe,
	}
	if hasCredit {
		out.CreditBalance = round2(credit)
		out.AvailableCredit = round2(math.Abs(credit) - creditSafetyBuffer)
		out.Combined = round2(math.Min(checkingSafe, out.AvailableCredit))
	}
	return out, nil
}

// LowBalanceScan returns accounts whose latest snapshot within the
// lookback window sits below the threshold for their type.
func (c *CashFlowAnalyzer) LowBalanceScan(ctx context.Context, userID string, lookbackDays int) ([]LowBalanceAccount, error) {
	snapshots, err := c.store.LatestBalances(ctx, userID)
	if err != nil {
		return nil, err
	}

	cutoff := dateOf(c.now()).AddDate(0, 0, -lookbackDays)
	var out []LowBalanceAccount
	for _, snap := range snapshots {
		if snap.Date.Before(cutoff) {
			continue
		}
		accountType := model.AccountTypeForID(snap.AccountID)
		threshold := scanCheckingThreshold
		if accountType == model.AccountCredit {
			threshold = scanCreditThreshold
		}
		if snap.Balance >= threshold {
			continue
		}
		out = append(out, LowBalanceAccount{
			AccountID:   snap.AccountID,
			AccountType: accountType,
			Balance:     snap.Balance,
			Threshold:   threshold,
			Date:        model.FormatDate(snap.Date),
		})
	}
	return out, nil
}

// UpcomingBills projects each active subscription's next expected charge
// from its last seen date and returns the ones due within the next `days`
// days, soonest first.
func (c *CashFlowAnalyzer) UpcomingBills(ctx context.Context, userID string, days int) ([]UpcomingBill, error) {
	subs, err := c.store.SubscriptionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	today := dateOf(c.now())
	horizon := today.AddDate(0, 0, days)
	var out []UpcomingBill
	for _, sub := range subs {
		if sub.Status != model.SubscriptionActive {
			continue
		}
		last, err := model.ParseDate(sub.LastSeen)
		if err != nil {
			c.log.Debugw("skipping subscription with unparseable last seen date",
				"merchant", sub.Merchant, "last_seen", sub.LastSeen)
			continue
		}
		step := int(sub.Cadence.Days())
		next := last.AddDate(0, 0, step)
		for next.Before(today) {
			next = next.AddDate(0, 0, step)
		}
		if next.After(horizon) {
			continue
		}
		out = append(out, UpcomingBill{
			Merchant:     sub.Merchant,
			Amount:       sub.AvgAmount,
			Cadence:      sub.Cadence,
			ExpectedDate: model.FormatDate(next),
			DaysUntil:    int(next.Sub(today).Hours() / 24),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpectedDate != out[j].ExpectedDate {
			return out[i].ExpectedDate < out[j].ExpectedDate
		}
		return out[i].Merchant < out[j].Merchant
	})
	return out, nil
}

// DailyBurn is the 30-day average daily expense rate, recurring included.
func (c *CashFlowAnalyzer) DailyBurn(ctx context.Context, userID string) (float64, error) {
	today := dateOf(c.now())
	start := today.AddDate(0, 0, -burnWindowDays)
	byDay, err := c.store.Aggregate(ctx, userID, start, today, store.GroupByDay)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, row := range byDay {
		total += row.Spend
	}
	return total / burnWindowDays, nil
}

// RecurringDaily is the active subscriptions' combined load expressed per
// day, so it can be projected over any window.
func (c *CashFlowAnalyzer) RecurringDaily(ctx context.Context, userID string) (float64, error) {
	subs, err := c.store.SubscriptionsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var perDay float64
	for _, sub := range subs {
		if sub.Status != model.SubscriptionActive {
			continue
		}
		perDay += sub.AvgAmount / float64(sub.Cadence.Days())
	}
	return perDay, nil
}

func (c *CashFlowAnalyzer) totalBalance(ctx context.Context, userID string) (float64, error) {
	snapshots, err := c.store.LatestBalances(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, snap := range snapshots {
		total += snap.Balance
	}
	return total, nil
}

// nextPayDate infers the user's pay cycle from income deposits of at least
// $50 and projects the next one forward past today. The cycle length is
// the observed gap closest to either a biweekly or monthly rhythm.
func (c *CashFlowAnalyzer) nextPayDate(ctx context.Context, userID string, today time.Time) (time.Time, bool, error) {
	txs, err := c.store.ListTransactions(ctx, userID, nil, nil)
	if err != nil {
		return time.Time{}, false, err
	}

	var incomeDates []time.Time
	for _, tx := range txs {
		if tx.Amount >= payMinIncome {
			incomeDates = append(incomeDates, dateOf(tx.Date))
		}
	}
	if len(incomeDates) < 2 {
		return time.Time{}, false, nil
	}

	bestGap := 0
	bestFit := math.MaxFloat64
	for i := 1; i < len(incomeDates); i++ {
		gap := int(incomeDates[i].Sub(incomeDates[i-1]).Hours() / 24)
		if gap <= 0 {
			continue
		}
		fit := math.Min(math.Abs(float64(gap-biweeklyCycleDays)), math.Abs(float64(gap-monthlyCycleDays)))
		if fit < bestFit {
			bestFit = fit
			bestGap = gap
		}
	}
	if bestGap <= 0 {
		return time.Time{}, false, nil
	}

	next := incomeDates[len(incomeDates)-1].AddDate(0, 0, bestGap)
	for !next.After(today) {
		next = next.AddDate(0, 0, bestGap)
	}
	return next, true, nil
}

package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlens/backend/internal/config"
	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

// AnalyticsService bundles the analysis components behind one entry point.
// Components share the store and logger; the embedded pointers expose each
// component's operations directly.
type AnalyticsService struct {
	Subscriptions *SubscriptionDetector
	Forecasts     *ForecastEngine
	Insights      *InsightGenerator
	Transactions  *TransactionAnalyzer
	Goals         *GoalPlanner
	CashFlow      *CashFlowAnalyzer

	store store.Store
	cfg   *config.Config
	log   *zap.SugaredLogger
}

// New wires the full analytics stack against the given store. The primary
// forecaster follows the configured model; the weighted baseline always
// remains the fallback.
func New(st store.Store, cfg *config.Config, log *zap.SugaredLogger) *AnalyticsService {
	var primary Forecaster
	if cfg.ForecastModel == "regression" {
		primary = RegressionForecaster{}
	}

	detector := NewSubscriptionDetector(st, log)
	forecasts := NewForecastEngine(st, log, primary)

	return &AnalyticsService{
		Subscriptions: detector,
		Forecasts:     forecasts,
		Insights:      NewInsightGenerator(st, log),
		Transactions:  NewTransactionAnalyzer(st, detector, log),
		Goals:         NewGoalPlanner(st, forecasts, log),
		CashFlow:      NewCashFlowAnalyzer(st, log),
		store:         st,
		cfg:           cfg,
		log:           log,
	}
}

// UserAnalysis is the combined output of one full analysis pass.
type UserAnalysis struct {
	Subscriptions *DetectionSummary       `json:"subscriptions"`
	Insights      *GenerationSummary      `json:"insights"`
	Forecasts     []*model.ForecastResult `json:"forecasts"`
	NetForecast   *model.ForecastResult   `json:"net_forecast,omitempty"`
	SafeToSpend   *model.SafeToSpend      `json:"safe_to_spend"`
	UpcomingBills []UpcomingBill          `json:"upcoming_bills,omitempty"`
	LowBalances   []LowBalanceAccount     `json:"low_balances,omitempty"`
	Goals         []*GoalWithPlan         `json:"goals,omitempty"`
}

// RunUserAnalysis executes the full pipeline for one user: subscription
// detection first so downstream consumers see fresh recurring data, then
// insight generation, forecasts, and the cash position.
func (s *AnalyticsService) RunUserAnalysis(ctx context.Context, userID string) (*UserAnalysis, error) {
	subs, err := s.Subscriptions.DetectAndUpsert(ctx, userID)
	if err != nil {
		return nil, err
	}
	insights, err := s.Insights.GenerateAndUpsert(ctx, userID)
	if err != nil {
		return nil, err
	}
	forecasts, err := s.Forecasts.CategoryForecasts(ctx, userID, s.cfg.ForecastMonths, s.cfg.ForecastTopK)
	if err != nil {
		return nil, err
	}
	net, err := s.Forecasts.NetForecast(ctx, userID, s.cfg.ForecastMonths)
	if err != nil && err != ErrInsufficientData {
		return nil, err
	}
	safeToSpend, err := s.CashFlow.SafeToSpend(ctx, userID, s.cfg.SafeToSpendDays, s.cfg.SafeToSpendBuffer)
	if err != nil {
		return nil, err
	}
	upcoming, err := s.CashFlow.UpcomingBills(ctx, userID, s.cfg.SafeToSpendDays)
	if err != nil {
		return nil, err
	}
	lowBalances, err := s.CashFlow.LowBalanceScan(ctx, userID, s.cfg.InsightLookbackDays)
	if err != nil {
		return nil, err
	}
	goals, err := s.Goals.ListGoals(ctx, userID, model.GoalActive)
	if err != nil {
		return nil, err
	}

	return &UserAnalysis{
		Subscriptions: subs,
		Insights:      insights,
		Forecasts:     forecasts,
		NetForecast:   net,
		SafeToSpend:   safeToSpend,
		UpcomingBills: upcoming,
		LowBalances:   lowBalances,
		Goals:         goals,
	}, nil
}

// RewriteInsight records externally rewritten presentation text for an
// insight. The original title and body stay untouched so regeneration
// remains idempotent.
func (s *AnalyticsService) RewriteInsight(ctx context.Context, userID, insightID, title, body string) error {
	return s.store.UpdateInsightRewrite(ctx, userID, insightID, title, body, time.Now())
}

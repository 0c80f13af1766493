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

// Elasticity caps: the largest fraction of a category's forecast spend a
// plan may suggest cutting. Essentials are absent because plans only draw
// from discretionary categories.
var cutElasticity = map[string]float64{
	"subscriptions": 0.8,
	"coffee":        0.6,
	"food_delivery": 0.5,
	"fast_food":     0.5,
	"restaurants":   0.35,
	"shopping":      0.4,
	"rideshare":     0.3,
}

const defaultCutElasticity = 0.3

const (
	planForecastMonths = 6
	planForecastTopK   = 50
	onTrackGapEpsilon  = 0.01
	feasibilityEpsilon = 1e-6
)

// GoalPlanner computes feasibility-aware savings plans and maintains the
// goal, contribution, and milestone tables. Plans are recomputed from the
// current forecast on every call and never stored.
type GoalPlanner struct {
	store    store.Store
	forecast *ForecastEngine
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewGoalPlanner creates a planner sharing the forecast engine's store.
func NewGoalPlanner(st store.Store, forecast *ForecastEngine, log *zap.SugaredLogger) *GoalPlanner {
	return &GoalPlanner{store: st, forecast: forecast, log: log, now: time.Now}
}

// GoalWithPlan pairs a stored goal with its freshly computed plan and
// contribution progress.
type GoalWithPlan struct {
	Goal        *model.Goal            `json:"goal"`
	Plan        *model.GoalPlan        `json:"plan"`
	Contributed float64                `json:"contributed"`
	Milestones  []*model.GoalMilestone `json:"milestones,omitempty"`
}

// FundingAllocation is one goal's share of an auto-fund distribution.
type FundingAllocation struct {
	GoalID   string  `json:"goal_id"`
	GoalName string  `json:"goal_name"`
	Amount   float64 `json:"amount"`
	Gap      float64 `json:"gap"`
	Achieved bool    `json:"achieved"`
}

// CreateGoal stores a new goal with a content-derived id. Creating the
// same goal twice yields the same id; an existing goal is returned as is
// so a repeated create cannot reset its status or created date.
func (p *GoalPlanner) CreateGoal(ctx context.Context, userID, name string, targetAmount float64, targetDate string) (*model.Goal, error) {
	parsed, err := model.ParseDate(targetDate)
	if err != nil {
		return nil, err
	}
	id := model.GoalID(userID, name, targetAmount, model.FormatDate(parsed))
	if existing, err := p.store.GetGoal(ctx, id); err == nil {
		return existing, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}
	goal := &model.Goal{
		ID:           id,
		UserID:       userID,
		Name:         name,
		TargetAmount: targetAmount,
		TargetDate:   model.FormatDate(parsed),
		Status:       model.GoalActive,
		CreatedAt:    p.now(),
	}
	if err := p.store.CreateGoal(ctx, goal); err != nil {
		return nil, err
	}
	p.log.Infow("goal created", "user_id", userID, "goal_id", goal.ID, "target", targetAmount)
	return goal, nil
}

// ComputePlan builds a savings plan for an ad-hoc target without requiring
// a stored goal.
func (p *GoalPlanner) ComputePlan(ctx context.Context, userID string, targetAmount float64, targetDate string) (*model.GoalPlan, error) {
	parsed, err := model.ParseDate(targetDate)
	if err != nil {
		return nil, err
	}
	return p.plan(ctx, userID, targetAmount, parsed)
}

// EvaluateGoal recomputes the plan for a stored goal.
func (p *GoalPlanner) EvaluateGoal(ctx context.Context, userID, goalID string) (*GoalWithPlan, error) {
	goal, err := p.store.GetGoal(ctx, goalID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrGoalNotFound
		}
		return nil, err
	}
	return p.evaluate(ctx, userID, goal)
}

// ListGoals returns the user's goals with fresh plans attached. An empty
// status lists everything.
func (p *GoalPlanner) ListGoals(ctx context.Context, userID string, status model.GoalStatus) ([]*GoalWithPlan, error) {
	goals, err := p.store.ListGoals(ctx, userID, status)
	if err != nil {
		return nil, err
	}
	out := make([]*GoalWithPlan, 0, len(goals))
	for _, goal := range goals {
		withPlan, err := p.evaluate(ctx, userID, goal)
		if err != nil {
			return nil, err
		}
		out = append(out, withPlan)
	}
	return out, nil
}

func (p *GoalPlanner) evaluate(ctx context.Context, userID string, goal *model.Goal) (*GoalWithPlan, error) {
	target, err := model.ParseDate(goal.TargetDate)
	if err != nil {
		return nil, err
	}
	plan, err := p.plan(ctx, userID, goal.TargetAmount, target)
	if err != nil {
		return nil, err
	}
	contributed, err := p.contributedTotal(ctx, goal.ID)
	if err != nil {
		return nil, err
	}
	milestones, err := p.store.MilestonesForGoal(ctx, goal.ID)
	if err != nil {
		return nil, err
	}
	return &GoalWithPlan{Goal: goal, Plan: plan, Contributed: round2(contributed), Milestones: milestones}, nil
}

// plan is the core feasibility computation: required monthly saving versus
// the forecast surplus, with the gap covered by elasticity-capped cuts to
// discretionary forecast spend.
func (p *GoalPlanner) plan(ctx context.Context, userID string, targetAmount float64, targetDate time.Time) (*model.GoalPlan, error) {
	today := dateOf(p.now())
	months := monthsBetween(today, targetDate)
	required := targetAmount / float64(months)

	surplus := 0.0
	netModel := ""
	if net, err := p.forecast.NetForecast(ctx, userID, planForecastMonths); err == nil {
		surplus = net.ForecastNextMonth
		netModel = net.Model
	} else if err != ErrInsufficientData {
		return nil, err
	}

	gap := math.Max(required-surplus, 0)

	items, totalPotential, err := p.cutCandidates(ctx, userID)
	if err != nil {
		return nil, err
	}
	suggested := allocateCuts(items, gap, totalPotential)

	plan := &model.GoalPlan{
		TargetDate:            model.FormatDate(targetDate),
		MonthsLeft:            months,
		CurrentSurplusMonthly: round2(surplus),
		RequiredMonthly:       round2(required),
		Gap:                   round2(gap),
		OnTrack:               surplus >= required || gap <= onTrackGapEpsilon,
		SuggestedPlan:         suggested,
		TotalPotential:        round2(totalPotential),
		Feasible:              gap <= totalPotential+feasibilityEpsilon,
		Shortfall:             round2(math.Max(gap-totalPotential, 0)),
	}
	p.log.Debugw("goal plan computed",
		"user_id", userID,
		"months_left", months,
		"required", plan.RequiredMonthly,
		"surplus", plan.CurrentSurplusMonthly,
		"gap", plan.Gap,
		"net_model", netModel,
		"feasible", plan.Feasible)
	return plan, nil
}

// cutCandidates turns discretionary category forecasts into elasticity-
// capped cut potentials, largest first.
func (p *GoalPlanner) cutCandidates(ctx context.Context, userID string) ([]model.PlanItem, float64, error) {
	forecasts, err := p.forecast.CategoryForecasts(ctx, userID, planForecastMonths, planForecastTopK)
	if err != nil {
		return nil, 0, err
	}

	var items []model.PlanItem
	var total float64
	for _, fc := range forecasts {
		if !discretionaryCategories[fc.Category] || fc.ForecastNextMonth <= 0 {
			continue
		}
		maxPct, ok := cutElasticity[fc.Category]
		if !ok {
			maxPct = defaultCutElasticity
		}
		potential := round2(fc.ForecastNextMonth * maxPct)
		if potential <= 0 {
			continue
		}
		items = append(items, model.PlanItem{
			Category:      fc.Category,
			ForecastSpend: round2(fc.ForecastNextMonth),
			SuggestedCut:  potential,
			CutPct:        maxPct,
			ForecastModel: fc.Model,
			MaxCutPct:     maxPct,
		})
		total += potential
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].SuggestedCut != items[j].SuggestedCut {
			return items[i].SuggestedCut > items[j].SuggestedCut
		}
		return items[i].Category < items[j].Category
	})
	return items, total, nil
}

// allocateCuts scales each category's cut to cover exactly the gap:
// a proportional pass, then a greedy pass sweeping rounding residue into
// remaining per-category headroom. Each item's SuggestedCut is rewritten
// from full potential to its allocated share, and CutPct to the matching
// fraction of forecast spend. A goal with no gap needs no cuts.
func allocateCuts(items []model.PlanItem, gap, totalPotential float64) []model.PlanItem {
	if len(items) == 0 || gap <= 0 {
		return []model.PlanItem{}
	}

	need := math.Min(gap, totalPotential)
	out := make([]model.PlanItem, len(items))
	allocated := 0.0
	for i, item := range items {
		share := round2(math.Min(item.SuggestedCut, need*item.SuggestedCut/totalPotential))
		out[i] = item
		out[i].SuggestedCut = share
		allocated += share
	}

	// Rounding can leave a small residue; sweep it into whatever headroom
	// remains, largest potential first.
	residue := round2(need - allocated)
	for i := range out {
		if residue <= 0 {
			break
		}
		headroom := round2(items[i].SuggestedCut - out[i].SuggestedCut)
		if headroom <= 0 {
			continue
		}
		add := math.Min(residue, headroom)
		out[i].SuggestedCut = round2(out[i].SuggestedCut + add)
		residue = round2(residue - add)
	}

	for i := range out {
		if out[i].ForecastSpend > 0 {
			out[i].CutPct = round2(out[i].SuggestedCut / out[i].ForecastSpend)
		}
	}
	return out
}

// AutoFund splits an available amount across the user's active goals in
// proportion to each goal's remaining gap, records contribution rows, and
// updates milestone and achievement state.
func (p *GoalPlanner) AutoFund(ctx context.Context, userID string, available float64) ([]FundingAllocation, error) {
	goals, err := p.store.ListGoals(ctx, userID, model.GoalActive)
	if err != nil {
		return nil, err
	}

	type fundable struct {
		goal        *model.Goal
		contributed float64
		gap         float64
	}
	var candidates []fundable
	var totalGap float64
	for _, goal := range goals {
		contributed, err := p.contributedTotal(ctx, goal.ID)
		if err != nil {
			return nil, err
		}
		gap := math.Max(goal.TargetAmount-contributed, 0)
		if gap <= 0 {
			continue
		}
		candidates = append(candidates, fundable{goal: goal, contributed: contributed, gap: gap})
		totalGap += gap
	}
	if len(candidates) == 0 || totalGap <= 0 {
		return nil, ErrNoFundableGoals
	}

	today := dateOf(p.now())
	remaining := available
	out := make([]FundingAllocation, 0, len(candidates))
	for i, c := range candidates {
		share := round2(math.Min(c.gap, available*c.gap/totalGap))
		if i == len(candidates)-1 {
			share = round2(math.Min(c.gap, math.Min(share+math.Max(remaining-share, 0), remaining)))
		}
		share = math.Min(share, round2(remaining))
		if share <= 0 {
			out = append(out, FundingAllocation{GoalID: c.goal.ID, GoalName: c.goal.Name, Amount: 0, Gap: round2(c.gap)})
			continue
		}

		contribution := &model.GoalContribution{
			ID:     model.ContributionID(c.goal.ID, today, share),
			GoalID: c.goal.ID,
			Date:   today,
			Amount: share,
		}
		if err := p.store.CreateGoalContribution(ctx, contribution); err != nil {
			return nil, err
		}
		remaining = round2(remaining - share)

		cumulative := c.contributed + share
		achieved, err := p.settleProgress(ctx, c.goal, cumulative)
		if err != nil {
			return nil, err
		}
		out = append(out, FundingAllocation{
			GoalID:   c.goal.ID,
			GoalName: c.goal.Name,
			Amount:   share,
			Gap:      round2(c.gap),
			Achieved: achieved,
		})
	}

	p.log.Infow("auto-fund distributed", "user_id", userID, "available", available, "goals", len(out))
	return out, nil
}

// AddMilestone attaches a named sub-target to a goal.
func (p *GoalPlanner) AddMilestone(ctx context.Context, goalID, name string, targetAmount float64) (*model.GoalMilestone, error) {
	goal, err := p.store.GetGoal(ctx, goalID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrGoalNotFound
		}
		return nil, err
	}
	milestone := &model.GoalMilestone{
		ID:           model.GoalID(goal.UserID, goal.Name+"/"+name, targetAmount, goal.TargetDate),
		GoalID:       goal.ID,
		Name:         name,
		TargetAmount: targetAmount,
	}
	if err := p.store.CreateGoalMilestone(ctx, milestone); err != nil {
		return nil, err
	}

	// A milestone added after its target was already reached is stamped
	// immediately.
	contributed, err := p.contributedTotal(ctx, goal.ID)
	if err != nil {
		return nil, err
	}
	if contributed >= milestone.TargetAmount {
		hit := p.now()
		milestone.HitAt = &hit
		if err := p.store.UpdateGoalMilestone(ctx, milestone); err != nil {
			return nil, err
		}
	}
	return milestone, nil
}

// settleProgress stamps newly reached milestones and flips the goal to
// achieved once cumulative contributions cover the target.
func (p *GoalPlanner) settleProgress(ctx context.Context, goal *model.Goal, cumulative float64) (bool, error) {
	milestones, err := p.store.MilestonesForGoal(ctx, goal.ID)
	if err != nil {
		return false, err
	}
	for _, m := range milestones {
		if m.HitAt != nil || cumulative < m.TargetAmount {
			continue
		}
		hit := p.now()
		m.HitAt = &hit
		if err := p.store.UpdateGoalMilestone(ctx, m); err != nil {
			return false, err
		}
		p.log.Infow("milestone reached", "goal_id", goal.ID, "milestone", m.Name)
	}

	if cumulative >= goal.TargetAmount && goal.Status != model.GoalAchieved {
		goal.Status = model.GoalAchieved
		if err := p.store.UpdateGoal(ctx, goal); err != nil {
			return false, err
		}
		p.log.Infow("goal achieved", "goal_id", goal.ID, "target", goal.TargetAmount)
		return true, nil
	}
	return goal.Status == model.GoalAchieved, nil
}

func (p *GoalPlanner) contributedTotal(ctx context.Context, goalID string) (float64, error) {
	contributions, err := p.store.ContributionsForGoal(ctx, goalID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, c := range contributions {
		total += c.Amount
	}
	return total, nil
}

// monthsBetween counts whole-ish months from today to the target date,
// adding one when the target day-of-month has not yet passed. Always at
// least one so required-monthly stays finite.
func monthsBetween(today, target time.Time) int {
	months := (target.Year()-today.Year())*12 + int(target.Month()) - int(today.Month())
	if target.Day() > today.Day() {
		months++
	}
	if months < 1 {
		return 1
	}
	return months
}

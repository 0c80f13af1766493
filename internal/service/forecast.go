package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
)

// Forecaster produces a next-month point estimate from a chronological
// series. Selection between implementations happens at call time so the
// deterministic baseline is always available as a fallback.
type Forecaster interface {
	Name() string
	Available(points int) bool
	Forecast(series []float64) (float64, error)
}

// WeightedForecaster is the deterministic baseline: recent months weigh
// more, older history collapses into a mean term.
type WeightedForecaster struct{}

func (WeightedForecaster) Name() string { return "weighted" }

func (WeightedForecaster) Available(points int) bool { return points >= 1 }

func (WeightedForecaster) Forecast(series []float64) (float64, error) {
	switch len(series) {
	case 0:
		return 0, ErrInsufficientData
	case 1:
		return series[0], nil
	case 2:
		return 0.6*series[1] + 0.4*series[0], nil
	}
	last := series[len(series)-1]
	prev := series[len(series)-2]
	rest := series[:len(series)-2]
	var restSum float64
	for _, v := range rest {
		restSum += v
	}
	return 0.5*last + 0.3*prev + 0.2*(restSum/float64(len(rest))), nil
}

// RegressionForecaster fits value = f(month index) with ordinary least
// squares and extrapolates one step.
type RegressionForecaster struct{}

func (RegressionForecaster) Name() string { return "regression" }

func (RegressionForecaster) Available(points int) bool { return points >= 3 }

func (RegressionForecaster) Forecast(series []float64) (float64, error) {
	if len(series) < 3 {
		return 0, ErrInsufficientData
	}
	xs := make([]float64, len(series))
	for i := range xs {
		xs[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(xs, series, nil, false)
	pred := alpha + beta*float64(len(series))
	if math.IsNaN(pred) || math.IsInf(pred, 0) {
		return 0, fmt.Errorf("regression produced non-finite estimate")
	}
	return pred, nil
}

// ForecastEngine computes short-horizon per-category and net cash flow
// forecasts from monthly aggregates.
type ForecastEngine struct {
	store    store.Store
	log      *zap.SugaredLogger
	primary  Forecaster // optional statistical backend, may be nil
	baseline WeightedForecaster
}

// NewForecastEngine creates an engine. primary may be nil, in which case
// only the weighted baseline is used.
func NewForecastEngine(st store.Store, log *zap.SugaredLogger, primary Forecaster) *ForecastEngine {
	return &ForecastEngine{store: st, log: log, primary: primary}
}

// forecast picks the backend at call time and degrades silently to the
// baseline on any failure. The tag reports which model produced the number.
func (e *ForecastEngine) forecast(series []float64) (float64, string) {
	if e.primary != nil && e.primary.Available(len(series)) {
		if pred, err := e.primary.Forecast(series); err == nil {
			return pred, e.primary.Name()
		} else {
			e.log.Debugw("forecast backend failed, using baseline", "backend", e.primary.Name(), "error", err)
		}
	}
	pred, _ := e.baseline.Forecast(series)
	return pred, e.baseline.Name()
}

// CategoryForecasts forecasts next-month spend per category, ranked by
// forecast magnitude descending and truncated to topK. Categories with
// fewer than two non-zero months are skipped.
func (e *ForecastEngine) CategoryForecasts(ctx context.Context, userID string, monthsHistory, topK int) ([]*model.ForecastResult, error) {
	series, months, err := e.store.MonthlyCategorySeries(ctx, userID, monthsHistory)
	if err != nil {
		return nil, err
	}
	if len(months) == 0 {
		return nil, nil
	}

	var results []*model.ForecastResult
	for category, byMonth := range series {
		values := make([]float64, len(months))
		var history []float64
		for i, ym := range months {
			values[i] = byMonth[ym]
			if values[i] > 0 {
				history = append(history, values[i])
			}
		}
		if len(history) < 2 {
			continue
		}
		pred, modelTag := e.forecast(history)
		results = append(results, &model.ForecastResult{
			Category:          category,
			ForecastNextMonth: round2(pred),
			HistoryMonths:     months,
			HistoryValues:     values,
			Model:             modelTag,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].ForecastNextMonth != results[j].ForecastNextMonth {
			return results[i].ForecastNextMonth > results[j].ForecastNextMonth
		}
		return results[i].Category < results[j].Category
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// NetForecast forecasts next-month net cash flow (income - expenses).
func (e *ForecastEngine) NetForecast(ctx context.Context, userID string, monthsHistory int) (*model.ForecastResult, error) {
	net, months, err := e.store.MonthlyNetSeries(ctx, userID, monthsHistory)
	if err != nil {
		return nil, err
	}
	if len(months) == 0 {
		return nil, ErrInsufficientData
	}

	values := make([]float64, len(months))
	for i, ym := range months {
		values[i] = net[ym]
	}
	pred, modelTag := e.forecast(values)
	return &model.ForecastResult{
		Category:          "net",
		ForecastNextMonth: round2(pred),
		HistoryMonths:     months,
		HistoryValues:     values,
		Model:             modelTag,
	}, nil
}

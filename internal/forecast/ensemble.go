package forecast

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"weather_forecaster/internal/artifact"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/model"
)

// ForecastEnsemble runs every base model with default options and averages
// the results per timestamp. Models that are missing, fail or return no rows
// are skipped.
func (e *Engine) ForecastEnsemble(ctx context.Context, city string, horizon int) (*model.Forecast, error) {
	members := make([]*model.Forecast, 0, len(e.baseModels))
	for _, name := range e.baseModels {
		f, err := e.Forecast(ctx, city, name, horizon, Options{})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		switch {
		case errors.Is(err, artifact.ErrModelNotFound):
			e.logger.Warn("ensemble member missing", "city", city, "model", name)
			continue
		case err != nil:
			e.logger.Error("ensemble member failed", "city", city, "model", name, "error", err)
			continue
		case f.Len() == 0:
			e.logger.Warn("ensemble member returned no rows", "city", city, "model", name)
			continue
		}
		members = append(members, f)
	}

	if len(members) == 0 || len(members) < e.minMembers {
		return nil, fmt.Errorf("%w for %s: %d of %d base models produced a forecast, need %d",
			ErrNoUsableModels, city, len(members), len(e.baseModels), e.minMembers)
	}
	e.logger.Debug("ensemble forecast", "city", city, "members", len(members), "horizon", horizon)

	out := Average(members)
	out.City = city
	out.Model = config.EnsembleModel
	return out, nil
}

// Average takes the element-wise mean of the members' rows grouped by
// timestamp. A timestamp covered by only some members averages over those.
// Bounds are not carried over.
func Average(members []*model.Forecast) *model.Forecast {
	type acc struct {
		at  time.Time
		sum model.Values
		n   int
	}
	byTime := make(map[int64]*acc)
	for _, m := range members {
		for _, r := range m.Rows {
			k := r.Timestamp.Unix()
			a, ok := byTime[k]
			if !ok {
				a = &acc{at: r.Timestamp}
				byTime[k] = a
			}
			for t, v := range r.Values {
				a.sum[t] += v
			}
			a.n++
		}
	}

	rows := make([]model.ForecastRow, 0, len(byTime))
	for _, a := range byTime {
		var mean model.Values
		for t, s := range a.sum {
			mean[t] = s / float64(a.n)
		}
		rows = append(rows, model.ForecastRow{Timestamp: a.at, Values: mean})
	}
	slices.SortFunc(rows, func(a, b model.ForecastRow) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return &model.Forecast{Rows: rows}
}

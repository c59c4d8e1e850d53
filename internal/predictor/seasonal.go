package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"weather_forecaster/internal/model"
)

const learnerSeasonal = "seasonal"

// boundsZ is the two-sided 80% normal quantile used for uncertainty bounds.
const boundsZ = 1.2815515655446004

// SeasonalConfig holds the additive decomposition hyperparameters.
type SeasonalConfig struct {
	Changepoints     int
	ChangepointRange float64 // fraction of the history that may hold changepoints
	YearlyOrder      int
	WeeklyOrder      int
	DailyOrder       int
	Ridge            float64
}

// Seasonal is an additive trend plus Fourier seasonality model, fitted
// independently per target:
//
//	y(t) = k + m*t + sum_j d_j*max(0, t-c_j) + yearly(t) + weekly(t) + daily(t)
//
// Time is scaled to [0,1] over the training span for the trend; seasonal terms
// use days since the Unix epoch.
type Seasonal struct {
	Start        int64                       `json:"start"` // unix seconds
	Span         float64                     `json:"span"`  // seconds
	Changepoints []float64                   `json:"changepoints"`
	YearlyOrder  int                         `json:"yearly_order"`
	WeeklyOrder  int                         `json:"weekly_order"`
	DailyOrder   int                         `json:"daily_order"`
	Coef         [model.NumTargets][]float64 `json:"coef"`
	Sigma        model.Values                `json:"sigma"`
}

func (s *Seasonal) Kind() Kind      { return KindNativeMultiHorizon }
func (s *Seasonal) Learner() string { return learnerSeasonal }

func (s *Seasonal) columns() int {
	return 2 + len(s.Changepoints) + 2*(s.YearlyOrder+s.WeeklyOrder+s.DailyOrder)
}

// design fills dst with the regressors for ts.
func (s *Seasonal) design(dst []float64, ts time.Time) {
	t := float64(ts.Unix()-s.Start) / s.Span
	dst[0] = 1
	dst[1] = t
	k := 2
	for _, c := range s.Changepoints {
		dst[k] = math.Max(0, t-c)
		k++
	}

	days := float64(ts.Unix()) / 86400
	for _, p := range []struct {
		period float64
		order  int
	}{
		{365.25, s.YearlyOrder},
		{7, s.WeeklyOrder},
		{1, s.DailyOrder},
	} {
		for n := 1; n <= p.order; n++ {
			x := 2 * math.Pi * float64(n) * days / p.period
			dst[k] = math.Sin(x)
			dst[k+1] = math.Cos(x)
			k += 2
		}
	}
}

func (s *Seasonal) PredictRange(ts []time.Time, withBounds bool) ([]model.ForecastRow, error) {
	rows := make([]model.ForecastRow, len(ts))
	x := make([]float64, s.columns())
	for i, at := range ts {
		s.design(x, at)
		row := model.ForecastRow{Timestamp: at}
		for t := range row.Values {
			row.Values[t] = dot(s.Coef[t], x)
		}
		if withBounds {
			lower, upper := row.Values, row.Values
			for t := range row.Values {
				lower[t] -= boundsZ * s.Sigma[t]
				upper[t] += boundsZ * s.Sigma[t]
			}
			row.Lower, row.Upper = &lower, &upper
		}
		rows[i] = row
	}
	return rows, nil
}

func decodeSeasonal(payload json.RawMessage) (Predictor, error) {
	var s Seasonal
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	if s.Span <= 0 {
		return nil, fmt.Errorf("invalid span %v", s.Span)
	}
	for t, c := range s.Coef {
		if len(c) != s.columns() {
			return nil, fmt.Errorf("%s has %d coefficients, want %d", model.Target(t), len(c), s.columns())
		}
	}
	return &s, nil
}

// FitSeasonal fits the decomposition to the observed series by ridge least
// squares. Bounds use the in-sample residual standard deviation.
func FitSeasonal(ctx context.Context, ts []time.Time, y []model.Values, cfg SeasonalConfig) (*Seasonal, error) {
	n := len(ts)
	if n != len(y) {
		return nil, fmt.Errorf("got %d timestamps and %d rows", n, len(y))
	}
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 rows, got %d", n)
	}

	start, end := ts[0].Unix(), ts[0].Unix()
	for _, at := range ts {
		start = min(start, at.Unix())
		end = max(end, at.Unix())
	}
	if end == start {
		return nil, fmt.Errorf("training span is empty")
	}

	s := &Seasonal{
		Start:       start,
		Span:        float64(end - start),
		YearlyOrder: cfg.YearlyOrder,
		WeeklyOrder: cfg.WeeklyOrder,
		DailyOrder:  cfg.DailyOrder,
	}
	for j := 1; j <= cfg.Changepoints; j++ {
		s.Changepoints = append(s.Changepoints, cfg.ChangepointRange*float64(j)/float64(cfg.Changepoints+1))
	}

	p := s.columns()
	X := mat.NewDense(n, p, nil)
	for i, at := range ts {
		s.design(X.RawRowView(i), at)
	}

	// Normal equations (XᵀX + λI)β = Xᵀy; the intercept is not penalized.
	var gram mat.SymDense
	gram.SymOuterK(1, X.T())
	for j := 1; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+cfg.Ridge*float64(n))
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, fmt.Errorf("design matrix is not positive definite")
	}

	target := make([]float64, n)
	fitted := mat.NewVecDense(n, nil)
	resid := make([]float64, n)
	for _, t := range model.Targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, v := range y {
			target[i] = v[t]
		}
		yv := mat.NewVecDense(n, target)

		var rhs, beta mat.VecDense
		rhs.MulVec(X.T(), yv)
		if err := chol.SolveVecTo(&beta, &rhs); err != nil {
			return nil, fmt.Errorf("solving %s: %w", t, err)
		}

		fitted.MulVec(X, &beta)
		for i := range resid {
			resid[i] = target[i] - fitted.AtVec(i)
		}
		s.Coef[t] = mat.Col(nil, 0, &beta)
		s.Sigma[t] = stat.StdDev(resid, nil)
	}
	return s, nil
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Package lsq implements the outer least-squares loop that drives a
// registration.Evaluator: Levenberg-Marquardt with an adaptive damping
// schedule, or plain Gauss-Newton.
package lsq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/gicp/internal/monitoring"
	"github.com/banshee-data/gicp/internal/registration"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNoCorrespondences is returned when a linearisation matched no pairs.
var ErrNoCorrespondences = errors.New("lsq: no correspondences")

// Method selects the step rule.
type Method int

const (
	LevenbergMarquardt Method = iota
	GaussNewton
)

// String returns the config name of m.
func (m Method) String() string {
	switch m {
	case LevenbergMarquardt:
		return "lm"
	case GaussNewton:
		return "gn"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod accepts "lm"/"levenberg-marquardt" and "gn"/"gauss-newton".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lm", "levenberg-marquardt":
		return LevenbergMarquardt, nil
	case "gn", "gauss-newton":
		return GaussNewton, nil
	}
	return 0, fmt.Errorf("unknown optimizer %q", s)
}

// Settings configures an Optimizer.
type Settings struct {
	Method                Method
	MaxIterations         int
	RotationEpsilon       float64 // convergence bound on max |R−I| of a step
	TransformationEpsilon float64 // convergence bound on max |t| of a step
	LMMaxIterations       int     // damping trials per outer iteration
	LMInitLambdaFactor    float64 // initial λ = factor × max |diag H|
}

// DefaultSettings returns the stock LM settings.
func DefaultSettings() Settings {
	return Settings{
		Method:                LevenbergMarquardt,
		MaxIterations:         64,
		RotationEpsilon:       2e-3,
		TransformationEpsilon: 5e-4,
		LMMaxIterations:       10,
		LMInitLambdaFactor:    1e-9,
	}
}

// Iteration records one outer iteration.
type Iteration struct {
	Index    int
	Error    float64 // error at the start of the iteration
	Accepted float64 // error after the accepted step (Error when rejected)
	Lambda   float64 // damping after the iteration; 0 for Gauss-Newton
	Trials   int     // damping trials used
	StepNorm float64
	Matched  int
}

// Optimizer implements registration.Optimizer. It keeps the damping factor
// and history of its last run and is not safe for concurrent use.
type Optimizer struct {
	settings Settings
	lambda   float64
	history  []Iteration
}

var _ registration.Optimizer = (*Optimizer)(nil)

// New returns an optimizer with the given settings. Zero-valued limits fall
// back to DefaultSettings.
func New(s Settings) *Optimizer {
	d := DefaultSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.RotationEpsilon <= 0 {
		s.RotationEpsilon = d.RotationEpsilon
	}
	if s.TransformationEpsilon <= 0 {
		s.TransformationEpsilon = d.TransformationEpsilon
	}
	if s.LMMaxIterations <= 0 {
		s.LMMaxIterations = d.LMMaxIterations
	}
	if s.LMInitLambdaFactor <= 0 {
		s.LMInitLambdaFactor = d.LMInitLambdaFactor
	}
	return &Optimizer{settings: s}
}

// Settings returns the effective settings.
func (o *Optimizer) Settings() Settings { return o.settings }

// History returns the iterations of the last Optimize call.
func (o *Optimizer) History() []Iteration { return o.history }

// Optimize iterates from guess until a step is below both epsilons, the
// iteration limit is reached or a step cannot be found. Iterations in the
// result counts outer iterations performed.
func (o *Optimizer) Optimize(ctx context.Context, e registration.Evaluator, guess registration.Transform) (registration.OptimizationResult, error) {
	o.lambda = -1
	o.history = nil

	res := registration.OptimizationResult{Transform: guess}
	x := guess
	for i := 0; i < o.settings.MaxIterations && !res.Converged; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var (
			st  stepOutcome
			err error
		)
		if o.settings.Method == GaussNewton {
			st, err = o.stepGN(e, x)
		} else {
			st, err = o.stepLM(e, x)
		}
		res.Iterations = i + 1
		if err != nil {
			return res, fmt.Errorf("iteration %d: %w", i, err)
		}
		o.history = append(o.history, st.record(i))
		res.FinalError = st.accepted

		if !st.ok {
			monitoring.Diagf("lsq: %s step not found at iteration %d", o.settings.Method, i)
			break
		}
		x = st.x
		res.Transform = x
		res.FinalHessian = st.h
		res.Converged = st.converged
		monitoring.Tracef("lsq: iter=%d error=%.6g accepted=%.6g lambda=%.3g trials=%d",
			i, st.y0, st.accepted, st.lambda, st.trials)
	}
	return res, nil
}

type stepOutcome struct {
	ok        bool
	converged bool
	x         registration.Transform
	h         registration.Mat6
	y0        float64
	accepted  float64
	lambda    float64
	trials    int
	stepNorm  float64
	matched   int
}

func (s stepOutcome) record(i int) Iteration {
	return Iteration{
		Index:    i,
		Error:    s.y0,
		Accepted: s.accepted,
		Lambda:   s.lambda,
		Trials:   s.trials,
		StepNorm: s.stepNorm,
		Matched:  s.matched,
	}
}

func (o *Optimizer) linearize(e registration.Evaluator, x registration.Transform) (registration.LinearizeResult, error) {
	lin, err := e.Linearize(x)
	if err != nil {
		return lin, err
	}
	if lin.Matched == 0 {
		return lin, ErrNoCorrespondences
	}
	return lin, nil
}

func (o *Optimizer) stepGN(e registration.Evaluator, x registration.Transform) (stepOutcome, error) {
	lin, err := o.linearize(e, x)
	if err != nil {
		return stepOutcome{}, err
	}
	out := stepOutcome{y0: lin.Error, accepted: lin.Error, matched: lin.Matched, trials: 1}

	d, err := solveStep(lin.H, lin.B, 0)
	if err != nil {
		monitoring.Opsf("lsq: gauss-newton solve failed: %v", err)
		return out, nil
	}
	delta := registration.SE3Exp(d)
	out.ok = true
	out.x = delta.Compose(x)
	out.h = lin.H
	out.stepNorm = floats.Norm(d[:], 2)
	out.converged = o.isConverged(delta)
	if y, err := e.ComputeError(out.x); err == nil {
		out.accepted = y
	}
	return out, nil
}

func (o *Optimizer) stepLM(e registration.Evaluator, x registration.Transform) (stepOutcome, error) {
	lin, err := o.linearize(e, x)
	if err != nil {
		return stepOutcome{}, err
	}
	y0 := lin.Error
	out := stepOutcome{y0: y0, accepted: y0, matched: lin.Matched}

	if o.lambda < 0 {
		o.lambda = o.settings.LMInitLambdaFactor * maxAbsDiag(lin.H)
	}

	nu := 2.0
	for trial := 0; trial < o.settings.LMMaxIterations; trial++ {
		out.trials = trial + 1

		d, err := solveStep(lin.H, lin.B, o.lambda)
		if err != nil {
			monitoring.Opsf("lsq: damped solve failed (lambda=%.3g): %v", o.lambda, err)
			out.lambda = o.lambda
			return out, nil
		}
		delta := registration.SE3Exp(d)
		xi := delta.Compose(x)
		yi, err := e.ComputeError(xi)
		if err != nil {
			return out, err
		}

		// Predicted decrease of the damped quadratic model.
		var pred float64
		for j := range d {
			pred += d[j] * (o.lambda*d[j] - lin.B[j])
		}
		rho := (y0 - yi) / pred

		if rho < 0 {
			if o.isConverged(delta) {
				out.ok = true
				out.converged = true
				out.x = x
				out.h = lin.H
				out.lambda = o.lambda
				return out, nil
			}
			o.lambda *= nu
			nu *= 2
			continue
		}

		decay := 1 - math.Pow(2*rho-1, 3)
		if !(decay > 1.0/3) {
			decay = 1.0 / 3
		}
		o.lambda *= decay

		out.ok = true
		out.x = xi
		out.h = lin.H
		out.accepted = yi
		out.lambda = o.lambda
		out.stepNorm = floats.Norm(d[:], 2)
		out.converged = o.isConverged(delta)
		return out, nil
	}
	out.lambda = o.lambda
	return out, nil
}

// isConverged reports whether delta moves less than both epsilons.
func (o *Optimizer) isConverged(delta registration.Transform) bool {
	r := delta.Rotation()
	var rmax float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := r[i*3+j]
			if i == j {
				v -= 1
			}
			rmax = math.Max(rmax, math.Abs(v))
		}
	}
	t := delta.TranslationPart()
	tmax := math.Max(math.Abs(t[0]), math.Max(math.Abs(t[1]), math.Abs(t[2])))
	return math.Max(rmax/o.settings.RotationEpsilon, tmax/o.settings.TransformationEpsilon) < 1
}

func maxAbsDiag(h registration.Mat6) float64 {
	diag := make([]float64, 6)
	for i := range diag {
		diag[i] = math.Abs(h[i*6+i])
	}
	return floats.Max(diag)
}

// solveStep solves (H + λI)·d = −b. Cholesky is tried first; LU handles
// indefinite systems.
func solveStep(h registration.Mat6, b registration.Vec6, lambda float64) (registration.Vec6, error) {
	a := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			v := 0.5 * (h[i*6+j] + h[j*6+i])
			if i == j {
				v += lambda
			}
			a.SetSym(i, j, v)
		}
	}
	rhs := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		rhs.SetVec(i, -b[i])
	}

	var d registration.Vec6
	var x mat.VecDense

	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(&x, rhs); err == nil {
			copy(d[:], x.RawVector().Data)
			return d, nil
		}
	}

	var lu mat.LU
	lu.Factorize(a)
	if err := lu.SolveVecTo(&x, false, rhs); err != nil {
		return d, fmt.Errorf("solve step: %w", err)
	}
	copy(d[:], x.RawVector().Data)
	for _, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return d, errors.New("solve step: non-finite solution")
		}
	}
	return d, nil
}

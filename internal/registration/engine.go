package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/gicp/internal/monitoring"
	"github.com/google/uuid"
)

var (
	// ErrInvalidArgument marks caller errors reported before any computation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAliasedOutput is returned by Align when the destination cloud
	// shares storage or identity with the source or target.
	ErrAliasedOutput = fmt.Errorf("%w: destination cloud cannot be identical to source or target", ErrInvalidArgument)
	// ErrMissingInput is returned when the source or target cloud is unset or empty.
	ErrMissingInput = errors.New("registration: source or target cloud not set")
)

// Evaluator is the cost interface consumed by an outer optimizer.
type Evaluator interface {
	// Linearize recomputes correspondences at t and returns the error,
	// Hessian and gradient.
	Linearize(t Transform) (LinearizeResult, error)
	// ComputeError evaluates the error at t against the correspondences
	// of the most recent Linearize call.
	ComputeError(t Transform) (float64, error)
}

// Optimizer owns step selection and convergence. It drives an Evaluator
// from an initial guess.
type Optimizer interface {
	Optimize(ctx context.Context, e Evaluator, guess Transform) (OptimizationResult, error)
}

// OptimizationResult is the outcome of one Optimizer run.
type OptimizationResult struct {
	Transform    Transform
	Converged    bool
	Iterations   int
	FinalError   float64
	FinalHessian Mat6
}

// Engine owns the source and target clouds, their indices and covariances,
// and the correspondence cache. It implements Evaluator.
//
// An Engine is not safe for concurrent use; parallelism happens inside
// each call.
type Engine struct {
	source, target           *PointSet
	sourceIndex, targetIndex NearestNeighborIndex

	sourceCovs, targetCovs     []Mat4
	sourceDecomp, targetDecomp []OrientationScale
	correspondences            []Correspondence
	correspondenceSource       *PointSet
	lastMatch                  MatchStats

	k                         int
	numThreads                int
	maxCorrespondenceDistance float64
	method                    RegularizationMethod

	result OptimizationResult
}

// NewEngine returns an engine that binds the source and target clouds to
// the given indices. Defaults: k = 25, threads = GOMAXPROCS, unbounded
// correspondence distance, NORMALIZED_ELLIPSE regularisation.
func NewEngine(sourceIndex, targetIndex NearestNeighborIndex) *Engine {
	return &Engine{
		sourceIndex:               sourceIndex,
		targetIndex:               targetIndex,
		k:                         DefaultCorrespondenceRandomness,
		maxCorrespondenceDistance: math.MaxFloat64,
		method:                    RegularizationNormalizedEllipse,
		result:                    OptimizationResult{Transform: IdentityTransform()},
	}
}

// SetNumThreads sets the worker count; 0 selects GOMAXPROCS at each call.
func (e *Engine) SetNumThreads(n int) {
	if n < 0 {
		n = 0
	}
	e.numThreads = n
}

// NumThreads returns the worker count the next call will use.
func (e *Engine) NumThreads() int { return ResolveThreads(e.numThreads) }

// SetCorrespondenceRandomness sets k, the neighbour count for covariance
// estimation. Covariances already computed are kept until the next
// recompute.
func (e *Engine) SetCorrespondenceRandomness(k int) { e.k = k }

// CorrespondenceRandomness returns k.
func (e *Engine) CorrespondenceRandomness() int { return e.k }

// SetRegularizationMethod selects the regularisation policy.
func (e *Engine) SetRegularizationMethod(m RegularizationMethod) { e.method = m }

// RegularizationMethod returns the active regularisation policy.
func (e *Engine) RegularizationMethod() RegularizationMethod { return e.method }

// SetMaxCorrespondenceDistance sets the correspondence distance gate.
func (e *Engine) SetMaxCorrespondenceDistance(d float64) { e.maxCorrespondenceDistance = d }

// MaxCorrespondenceDistance returns the correspondence distance gate.
func (e *Engine) MaxCorrespondenceDistance() float64 { return e.maxCorrespondenceDistance }

func (e *Engine) estimator() CovarianceEstimator {
	return CovarianceEstimator{K: e.k, Method: e.method, NumThreads: e.numThreads}
}

// SetInputSource binds the source cloud. Setting the same generation again
// is a no-op; a new generation clears the source covariances.
func (e *Engine) SetInputSource(cloud *PointSet) {
	if cloud == nil {
		e.ClearSource()
		return
	}
	if SameCloud(e.source, cloud) {
		return
	}
	e.source = cloud
	e.sourceIndex.SetInputCloud(cloud)
	e.sourceCovs, e.sourceDecomp = nil, nil
	e.correspondences = nil
}

// SetInputTarget binds the target cloud. Setting the same generation again
// is a no-op; a new generation clears the target covariances.
func (e *Engine) SetInputTarget(cloud *PointSet) {
	if cloud == nil {
		e.ClearTarget()
		return
	}
	if SameCloud(e.target, cloud) {
		return
	}
	e.target = cloud
	e.targetIndex.SetInputCloud(cloud)
	e.targetCovs, e.targetDecomp = nil, nil
	e.correspondences = nil
}

// Source returns the bound source cloud.
func (e *Engine) Source() *PointSet { return e.source }

// Target returns the bound target cloud.
func (e *Engine) Target() *PointSet { return e.target }

// SourceIndex returns the index bound to the source cloud.
func (e *Engine) SourceIndex() NearestNeighborIndex { return e.sourceIndex }

// TargetIndex returns the index bound to the target cloud.
func (e *Engine) TargetIndex() NearestNeighborIndex { return e.targetIndex }

// SetSourceCovariances installs precomputed source covariances.
func (e *Engine) SetSourceCovariances(covs []Mat4) {
	e.sourceCovs = append([]Mat4(nil), covs...)
	e.sourceDecomp = nil
}

// SetTargetCovariances installs precomputed target covariances.
func (e *Engine) SetTargetCovariances(covs []Mat4) {
	e.targetCovs = append([]Mat4(nil), covs...)
	e.targetDecomp = nil
}

// SetSourceOrientationScales builds source covariances from orientation
// quaternions (x, y, z, w) and scales. It panics when the lengths differ.
func (e *Engine) SetSourceOrientationScales(rotations [][4]float64, scales [][3]float64) {
	e.sourceCovs, e.sourceDecomp = e.estimator().FromOrientationScales(rotations, scales)
}

// SetTargetOrientationScales builds target covariances from orientation
// quaternions (x, y, z, w) and scales. It panics when the lengths differ.
func (e *Engine) SetTargetOrientationScales(rotations [][4]float64, scales [][3]float64) {
	e.targetCovs, e.targetDecomp = e.estimator().FromOrientationScales(rotations, scales)
}

// SourceCovariances returns the current source covariances.
func (e *Engine) SourceCovariances() []Mat4 { return e.sourceCovs }

// TargetCovariances returns the current target covariances.
func (e *Engine) TargetCovariances() []Mat4 { return e.targetCovs }

// SourceOrientationScales returns the raw source decompositions.
func (e *Engine) SourceOrientationScales() []OrientationScale { return e.sourceDecomp }

// TargetOrientationScales returns the raw target decompositions.
func (e *Engine) TargetOrientationScales() []OrientationScale { return e.targetDecomp }

// CalculateSourceCovariance recomputes the source covariances from the
// source cloud. An empty or unset cloud is logged and leaves them empty.
func (e *Engine) CalculateSourceCovariance() {
	e.sourceCovs, e.sourceDecomp = nil, nil
	if e.source.Len() == 0 {
		monitoring.Opsf("source covariance skipped: no point cloud")
		return
	}
	e.sourceCovs, e.sourceDecomp = e.estimator().Estimate(e.source, e.sourceIndex)
}

// CalculateTargetCovariance recomputes the target covariances from the
// target cloud. An empty or unset cloud is logged and leaves them empty.
func (e *Engine) CalculateTargetCovariance() {
	e.targetCovs, e.targetDecomp = nil, nil
	if e.target.Len() == 0 {
		monitoring.Opsf("target covariance skipped: no point cloud")
		return
	}
	e.targetCovs, e.targetDecomp = e.estimator().Estimate(e.target, e.targetIndex)
}

// PrepareCovariances computes any covariance array whose length no longer
// matches its cloud. It returns ErrMissingInput when either cloud is unset
// or empty.
func (e *Engine) PrepareCovariances() error {
	if e.source.Len() == 0 || e.target.Len() == 0 {
		return ErrMissingInput
	}
	if len(e.sourceCovs) != e.source.Len() {
		e.CalculateSourceCovariance()
	}
	if len(e.targetCovs) != e.target.Len() {
		e.CalculateTargetCovariance()
	}
	return nil
}

// SwapSourceAndTarget exchanges the roles of source and target, including
// their indices and covariances, and drops the correspondence cache.
func (e *Engine) SwapSourceAndTarget() {
	e.source, e.target = e.target, e.source
	e.sourceIndex, e.targetIndex = e.targetIndex, e.sourceIndex
	e.sourceCovs, e.targetCovs = e.targetCovs, e.sourceCovs
	e.sourceDecomp, e.targetDecomp = e.targetDecomp, e.sourceDecomp
	e.correspondences = nil
	e.lastMatch = MatchStats{}
}

// ClearSource drops the source cloud and its derived data.
func (e *Engine) ClearSource() {
	e.source = nil
	e.sourceCovs, e.sourceDecomp = nil, nil
	e.correspondences = nil
}

// ClearTarget drops the target cloud and its derived data.
func (e *Engine) ClearTarget() {
	e.target = nil
	e.targetCovs, e.targetDecomp = nil, nil
	e.correspondences = nil
}

// Correspondences returns the correspondences of the last evaluation.
func (e *Engine) Correspondences() []Correspondence { return e.correspondences }

// LastMatchStats returns the statistics of the last correspondence pass.
func (e *Engine) LastMatchStats() MatchStats { return e.lastMatch }

func (e *Engine) updateCorrespondences(t Transform, threads int) {
	e.correspondences, e.lastMatch = MatchCorrespondences(
		t, e.source, e.sourceCovs, e.targetIndex, e.targetCovs,
		e.maxCorrespondenceDistance, threads)
	e.correspondenceSource = e.source
	if e.lastMatch.Singular > 0 {
		monitoring.Diagf("dropped %d correspondences with zero or non-finite combined covariance", e.lastMatch.Singular)
	}
}

// Linearize implements Evaluator. Covariances are computed lazily.
func (e *Engine) Linearize(t Transform) (LinearizeResult, error) {
	if err := e.PrepareCovariances(); err != nil {
		return LinearizeResult{}, err
	}
	threads := ResolveThreads(e.numThreads)
	e.updateCorrespondences(t, threads)
	res := Linearize(t, e.source, e.target, e.correspondences, threads)
	monitoring.Tracef("linearize: error=%.6g matched=%d rejected=%d", res.Error, e.lastMatch.Matched, e.lastMatch.Rejected)
	return res, nil
}

// ComputeError implements Evaluator. When no correspondences exist for the
// current source they are computed at t first.
func (e *Engine) ComputeError(t Transform) (float64, error) {
	if err := e.PrepareCovariances(); err != nil {
		return 0, err
	}
	threads := ResolveThreads(e.numThreads)
	if len(e.correspondences) != e.source.Len() || !SameCloud(e.correspondenceSource, e.source) {
		e.updateCorrespondences(t, threads)
	}
	return ComputeError(t, e.source, e.target, e.correspondences, threads), nil
}

// Align runs opt from guess and writes the transformed source into dst.
// dst must not alias the source or target cloud; that is reported as
// ErrAliasedOutput before any work. On success dst receives a fresh
// generation token.
func (e *Engine) Align(ctx context.Context, dst *PointSet, guess Transform, opt Optimizer) error {
	if dst == nil {
		return fmt.Errorf("%w: nil destination cloud", ErrInvalidArgument)
	}
	if e.source == nil || e.target == nil {
		return ErrMissingInput
	}
	if sharesStorage(dst, e.source) || sharesStorage(dst, e.target) ||
		SameCloud(dst, e.source) || SameCloud(dst, e.target) {
		return ErrAliasedOutput
	}
	if err := e.PrepareCovariances(); err != nil {
		return err
	}

	res, err := opt.Optimize(ctx, e, guess)
	e.result = res
	if err != nil {
		return fmt.Errorf("optimize: %w", err)
	}

	dst.Points = res.Transform.ApplyCloud(e.source.Points)
	dst.ID = uuid.New()
	monitoring.Diagf("align: converged=%t iterations=%d error=%.6g", res.Converged, res.Iterations, res.FinalError)
	return nil
}

// FinalTransformation returns the transform found by the last Align.
func (e *Engine) FinalTransformation() Transform { return e.result.Transform }

// HasConverged reports whether the last Align converged.
func (e *Engine) HasConverged() bool { return e.result.Converged }

// Iterations returns the outer iteration count of the last Align.
func (e *Engine) Iterations() int { return e.result.Iterations }

// FinalHessian returns the Hessian at the last accepted step of Align.
func (e *Engine) FinalHessian() Mat6 { return e.result.FinalHessian }

// Package registration implements the per-iteration machinery of
// Generalized ICP (GICP) rigid point-set alignment.
//
// Responsibilities: local shape covariance estimation from k nearest
// neighbours, covariance regularisation, distance-gated correspondence
// search with combined Mahalanobis weights, and linearisation of the
// weighted cost into a 6×6 Hessian and 6×1 gradient.
// Key types: PointSet, Engine, Correspondence, LinearizeResult.
//
// Dependency rule: the package consumes a NearestNeighborIndex and is
// driven by an Optimizer; concrete implementations live in the nnsearch
// and lsq sub-packages. No I/O or persistence is allowed in this package.
package registration

package registration

// Test hooks for unexported helpers.
var (
	QuaternionFromBasis = quaternionFromBasis
	MahalanobisWeight   = mahalanobisWeight
	DecomposeCovariance = decomposeCovariance
)

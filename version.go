package gosaga

// Version information for the GoSaga orchestrator
const (
	// Version is the current orchestrator version
	Version = "development"

	// APIVersion is the current API version
	APIVersion = "v1alpha1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)

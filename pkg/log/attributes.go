// Package log defines standard attribute keys for evaluation runs.
//
// Keys follow a hierarchical naming convention ("data.samples",
// "fid.epsilon") so that log pipelines can filter on them.

package log

// Run and operation context.
const (
	// ComponentKey identifies the package emitting the record.
	// Examples: "fid", "dataset", "flow", "features"
	ComponentKey = "ml.component"

	// OperationKey names the step being performed. See the Operation* values.
	OperationKey = "ml.operation"

	// RunIDKey carries the UUID of an evaluation run.
	RunIDKey = "run.id"

	// ModelNameKey identifies the generator or extractor type.
	// Examples: "Glow", "PoolProjector"
	ModelNameKey = "model.name"
)

// Data shape.
const (
	// SamplesKey is the number of samples (rows) processed.
	SamplesKey = "data.samples"

	// FeaturesKey is the feature dimensionality.
	FeaturesKey = "data.features"

	// BatchSizeKey is the loader batch size.
	BatchSizeKey = "data.batch_size"

	// BatchIndexKey is the zero-based batch number.
	BatchIndexKey = "data.batch"

	// ImageSizeKey is the square image side in pixels.
	ImageSizeKey = "data.image_size"

	// DataSizeKey is a memory size in bytes.
	DataSizeKey = "data.size_bytes"
)

// Flow sampling.
const (
	// TemperatureKey is the latent sampling temperature.
	TemperatureKey = "flow.temperature"

	// NFlowKey is the number of flow steps per block.
	NFlowKey = "flow.n_flow"

	// NBlockKey is the number of multi-scale blocks.
	NBlockKey = "flow.n_block"

	// NonFiniteKey is the number of NaN/Inf values found in generated images.
	NonFiniteKey = "flow.non_finite"
)

// Distance computation.
const (
	// FIDKey is the resulting Fréchet distance.
	FIDKey = "metrics.fid"

	// KIDKey is the resulting kernel distance.
	KIDKey = "metrics.kid"

	// EpsilonKey is the diagonal offset used for regularisation.
	EpsilonKey = "fid.epsilon"

	// MethodKey is the square-root method ("eigen", "symmetric").
	MethodKey = "fid.method"

	// ImagKey is the largest imaginary magnitude left in the square root.
	ImagKey = "fid.max_imag"

	// CachePathKey is the reference statistics cache location.
	CachePathKey = "fid.cache_path"

	// FingerprintKey identifies the extractor and data behind reference statistics.
	FingerprintKey = "fid.fingerprint"
)

// Performance.
const (
	// DurationMsKey records the execution time in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// ImagesPerSecKey records throughput.
	ImagesPerSecKey = "perf.images_per_sec"

	// MemoryUsedKey is the memory reserved against a budget, this run included.
	MemoryUsedKey = "perf.memory_used"

	// MemoryLimitKey is the budget limit.
	MemoryLimitKey = "perf.memory_limit"
)

// Error context.
const (
	// ErrorCodeKey provides a structured error code. See the Error* values.
	ErrorCodeKey = "error.code"

	// SuggestionKey provides a hint for resolving the issue.
	SuggestionKey = "error.suggestion"
)

// Configuration.
const (
	// RandomSeedKey records the seed for reproducibility.
	RandomSeedKey = "config.random_seed"

	// ConfigPathKey records the config file in use.
	ConfigPathKey = "config.path"
)

// Standard attribute values.
const (
	OperationExtract    = "extract"
	OperationSample     = "sample"
	OperationReverse    = "reverse"
	OperationStatistics = "statistics"
	OperationFrechet    = "frechet_distance"
	OperationSqrtm      = "sqrtm"

	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorEmptyData         = "EMPTY_DATA"
	ErrorSingularMatrix    = "SINGULAR_MATRIX"
	ErrorImaginary         = "IMAGINARY_COMPONENT"
	ErrorNonFinite         = "NON_FINITE"
)

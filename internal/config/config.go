// Package config holds the plain configuration struct recognized by the
// logging engine (spec.md §6.4). There is no reflection-driven binding here
// by design: every component that needs a value reads a field directly.
package config

import "time"

// Config collects every tunable named in spec.md §6.4.
type Config struct {
	// CheckpointThresholdInMB is the byte-threshold (between barriers) that
	// triggers a checkpoint.
	CheckpointThresholdInMB uint64

	// MinLogSizeInMB is the lower bound on log retention.
	MinLogSizeInMB uint64

	// MaxStreamSizeInMB is the upper bound before throttling.
	MaxStreamSizeInMB uint64

	// TruncationThresholdFactor: head truncation is allowed once log size
	// reaches factor * MinLogSizeInMB.
	TruncationThresholdFactor float64

	// ThrottlingThresholdFactor: further inserts are rejected once log size
	// reaches factor * MinLogSizeInMB.
	ThrottlingThresholdFactor float64

	// LogTruncationIntervalSeconds is the periodic checkpoint/truncation
	// interval; 0 disables the periodic timer.
	LogTruncationIntervalSeconds uint64

	// CopyBatchSizeInKb batches consecutive copy-stream records until this
	// many KB are buffered; 0 means no batching.
	CopyBatchSizeInKb uint64

	// OptimizeLogForLowerDiskUsage is a hint to the logical-log file layout.
	OptimizeLogForLowerDiskUsage bool
}

// Default returns the configuration the engine ships with absent operator
// overrides.
func Default() Config {
	return Config{
		CheckpointThresholdInMB:      64,
		MinLogSizeInMB:               16,
		MaxStreamSizeInMB:            1024,
		TruncationThresholdFactor:    2.0,
		ThrottlingThresholdFactor:    4.0,
		LogTruncationIntervalSeconds: 300,
		CopyBatchSizeInKb:            512,
		OptimizeLogForLowerDiskUsage: false,
	}
}

// LogTruncationInterval converts LogTruncationIntervalSeconds to a
// time.Duration; 0 means the periodic timer is disabled.
func (c Config) LogTruncationInterval() time.Duration {
	return time.Duration(c.LogTruncationIntervalSeconds) * time.Second
}

// CheckpointThresholdBytes returns CheckpointThresholdInMB in bytes.
func (c Config) CheckpointThresholdBytes() uint64 {
	return c.CheckpointThresholdInMB * 1024 * 1024
}

// MinLogSizeBytes returns MinLogSizeInMB in bytes.
func (c Config) MinLogSizeBytes() uint64 {
	return c.MinLogSizeInMB * 1024 * 1024
}

// TruncationThresholdBytes is the log size at which head truncation becomes
// eligible absent the periodic-interval bypass (spec.md §4.8).
func (c Config) TruncationThresholdBytes() uint64 {
	return uint64(float64(c.MinLogSizeBytes()) * c.TruncationThresholdFactor)
}

// ThrottlingThresholdBytes is the log size at which new inserts are
// rejected.
func (c Config) ThrottlingThresholdBytes() uint64 {
	return uint64(float64(c.MinLogSizeBytes()) * c.ThrottlingThresholdFactor)
}

// CopyBatchSizeBytes returns CopyBatchSizeInKb in bytes; 0 disables
// batching.
func (c Config) CopyBatchSizeBytes() uint64 {
	return c.CopyBatchSizeInKb * 1024
}

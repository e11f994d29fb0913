package config

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestDefaultDerivedValues(t *testing.T) {
	c := Default()
	assert.Equal(t, c.LogTruncationInterval(), 300*time.Second)
	assert.Equal(t, c.CheckpointThresholdBytes(), uint64(64*1024*1024))
	assert.Equal(t, c.TruncationThresholdBytes(), uint64(32*1024*1024))
	assert.Equal(t, c.ThrottlingThresholdBytes(), uint64(64*1024*1024))
}

func TestZeroIntervalDisablesPeriodicTimer(t *testing.T) {
	c := Default()
	c.LogTruncationIntervalSeconds = 0
	assert.Equal(t, c.LogTruncationInterval(), time.Duration(0))
}

func TestNoBatchingWhenCopyBatchSizeZero(t *testing.T) {
	c := Default()
	c.CopyBatchSizeInKb = 0
	assert.Equal(t, c.CopyBatchSizeBytes(), uint64(0))
}

package pmemkv

import (
	"runtime"
	"time"

	"github.com/hupe1980/pmemkv/record"
)

// Options configures an Engine.
//
// PMemFileSize, ChunkSize, and MaxWriteSlots are immutable: they are
// persisted when the store is created and reopening with different values
// fails with a ConfigMismatchError. The remaining fields may vary freely
// between runs.
type Options struct {
	// PMemFileSize is the fixed size of the data region in bytes.
	PMemFileSize uint64

	// ChunkSize is the allocator chunk size. Each writer slot carves its
	// records out of private chunks of this size.
	ChunkSize uint32

	// MaxWriteSlots is the number of concurrent writer slots. Each slot
	// owns a staging buffer, an allocator shard, and a pending-batch file.
	MaxWriteSlots int

	// StagingBufferSize is the per-slot staging buffer threshold. Records
	// up to this size take the buffered non-temporal persist path; larger
	// records are constructed in place.
	StagingBufferSize int

	// RecoveryWorkers bounds the goroutines validating records during
	// recovery. Zero means GOMAXPROCS.
	RecoveryWorkers int

	// FreeInterval is how often the background worker drains deferred
	// frees to the allocator.
	FreeInterval time.Duration

	// FreeRatePerSec rate-limits background free operations so reclaim
	// bookkeeping never competes with foreground writes. Zero disables
	// the limit.
	FreeRatePerSec int

	// Logger receives structured engine events. Nil selects NoopLogger.
	Logger *Logger

	// Volatile selects the heap-backed arena: nothing is persisted and
	// nothing survives Close. Intended for tests and throwaway caches.
	Volatile bool
}

// DefaultOptions returns the default engine options.
func DefaultOptions() *Options {
	return &Options{
		PMemFileSize:      256 << 20,
		ChunkSize:         1 << 20,
		MaxWriteSlots:     runtime.GOMAXPROCS(0),
		StagingBufferSize: record.DefaultStagingSize,
		RecoveryWorkers:   0,
		FreeInterval:      time.Second,
		FreeRatePerSec:    0,
	}
}

// Option mutates Options.
type Option func(*Options)

// WithPMemFileSize sets the fixed data region size.
func WithPMemFileSize(size uint64) Option {
	return func(o *Options) { o.PMemFileSize = size }
}

// WithChunkSize sets the allocator chunk size.
func WithChunkSize(size uint32) Option {
	return func(o *Options) { o.ChunkSize = size }
}

// WithMaxWriteSlots sets the number of writer slots.
func WithMaxWriteSlots(n int) Option {
	return func(o *Options) { o.MaxWriteSlots = n }
}

// WithStagingBufferSize sets the staging buffer threshold.
func WithStagingBufferSize(n int) Option {
	return func(o *Options) { o.StagingBufferSize = n }
}

// WithRecoveryWorkers bounds recovery parallelism.
func WithRecoveryWorkers(n int) Option {
	return func(o *Options) { o.RecoveryWorkers = n }
}

// WithFreeInterval sets the background free drain interval.
func WithFreeInterval(d time.Duration) Option {
	return func(o *Options) { o.FreeInterval = d }
}

// WithFreeRate rate-limits background free operations per second.
func WithFreeRate(n int) Option {
	return func(o *Options) { o.FreeRatePerSec = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithVolatile selects the non-persistent heap arena.
func WithVolatile() Option {
	return func(o *Options) { o.Volatile = true }
}

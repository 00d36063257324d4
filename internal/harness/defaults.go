package harness

import "time"

// Tunable constants from spec.md §6, named directly after the original
// source's fields (MAX_THREAD_POOL_SIZE and friends) rather than invented
// ones, so a reader who already knows the source recognizes every value.
const (
	MaxWorkers           = 100
	ThreadIdleExpiration = 60 * time.Second
	MaxQueue             = 100
	MaxCommitBytes       = 32 << 20 // 32 MiB
	PushbackRatio        = 0.9
	DefaultStatusPort    = 8081

	LeaseBackoffInitial = 1 * time.Millisecond
	LeaseBackoffMax     = 1000 * time.Millisecond

	RetryDebounce       = 10 * time.Second
	PushbackLogThrottle = 60 * time.Second
	ShutdownGrace       = 5 * time.Minute
	CommitIdleSleep     = 100 * time.Millisecond
	MemoryPollDelay     = 10 * time.Millisecond

	MaxItemsPerLease = 100
)

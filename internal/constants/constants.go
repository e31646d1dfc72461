package constants

import "time"

// Default configuration constants
const (
	// DefaultPacketSize is the default transfer size per request in bytes
	DefaultPacketSize = 4096

	// DescriptorSize is the unit the arena slices data buffers into (one ring descriptor)
	DescriptorSize = 4096

	// DefaultBurst is the default number of packets per submitted batch
	DefaultBurst = 64

	// DefaultRingDepth is used when the ring size table cannot be read
	DefaultRingDepth = 2048

	// DefaultRequestsPerContext is the number of batches issued into one
	// async context before it is sealed
	DefaultRequestsPerContext = 1024

	// DefaultThreadsPerQueue is the default number of workers per queue and direction
	DefaultThreadsPerQueue = 1

	// DefaultAllocRetryBudget is the number of consecutive resource failures
	// tolerated for one batch before it is abandoned
	DefaultAllocRetryBudget = 1024

	// QueueNamePrefix and VFQueueNamePrefix prefix the char device names
	QueueNamePrefix   = "qdma"
	VFQueueNamePrefix = "qdmavf"
)

// Timing constants for the submission and drain loops
const (
	// DefaultPollTimeout bounds a single completion poll
	DefaultPollTimeout = 1 * time.Millisecond

	// BackpressureWait bounds a worker's wait for a completion notification
	BackpressureWait = 1 * time.Millisecond

	// DefaultDrainRetries and DefaultDrainInterval bound the monitor's exit check
	DefaultDrainRetries  = 10000
	DefaultDrainInterval = 100 * time.Microsecond

	// DefaultBarrierRetries and DefaultBarrierInterval bound the run-wide drain barrier
	DefaultBarrierRetries  = 10000
	DefaultBarrierInterval = 100 * time.Microsecond

	// ClearEventsTimeout bounds each poll while harvesting leftover contexts
	ClearEventsTimeout = 1 * time.Second

	// ClearEventsAttempts bounds how often a leftover context is polled
	ClearEventsAttempts = 5

	// DeviceOpenRetries and DeviceOpenInterval bound waiting for a queue's char device node
	DeviceOpenRetries  = 50
	DeviceOpenInterval = 100 * time.Millisecond
)

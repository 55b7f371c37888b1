package resilient

import (
	"time"

	"github.com/examlink/sebconn/pkg/retry"
)

// readRetryConfig provides a default retry strategy for read operations.
var readRetryConfig = retry.BackoffConfig{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "store_read",
}

// writeRetryConfig provides a default retry strategy for write operations.
var writeRetryConfig = retry.BackoffConfig{
	InitialInterval: 150 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      2, // Writes are less safe to retry automatically
	OperationName:   "store_write",
}

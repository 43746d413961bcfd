package mlx5

import (
	"errors"
	"fmt"
)

var (
	ErrDescsNotPowerOfTwo = errors.New("descriptor count must be a power of two")
	ErrDescsOutOfRange    = errors.New("descriptor count out of range")
	ErrNoPool             = errors.New("buffer pool is required")
	ErrPoolTooSmall       = errors.New("buffer pool cannot fill the ring")
	ErrBufferTooSmall     = errors.New("pool buffers smaller than the device minimum")
	ErrInlineTooLarge     = errors.New("MaxInline exceeds the WQE size limit")
	ErrPktLenTooLarge     = errors.New("MaxRxPktLen needs more than MaxRxSegs buffers")
	ErrQueueExists        = errors.New("queue already set up")
	ErrNoRxQueues         = errors.New("no receive queues configured")
	ErrNoSuchQueue        = errors.New("no such queue")
	ErrDeviceStarted      = errors.New("device is started")
	ErrDeviceClosed       = errors.New("device is closed")
	ErrMACTableFull       = errors.New("MAC address table full")
	ErrVLANTableFull      = errors.New("VLAN filter table full")
	ErrNoSuchMAC          = errors.New("MAC address not configured")
	ErrBadResources       = errors.New("device resources do not match the request")
	ErrRSSKeyLength       = errors.New("RSS key must be 40 bytes")
	ErrTooManyQueues      = errors.New("queue count out of range")
	ErrNoMemoryRegion     = errors.New("no memory region available for pool")

	// ErrCompletionFormat reports a completion entry whose shape is
	// inconsistent with the queue state. It is fatal for the queue:
	// continuing would corrupt buffer ownership.
	ErrCompletionFormat = errors.New("malformed completion entry")
)

// CompletionError is the fatal fault latched by a queue that observed an
// inconsistent completion entry.
type CompletionError struct {
	Queue  uint16
	Tx     bool
	Index  uint16
	Reason string
}

func (e *CompletionError) Error() string {
	dir := "rxq"
	if e.Tx {
		dir = "txq"
	}
	return fmt.Sprintf("%s %d: CQE %d: %s: %s", dir, e.Queue, e.Index, ErrCompletionFormat, e.Reason)
}

func (e *CompletionError) Unwrap() error { return ErrCompletionFormat }

// RehashError reports the class of flow rule whose installation or removal
// failed. The previously installed rule set is restored before it is
// returned unless RollbackErr is set.
type RehashError struct {
	Class FlowType
	Err   error
	// RollbackErr is non-nil when restoring the previous rule set failed
	// as well; the installed rules are then in an unknown state.
	RollbackErr error
}

func (e *RehashError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("rehash %s flows: %v (rollback: %v)", e.Class, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("rehash %s flows: %v", e.Class, e.Err)
}

func (e *RehashError) Unwrap() []error {
	if e.RollbackErr != nil {
		return []error{e.Err, e.RollbackErr}
	}
	return []error{e.Err}
}

package volume

import (
	"io"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OperationKind distinguishes the physical operations a DeviceQueue
// can carry out.
type OperationKind int

const (
	// OperationRead fills Data with bytes stored at
	// DeviceOffsetBytes.
	OperationRead OperationKind = iota
	// OperationWrite stores Data at DeviceOffsetBytes.
	OperationWrite
	// OperationFlush forces previously written data to stable
	// storage.
	OperationFlush
)

func (k OperationKind) String() string {
	switch k {
	case OperationRead:
		return "Read"
	case OperationWrite:
		return "Write"
	case OperationFlush:
		return "Flush"
	default:
		return "Unknown"
	}
}

// Operation is a single physical request against the backing device.
type Operation struct {
	Kind OperationKind
	// Data is the destination buffer for reads and the source
	// buffer for writes. It is nil for flushes. The buffer must not
	// be touched until the operation completes.
	Data              []byte
	DeviceOffsetBytes int64
}

// DeviceQueue asynchronously executes physical operations against a
// block device.
//
// Queue may block briefly when the device is saturated, but completion
// is always signalled through the callback, exactly once per
// operation. Operations may execute and complete in any order, and
// callbacks may run on arbitrary goroutines. Once queued, an operation
// cannot be cancelled.
type DeviceQueue interface {
	Queue(op *Operation, complete func(error))
}

type queuedOperation struct {
	op       *Operation
	complete func(error)
}

type blockDeviceQueue struct {
	device     blockdevice.BlockDevice
	operations chan queuedOperation
}

// NewBlockDeviceQueue creates a DeviceQueue that executes operations
// against a block device from a fixed number of worker goroutines. The
// workers remain running for the lifetime of the process.
func NewBlockDeviceQueue(device blockdevice.BlockDevice, concurrency int) DeviceQueue {
	dq := &blockDeviceQueue{
		device:     device,
		operations: make(chan queuedOperation, concurrency),
	}
	for i := 0; i < concurrency; i++ {
		go func() {
			for qo := range dq.operations {
				qo.complete(dq.execute(qo.op))
			}
		}()
	}
	return dq
}

func (dq *blockDeviceQueue) Queue(op *Operation, complete func(error)) {
	dq.operations <- queuedOperation{op: op, complete: complete}
}

func (dq *blockDeviceQueue) execute(op *Operation) error {
	switch op.Kind {
	case OperationRead:
		if n, err := dq.device.ReadAt(op.Data, op.DeviceOffsetBytes); err != nil && err != io.EOF {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to read from block device")
		} else if n != len(op.Data) {
			return status.Errorf(codes.Internal, "Read against block device returned %d bytes, while %d bytes were expected", n, len(op.Data))
		}
	case OperationWrite:
		if _, err := dq.device.WriteAt(op.Data, op.DeviceOffsetBytes); err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to write to block device")
		}
	case OperationFlush:
		if err := dq.device.Sync(); err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to synchronize block device")
		}
	default:
		panic("Attempted to execute an operation of an unknown kind")
	}
	return nil
}

package volume

import (
	"sync"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/buildbarn/bb-volume-manager/pkg/volume/metadata"
	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type partitionState int

const (
	partitionStateActive partitionState = iota
	partitionStateKilled
)

// SliceRange describes the allocation state of the virtual slices at
// and directly after a queried position: whether they are backed by
// physical slices, and for how many consecutive virtual slices that
// state holds.
type SliceRange struct {
	Allocated bool
	Count     uint64
}

// Partition is a single logical volume within a VolumeManager. It owns
// the mapping from its virtual slices to physical slices of the
// underlying device, and translates byte granularity I/O requests into
// physical operations on the device queue.
//
// Slice allocation and lifecycle changes go through the VolumeManager,
// which owns the persistent metadata this mapping is derived from.
type Partition struct {
	slot         uint32
	typeGUID     uuid.UUID
	instanceGUID uuid.UUID
	name         string
	layout       metadata.Layout
	queue        DeviceQueue
	remover      PartitionRemover
	errorLogger  util.ErrorLogger

	lock               sync.Mutex
	state              partitionState
	extents            ExtentMap
	inFlightOperations int
	removalPending     bool
}

func newPartition(slot uint32, typeGUID, instanceGUID uuid.UUID, name string, layout metadata.Layout, queue DeviceQueue, remover PartitionRemover, errorLogger util.ErrorLogger) *Partition {
	return &Partition{
		slot:         slot,
		typeGUID:     typeGUID,
		instanceGUID: instanceGUID,
		name:         name,
		layout:       layout,
		queue:        queue,
		remover:      remover,
		errorLogger:  errorLogger,
	}
}

// Slot returns the partition table slot backing this partition.
func (p *Partition) Slot() uint32 {
	return p.slot
}

// TypeGUID returns the GUID describing what the partition is used for.
func (p *Partition) TypeGUID() uuid.UUID {
	return p.typeGUID
}

// InstanceGUID returns the GUID identifying this instance of the
// partition.
func (p *Partition) InstanceGUID() uuid.UUID {
	return p.instanceGUID
}

// Name returns the human readable name of the partition.
func (p *Partition) Name() string {
	return p.name
}

// QueueReadAt reads len(buf) bytes at a partition relative byte
// offset.
//
// Requests are admitted in their entirety or not at all: when any part
// of the range lies on an unmapped virtual slice, an error is returned
// synchronously and no physical I/O is issued. Once admitted (nil
// return), the request's outcome is delivered through the completion
// callback, exactly once, after all physical operations it was split
// into have completed.
func (p *Partition) QueueReadAt(buf []byte, offsetBytes int64, complete func(error)) error {
	return p.queueDataOperation(OperationRead, buf, offsetBytes, complete)
}

// QueueWriteAt writes len(buf) bytes at a partition relative byte
// offset, with the same admission and completion semantics as
// QueueReadAt.
func (p *Partition) QueueWriteAt(buf []byte, offsetBytes int64, complete func(error)) error {
	return p.queueDataOperation(OperationWrite, buf, offsetBytes, complete)
}

func (p *Partition) queueDataOperation(kind OperationKind, buf []byte, offsetBytes int64, complete func(error)) error {
	if len(buf) == 0 {
		return status.Error(codes.InvalidArgument, "Empty transfers are not permitted")
	}
	if offsetBytes < 0 {
		return status.Errorf(codes.InvalidArgument, "Negative transfer offset: %d", offsetBytes)
	}
	sliceSizeBytes := p.layout.SliceSizeBytes
	firstVSlice := uint64(offsetBytes) / sliceSizeBytes
	lastVSlice := (uint64(offsetBytes) + uint64(len(buf)) - 1) / sliceSizeBytes
	if lastVSlice >= metadata.MaxVSliceCount {
		return status.Errorf(codes.OutOfRange, "Transfer of %d bytes at offset %d extends beyond the partition's addressable space", len(buf), offsetBytes)
	}

	// Resolve the entire range up front, so that the transfer is
	// either issued as a whole or not at all.
	pSlices := make([]uint64, 0, lastVSlice-firstVSlice+1)
	p.lock.Lock()
	if p.state != partitionStateActive {
		p.lock.Unlock()
		return status.Error(codes.FailedPrecondition, "Partition has been destroyed")
	}
	for vSlice := firstVSlice; vSlice <= lastVSlice; vSlice++ {
		pSlice, ok := p.extents.Lookup(vSlice)
		if !ok {
			p.lock.Unlock()
			return status.Errorf(codes.OutOfRange, "Virtual slice %d is not backed by a physical slice", vSlice)
		}
		pSlices = append(pSlices, pSlice)
	}
	p.inFlightOperations++
	p.lock.Unlock()

	// Split the transfer at virtual slice boundaries. Runs of
	// physically contiguous slices stay coalesced into a single
	// operation, so that sequential transfers reach the device in
	// their original shape.
	ops := make([]*Operation, 0, len(pSlices))
	remaining := buf
	for i := 0; i < len(pSlices); {
		j := i + 1
		for j < len(pSlices) && pSlices[j] == pSlices[j-1]+1 {
			j++
		}
		var offsetInSlice uint64
		if i == 0 {
			offsetInSlice = uint64(offsetBytes) % sliceSizeBytes
		}
		lengthBytes := uint64(j-i)*sliceSizeBytes - offsetInSlice
		if l := uint64(len(remaining)); lengthBytes > l {
			lengthBytes = l
		}
		ops = append(ops, &Operation{
			Kind:              kind,
			Data:              remaining[:lengthBytes],
			DeviceOffsetBytes: p.layout.PSliceOffsetBytes(pSlices[i]) + int64(offsetInSlice),
		})
		remaining = remaining[lengthBytes:]
		i = j
	}

	group := newOperationGroup(len(ops), func(err error) {
		p.operationCompleted()
		complete(err)
	})
	for _, op := range ops {
		p.queue.Queue(op, group.done)
	}
	return nil
}

// QueueFlush forces all data previously written to the partition to
// stable storage, with the same admission and completion semantics as
// QueueReadAt.
func (p *Partition) QueueFlush(complete func(error)) error {
	p.lock.Lock()
	if p.state != partitionStateActive {
		p.lock.Unlock()
		return status.Error(codes.FailedPrecondition, "Partition has been destroyed")
	}
	p.inFlightOperations++
	p.lock.Unlock()

	p.queue.Queue(&Operation{Kind: OperationFlush}, func(err error) {
		p.operationCompleted()
		complete(err)
	})
	return nil
}

// QuerySliceRanges reports the allocation state of the given virtual
// slices, coalescing each answer into the longest run sharing that
// state. Unmapped positions behind the last extent report the distance
// to the end of the partition's addressable space.
func (p *Partition) QuerySliceRanges(vSlices []uint64) ([]SliceRange, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state != partitionStateActive {
		return nil, status.Error(codes.FailedPrecondition, "Partition has been destroyed")
	}
	ranges := make([]SliceRange, 0, len(vSlices))
	for _, vSlice := range vSlices {
		if vSlice >= metadata.MaxVSliceCount {
			return nil, status.Errorf(codes.OutOfRange, "Virtual slice %d is beyond the partition's addressable space", vSlice)
		}
		allocated, length := p.extents.RunLengthAt(vSlice)
		if length == 0 {
			length = metadata.MaxVSliceCount - vSlice
		}
		ranges = append(ranges, SliceRange{
			Allocated: allocated,
			Count:     length,
		})
	}
	return ranges, nil
}

func (p *Partition) operationCompleted() {
	p.lock.Lock()
	p.inFlightOperations--
	notify := p.removalPending && p.inFlightOperations == 0
	if notify {
		p.removalPending = false
	}
	p.lock.Unlock()
	if notify {
		p.notifyRemover()
	}
}

func (p *Partition) notifyRemover() {
	if err := p.remover.RemovePartition(p); err != nil {
		p.errorLogger.Log(util.StatusWrapf(err, "Failed to remove partition at slot %d", p.slot))
	}
}

// killLocked marks the partition as destroyed, dropping its slice
// mappings and rejecting all future requests. The return value
// indicates whether the partition is already free of in-flight
// operations, meaning the caller may retire it immediately. If not,
// the partition remover is notified once the last in-flight operation
// completes.
func (p *Partition) killLocked() bool {
	if p.state != partitionStateActive {
		panic("Attempted to kill a partition twice")
	}
	p.state = partitionStateKilled
	p.extents.Clear()
	if p.inFlightOperations > 0 {
		p.removalPending = true
		return false
	}
	return true
}

package volume

import (
	"context"
	"strings"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/buildbarn/bb-volume-manager/pkg/volume/metadata"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	volumeManagerPrometheusMetrics sync.Once

	volumeManagerAllocatedPartitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "volume",
			Name:      "volume_manager_allocated_partitions",
			Help:      "Number of partition table slots currently in use.",
		})
	volumeManagerAllocatedSlices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "volume",
			Name:      "volume_manager_allocated_slices",
			Help:      "Number of physical slices currently assigned to a partition.",
		})
)

// VolumeInfo summarizes the geometry and utilization of a volume.
type VolumeInfo struct {
	SliceSizeBytes       uint64
	TotalPSliceCount     uint64
	AllocatedPSliceCount uint64
	MaxVSliceCount       uint64
}

// PartitionInfo describes one allocated partition table entry.
type PartitionInfo struct {
	Slot         uint32
	TypeGUID     uuid.UUID
	InstanceGUID uuid.UUID
	Name         string
	SliceCount   uint32
	Active       bool
}

// VolumeManager partitions a single block device into independently
// growable logical volumes. Virtual slices of every partition are
// mapped onto fixed size physical slices of the device, with the
// mapping persisted through the redundant metadata copies of a
// metadata.Store.
//
// All operations that touch the metadata are serialized by a manager
// wide lock. Every Partition carries a nested lock of its own, which
// is only acquired while the manager lock is held. The I/O path on
// Partition takes just the partition lock, so that data transfers do
// not stall behind metadata persistence.
type VolumeManager struct {
	store         *metadata.Store
	queue         DeviceQueue
	remover       PartitionRemover
	errorLogger   util.ErrorLogger
	uuidGenerator util.UUIDGenerator

	// Closed once Load has finished, successfully or not. loadErr
	// may only be read after the channel has been closed.
	loaded  chan struct{}
	loadErr error

	lock            sync.Mutex
	metadata        *metadata.Metadata
	partitions      [metadata.MaxPartitionCount]*Partition
	allocatedSlices uint64
}

// NewVolumeManager creates a volume manager on top of a metadata store
// and a device queue. The returned manager rejects all operations
// until Load has been called.
func NewVolumeManager(store *metadata.Store, queue DeviceQueue, remover PartitionRemover, errorLogger util.ErrorLogger, uuidGenerator util.UUIDGenerator) *VolumeManager {
	volumeManagerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(volumeManagerAllocatedPartitions)
		prometheus.MustRegister(volumeManagerAllocatedSlices)
	})

	return &VolumeManager{
		store:         store,
		queue:         queue,
		remover:       remover,
		errorLogger:   errorLogger,
		uuidGenerator: uuidGenerator,
		loaded:        make(chan struct{}),
	}
}

// Load reads the volume's metadata from the device and reconstructs
// the extent maps of all partitions. It must be called exactly once,
// before any other operation is used. Operations issued while the load
// is still in progress fail; callers wanting to block instead should
// use WaitUntilLoaded.
func (vm *VolumeManager) Load(ctx context.Context) error {
	select {
	case <-vm.loaded:
		panic("Attempted to load a volume that has already been loaded")
	default:
	}

	m, err := vm.store.Load(ctx)
	if err == nil {
		err = vm.adoptMetadata(m)
	}
	vm.loadErr = err
	close(vm.loaded)
	return err
}

// adoptMetadata rebuilds the partition objects and their extent maps
// from a freshly loaded allocation table, verifying that the partition
// and allocation tables agree with each other.
func (vm *VolumeManager) adoptMetadata(m *metadata.Metadata) error {
	var partitions [metadata.MaxPartitionCount]*Partition
	for slot := uint32(1); slot < metadata.MaxPartitionCount; slot++ {
		if e := &m.Partitions[slot]; e.IsAllocated() {
			partitions[slot] = newPartition(slot, e.TypeGUID, e.InstanceGUID, e.Name, m.Layout, vm.queue, vm.remover, vm.errorLogger)
		}
	}

	var sliceCounts [metadata.MaxPartitionCount]uint32
	allocatedSlices := uint64(0)
	for pSlice := uint64(1); pSlice <= m.Layout.PSliceCount; pSlice++ {
		e := m.Slices[pSlice]
		if !e.IsAllocated() {
			continue
		}
		p := partitions[e.Owner]
		if p == nil {
			return status.Errorf(codes.DataLoss, "Physical slice %d is owned by partition slot %d, which is not allocated", pSlice, e.Owner)
		}
		if _, ok := p.extents.Lookup(e.VSlice); ok {
			return status.Errorf(codes.DataLoss, "Virtual slice %d of partition slot %d is backed by more than one physical slice", e.VSlice, e.Owner)
		}
		p.extents.Insert(e.VSlice, pSlice)
		sliceCounts[e.Owner]++
		allocatedSlices++
	}
	for slot := uint32(1); slot < metadata.MaxPartitionCount; slot++ {
		if e := &m.Partitions[slot]; e.SliceCount != sliceCounts[slot] {
			return status.Errorf(codes.DataLoss, "Partition slot %d has a slice count of %d, while %d physical slices reference it", slot, e.SliceCount, sliceCounts[slot])
		}
	}

	vm.lock.Lock()
	vm.metadata = m
	vm.partitions = partitions
	vm.allocatedSlices = allocatedSlices
	vm.publishGaugesLocked()
	vm.lock.Unlock()
	return nil
}

// WaitUntilLoaded blocks until the initial Load has finished. When the
// load failed, its error is returned, as the volume will never become
// operational.
func (vm *VolumeManager) WaitUntilLoaded(ctx context.Context) error {
	select {
	case <-vm.loaded:
		return vm.loadFailure()
	case <-ctx.Done():
		return util.StatusFromContext(ctx)
	}
}

func (vm *VolumeManager) loadFailure() error {
	if vm.loadErr != nil {
		return util.StatusWrap(vm.loadErr, "Volume failed to load")
	}
	return nil
}

func (vm *VolumeManager) ensureLoaded() error {
	select {
	case <-vm.loaded:
		return vm.loadFailure()
	default:
		return status.Error(codes.FailedPrecondition, "Volume has not been loaded")
	}
}

func (vm *VolumeManager) publishGaugesLocked() {
	allocatedPartitions := 0
	for slot := uint32(1); slot < metadata.MaxPartitionCount; slot++ {
		if vm.metadata.Partitions[slot].IsAllocated() {
			allocatedPartitions++
		}
	}
	volumeManagerAllocatedPartitions.Set(float64(allocatedPartitions))
	volumeManagerAllocatedSlices.Set(float64(vm.allocatedSlices))
}

func validatePartitionName(name string) error {
	if name == "" {
		return status.Error(codes.InvalidArgument, "Partition name must not be empty")
	}
	if len(name) > metadata.MaxPartitionNameLength {
		return status.Errorf(codes.InvalidArgument, "Partition name of %d bytes exceeds the maximum length of %d bytes", len(name), metadata.MaxPartitionNameLength)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return status.Error(codes.InvalidArgument, "Partition name contains a NUL byte")
	}
	return nil
}

func checkVSliceRange(vSliceStart, count uint64) error {
	if count > metadata.MaxVSliceCount || vSliceStart > metadata.MaxVSliceCount-count {
		return status.Errorf(codes.InvalidArgument, "Slice range starting at virtual slice %d with count %d exceeds the maximum of %d addressable virtual slices", vSliceStart, count, metadata.MaxVSliceCount)
	}
	return nil
}

// AllocatePartition creates a new partition spanning sliceCount
// physical slices, mapped at virtual slices [0, sliceCount). When
// instanceGUID is the nil UUID, a random one is generated. Passing
// metadata.PartitionFlagInactive creates the partition in the inactive
// state, to be activated later through Activate.
func (vm *VolumeManager) AllocatePartition(typeGUID, instanceGUID uuid.UUID, name string, sliceCount uint64, flags uint32) (*Partition, error) {
	if err := vm.ensureLoaded(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	if sliceCount == 0 {
		return nil, status.Error(codes.InvalidArgument, "Partitions must contain at least one slice")
	}
	if flags&^metadata.PartitionFlagInactive != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Unsupported partition flags 0x%08x", flags)
	}
	if instanceGUID == uuid.Nil {
		var err error
		instanceGUID, err = vm.uuidGenerator()
		if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to generate an instance GUID")
		}
	}

	vm.lock.Lock()
	slot, err := vm.metadata.FindFreePartitionSlot()
	if err != nil {
		vm.lock.Unlock()
		return nil, err
	}
	if vm.partitions[slot] != nil {
		// Live partitions always keep virtual slice zero mapped, so
		// their slot is never reported as free.
		panic("Attempted to reuse a partition slot that is still in use")
	}

	vm.metadata.Partitions[slot] = metadata.PartitionEntry{
		TypeGUID:     typeGUID,
		InstanceGUID: instanceGUID,
		Flags:        flags,
		Name:         name,
	}
	p := newPartition(slot, typeGUID, instanceGUID, name, vm.metadata.Layout, vm.queue, vm.remover, vm.errorLogger)
	if err := vm.extendLocked(p, 0, sliceCount); err != nil {
		vm.metadata.ClearPartitionSlot(slot)
		vm.lock.Unlock()
		return nil, err
	}
	vm.partitions[slot] = p
	vm.publishGaugesLocked()
	vm.lock.Unlock()
	return p, nil
}

// Extend maps count additional virtual slices of a partition, starting
// at vSliceStart, onto freshly allocated physical slices. Either the
// whole range is mapped and persisted, or the call has no effect.
func (vm *VolumeManager) Extend(p *Partition, vSliceStart, count uint64) error {
	if err := vm.ensureLoaded(); err != nil {
		return err
	}
	vm.lock.Lock()
	defer vm.lock.Unlock()
	if vm.partitions[p.slot] != p {
		return status.Error(codes.FailedPrecondition, "Partition has been destroyed")
	}
	if err := vm.extendLocked(p, vSliceStart, count); err != nil {
		return err
	}
	vm.publishGaugesLocked()
	return nil
}

// extendLocked maps [vSliceStart, vSliceStart+count) onto free
// physical slices and persists the result. On any failure the
// allocation is unwound completely before returning.
func (vm *VolumeManager) extendLocked(p *Partition, vSliceStart, count uint64) error {
	if err := checkVSliceRange(vSliceStart, count); err != nil {
		return err
	}

	p.lock.Lock()
	if p.state != partitionStateActive {
		p.lock.Unlock()
		return status.Error(codes.FailedPrecondition, "Partition has been destroyed")
	}
	var err error
	pSlices := make([]uint64, 0, count)
	hint := uint64(1)
	for i := uint64(0); i < count; i++ {
		vSlice := vSliceStart + i
		if _, ok := p.extents.Lookup(vSlice); ok {
			err = status.Errorf(codes.InvalidArgument, "Virtual slice %d is already backed by a physical slice", vSlice)
			break
		}
		var pSlice uint64
		pSlice, err = vm.metadata.FindFreeSlice(hint)
		if err != nil {
			break
		}
		vm.metadata.AllocateSlice(pSlice, p.slot, vSlice)
		vm.allocatedSlices++
		pSlices = append(pSlices, pSlice)
		hint = pSlice + 1
	}
	p.lock.Unlock()

	if err == nil && len(pSlices) > 0 {
		err = vm.store.Persist(vm.metadata)
	}
	if err != nil {
		// Unwind the allocations performed by this call.
		for _, pSlice := range pSlices {
			vm.metadata.FreeSlice(pSlice)
			vm.allocatedSlices--
		}
		return err
	}

	// The new mappings become visible to the I/O path only now that
	// they have been persisted.
	p.lock.Lock()
	for i, pSlice := range pSlices {
		p.extents.Insert(vSliceStart+uint64(i), pSlice)
	}
	p.lock.Unlock()
	return nil
}

// Shrink unmaps up to count virtual slices of a partition, starting at
// vSliceStart, returning their physical slices to the free pool.
// Virtual slices in the range that are not currently mapped are
// skipped. A vSliceStart of zero frees the partition as a whole,
// regardless of count; Destroy is the explicit way to request that.
func (vm *VolumeManager) Shrink(p *Partition, vSliceStart, count uint64) error {
	if err := vm.ensureLoaded(); err != nil {
		return err
	}
	if err := checkVSliceRange(vSliceStart, count); err != nil {
		return err
	}

	vm.lock.Lock()
	if vm.partitions[p.slot] != p {
		vm.lock.Unlock()
		return status.Error(codes.FailedPrecondition, "Partition has been destroyed")
	}
	if vSliceStart == 0 {
		retired, err := vm.destroyLocked(p)
		vm.lock.Unlock()
		if retired != nil {
			retired.notifyRemover()
		}
		return err
	}
	err := vm.shrinkLocked(p, vSliceStart, count)
	vm.lock.Unlock()
	return err
}

type freedSlice struct {
	vSlice uint64
	pSlice uint64
}

// shrinkLocked unmaps the mapped virtual slices within [vSliceStart,
// vSliceStart+count) and persists the result. Freeing a fully unmapped
// range leaves the metadata untouched.
func (vm *VolumeManager) shrinkLocked(p *Partition, vSliceStart, count uint64) error {
	p.lock.Lock()
	if p.state != partitionStateActive {
		p.lock.Unlock()
		return status.Error(codes.FailedPrecondition, "Partition has been destroyed")
	}
	// Free from the highest virtual slice downwards, matching the
	// extent map's cheap tail removal.
	var freed []freedSlice
	for i := count; i > 0; i-- {
		vSlice := vSliceStart + i - 1
		if pSlice, ok := p.extents.Lookup(vSlice); ok {
			vm.metadata.FreeSlice(pSlice)
			vm.allocatedSlices--
			freed = append(freed, freedSlice{vSlice: vSlice, pSlice: pSlice})
		}
	}
	p.lock.Unlock()

	if len(freed) == 0 {
		return nil
	}
	if err := vm.store.Persist(vm.metadata); err != nil {
		for _, f := range freed {
			vm.metadata.AllocateSlice(f.pSlice, p.slot, f.vSlice)
			vm.allocatedSlices++
		}
		return err
	}

	p.lock.Lock()
	for _, f := range freed {
		p.extents.Remove(f.vSlice)
	}
	p.lock.Unlock()
	vm.publishGaugesLocked()
	return nil
}

// Destroy frees all of a partition's slices, releases its partition
// table slot, and marks the partition as destroyed. I/O that is still
// in flight is allowed to complete; the PartitionRemover is notified
// as soon as the partition has gone idle.
func (vm *VolumeManager) Destroy(p *Partition) error {
	if err := vm.ensureLoaded(); err != nil {
		return err
	}
	vm.lock.Lock()
	if vm.partitions[p.slot] != p {
		vm.lock.Unlock()
		return status.Error(codes.FailedPrecondition, "Partition has been destroyed")
	}
	retired, err := vm.destroyLocked(p)
	vm.lock.Unlock()
	if retired != nil {
		retired.notifyRemover()
	}
	return err
}

// destroyLocked frees every slice of a partition and clears its
// partition table slot. On success the partition is killed and
// deregistered; the returned partition, if any, must be passed to
// notifyRemover once the manager lock has been released.
func (vm *VolumeManager) destroyLocked(p *Partition) (*Partition, error) {
	savedEntry := vm.metadata.Partitions[p.slot]

	p.lock.Lock()
	var freed []freedSlice
	p.extents.WalkRuns(func(vSliceStart uint64, pSlices []uint64) {
		for i, pSlice := range pSlices {
			vm.metadata.FreeSlice(pSlice)
			vm.allocatedSlices--
			freed = append(freed, freedSlice{vSlice: vSliceStart + uint64(i), pSlice: pSlice})
		}
	})
	vm.metadata.ClearPartitionSlot(p.slot)
	p.lock.Unlock()

	if err := vm.store.Persist(vm.metadata); err != nil {
		for _, f := range freed {
			vm.metadata.AllocateSlice(f.pSlice, p.slot, f.vSlice)
			vm.allocatedSlices++
		}
		vm.metadata.Partitions[p.slot] = savedEntry
		return nil, err
	}

	var retired *Partition
	p.lock.Lock()
	if p.killLocked() {
		retired = p
	}
	p.lock.Unlock()
	vm.partitions[p.slot] = nil
	vm.publishGaugesLocked()
	return retired, nil
}

// Activate makes the inactive partition with instance GUID
// newInstanceGUID eligible for exposure, and deactivates the active
// partition with instance GUID oldInstanceGUID if one exists. Both
// flag changes are persisted in a single generation step.
func (vm *VolumeManager) Activate(oldInstanceGUID, newInstanceGUID uuid.UUID) error {
	if err := vm.ensureLoaded(); err != nil {
		return err
	}
	vm.lock.Lock()
	defer vm.lock.Unlock()

	newSlot := uint32(0)
	oldSlot := uint32(0)
	for slot := uint32(1); slot < metadata.MaxPartitionCount; slot++ {
		e := &vm.metadata.Partitions[slot]
		if !e.IsAllocated() {
			continue
		}
		if newSlot == 0 && e.InstanceGUID == newInstanceGUID && !e.IsActive() {
			newSlot = slot
		}
		if oldSlot == 0 && e.InstanceGUID == oldInstanceGUID && e.IsActive() {
			oldSlot = slot
		}
	}
	if newSlot == 0 {
		return status.Errorf(codes.NotFound, "No inactive partition with instance GUID %s exists", newInstanceGUID)
	}

	vm.metadata.Partitions[newSlot].Flags &^= metadata.PartitionFlagInactive
	if oldSlot != 0 {
		vm.metadata.Partitions[oldSlot].Flags |= metadata.PartitionFlagInactive
	}
	if err := vm.store.Persist(vm.metadata); err != nil {
		vm.metadata.Partitions[newSlot].Flags |= metadata.PartitionFlagInactive
		if oldSlot != 0 {
			vm.metadata.Partitions[oldSlot].Flags &^= metadata.PartitionFlagInactive
		}
		return err
	}
	return nil
}

// Query returns the geometry and utilization of the volume.
func (vm *VolumeManager) Query() (VolumeInfo, error) {
	if err := vm.ensureLoaded(); err != nil {
		return VolumeInfo{}, err
	}
	vm.lock.Lock()
	defer vm.lock.Unlock()
	return VolumeInfo{
		SliceSizeBytes:       vm.metadata.Layout.SliceSizeBytes,
		TotalPSliceCount:     vm.metadata.Layout.PSliceCount,
		AllocatedPSliceCount: vm.allocatedSlices,
		MaxVSliceCount:       metadata.MaxVSliceCount,
	}, nil
}

// GetPartition returns the live partition occupying a slot.
func (vm *VolumeManager) GetPartition(slot uint32) (*Partition, error) {
	if err := vm.ensureLoaded(); err != nil {
		return nil, err
	}
	if slot < 1 || slot >= metadata.MaxPartitionCount {
		return nil, status.Errorf(codes.InvalidArgument, "Partition slot %d is out of bounds", slot)
	}
	vm.lock.Lock()
	defer vm.lock.Unlock()
	if p := vm.partitions[slot]; p != nil {
		return p, nil
	}
	return nil, status.Errorf(codes.NotFound, "No partition exists at slot %d", slot)
}

// GetPartitionInfos lists all allocated partition table entries in
// slot order.
func (vm *VolumeManager) GetPartitionInfos() ([]PartitionInfo, error) {
	if err := vm.ensureLoaded(); err != nil {
		return nil, err
	}
	vm.lock.Lock()
	defer vm.lock.Unlock()
	var infos []PartitionInfo
	for slot := uint32(1); slot < metadata.MaxPartitionCount; slot++ {
		if e := &vm.metadata.Partitions[slot]; e.IsAllocated() {
			infos = append(infos, PartitionInfo{
				Slot:         slot,
				TypeGUID:     e.TypeGUID,
				InstanceGUID: e.InstanceGUID,
				Name:         e.Name,
				SliceCount:   e.SliceCount,
				Active:       e.IsActive(),
			})
		}
	}
	return infos, nil
}

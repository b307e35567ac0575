package metadata

import (
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// MagicNumber is stored at the start of every metadata copy. It
	// corresponds to the string "bbvolmgr" when read as a little
	// endian integer.
	MagicNumber uint64 = 0x72676d6c6f766262
	// FormatVersion is the current version of the on-disk format.
	// Images carrying any other version are rejected.
	FormatVersion uint64 = 1

	// MaxPartitionCount is the number of slots in the partition
	// table. Slot zero is reserved, so that a zero owner field in
	// the allocation table can act as the "unallocated" marker.
	MaxPartitionCount = 1024
	// MaxPartitionNameLength is the size of the fixed name field in
	// a partition entry. Shorter names are padded with NUL bytes.
	MaxPartitionNameLength = 24
	// MaxVSliceCount is the number of virtual slices addressable by
	// a single partition. Virtual slice numbers are stored in a 40
	// bit wide field in the allocation table.
	MaxVSliceCount uint64 = 1 << 40

	headerSizeBytes         = 96
	partitionEntrySizeBytes = 64
	sliceEntrySizeBytes     = 8

	// PartitionTableSizeBytes is the fixed size of the partition
	// table within a metadata image.
	PartitionTableSizeBytes uint64 = MaxPartitionCount * partitionEntrySizeBytes
)

// Field offsets within the header block.
const (
	headerOffsetMagic              = 0
	headerOffsetVersion            = 8
	headerOffsetGeneration         = 16
	headerOffsetHash               = 24
	headerOffsetSliceSize          = 56
	headerOffsetPSliceCount        = 64
	headerOffsetPartitionTableSize = 72
	headerOffsetAllocationTable    = 80
	headerOffsetDeviceSize         = 88
)

// Field offsets within a partition table entry.
const (
	partitionEntryOffsetTypeGUID     = 0
	partitionEntryOffsetInstanceGUID = 16
	partitionEntryOffsetSliceCount   = 32
	partitionEntryOffsetFlags        = 36
	partitionEntryOffsetName         = 40
)

// MetadataCopy identifies one of the two redundant metadata images
// stored at the start of the block device.
type MetadataCopy int

const (
	// MetadataCopyA is stored at the start of the device.
	MetadataCopyA MetadataCopy = iota
	// MetadataCopyB is stored immediately after copy A.
	MetadataCopyB
)

// Other returns the identifier of the opposite metadata copy.
func (c MetadataCopy) Other() MetadataCopy {
	return 1 - c
}

func (c MetadataCopy) String() string {
	if c == MetadataCopyA {
		return "A"
	}
	return "B"
}

// Layout describes the geometry of a formatted block device: where the
// two metadata copies live, how large their tables are, and at which
// offset every physical slice starts. All fields are derived from the
// header block and the device's block size, and remain constant for
// the lifetime of a loaded volume, except for PSliceCount and
// DeviceSizeBytes, which may increase when the underlying device has
// grown since the last format.
type Layout struct {
	BlockSizeBytes           uint64
	SliceSizeBytes           uint64
	PSliceCount              uint64
	AllocationTableSizeBytes uint64
	DeviceSizeBytes          uint64
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) / alignment * alignment
}

func validateBlockAndSliceSize(blockSizeBytes, sliceSizeBytes uint64) error {
	if blockSizeBytes < headerSizeBytes {
		return status.Errorf(codes.InvalidArgument, "Block size %d bytes cannot hold a %d byte header", blockSizeBytes, headerSizeBytes)
	}
	if sliceSizeBytes == 0 || sliceSizeBytes%blockSizeBytes != 0 {
		return status.Errorf(codes.InvalidArgument, "Slice size %d bytes is not a positive multiple of the block size %d bytes", sliceSizeBytes, blockSizeBytes)
	}
	return nil
}

// NewLayoutForDevice computes the geometry used when formatting a
// device. The allocation table is sized to address a device of
// maxDeviceSizeBytes, so that the volume can later grow in place when
// the underlying device is enlarged. A maxDeviceSizeBytes of zero
// reserves space for the current device size only.
func NewLayoutForDevice(blockSizeBytes, sliceSizeBytes, deviceSizeBytes, maxDeviceSizeBytes uint64) (Layout, error) {
	if err := validateBlockAndSliceSize(blockSizeBytes, sliceSizeBytes); err != nil {
		return Layout{}, err
	}
	if maxDeviceSizeBytes == 0 {
		maxDeviceSizeBytes = deviceSizeBytes
	}
	if maxDeviceSizeBytes < deviceSizeBytes {
		return Layout{}, status.Errorf(codes.InvalidArgument, "Maximum device size %d bytes is smaller than the current device size %d bytes", maxDeviceSizeBytes, deviceSizeBytes)
	}
	if maxDeviceSizeBytes > math.MaxInt64 {
		return Layout{}, status.Errorf(codes.InvalidArgument, "Maximum device size %d bytes exceeds the addressable range", maxDeviceSizeBytes)
	}

	// Size the allocation table for the maximum device size. Growing
	// the table itself would move the metadata copies and thereby
	// relocate every data slice, so the reservation has to be made
	// up front. The slice count and table size depend on each other,
	// which is resolved by iterating downwards until they agree.
	pSliceCapacity := maxDeviceSizeBytes / sliceSizeBytes
	var allocationTableSizeBytes uint64
	for {
		allocationTableSizeBytes = alignUp((pSliceCapacity+1)*sliceEntrySizeBytes, blockSizeBytes)
		dataStart := 2 * (blockSizeBytes + PartitionTableSizeBytes + allocationTableSizeBytes)
		var usable uint64
		if dataStart < maxDeviceSizeBytes {
			usable = (maxDeviceSizeBytes - dataStart) / sliceSizeBytes
		}
		if usable >= pSliceCapacity {
			break
		}
		pSliceCapacity = usable
	}
	if pSliceCapacity == 0 {
		return Layout{}, status.Errorf(codes.InvalidArgument, "Device of %d bytes is too small to hold two metadata copies and at least one slice of %d bytes", deviceSizeBytes, sliceSizeBytes)
	}

	l := Layout{
		BlockSizeBytes:           blockSizeBytes,
		SliceSizeBytes:           sliceSizeBytes,
		AllocationTableSizeBytes: allocationTableSizeBytes,
	}
	pSliceCount := pSliceCapacity
	if current := (deviceSizeBytes - l.DataStartBytes()) / sliceSizeBytes; deviceSizeBytes > l.DataStartBytes() && current < pSliceCount {
		pSliceCount = current
	}
	if deviceSizeBytes <= l.DataStartBytes() || pSliceCount == 0 {
		return Layout{}, status.Errorf(codes.InvalidArgument, "Device of %d bytes is too small to hold two metadata copies and at least one slice of %d bytes", deviceSizeBytes, sliceSizeBytes)
	}
	l.PSliceCount = pSliceCount
	l.DeviceSizeBytes = l.DataStartBytes() + pSliceCount*sliceSizeBytes
	return l, nil
}

// NewLayoutFromHeader reconstructs the geometry of an already
// formatted device from a decoded header. All structural properties
// that later offset computations depend on are validated here, so
// that corrupted size fields cannot cause out of range device access.
func NewLayoutFromHeader(hdr *Header, blockSizeBytes, actualDeviceSizeBytes uint64) (Layout, error) {
	if hdr.SliceSizeBytes == 0 || hdr.SliceSizeBytes%blockSizeBytes != 0 {
		return Layout{}, status.Errorf(codes.FailedPrecondition, "Slice size %d bytes is not a positive multiple of the block size %d bytes", hdr.SliceSizeBytes, blockSizeBytes)
	}
	if hdr.PartitionTableSizeBytes != PartitionTableSizeBytes {
		return Layout{}, status.Errorf(codes.FailedPrecondition, "Partition table size %d bytes does not match the expected %d bytes", hdr.PartitionTableSizeBytes, PartitionTableSizeBytes)
	}
	if hdr.AllocationTableSizeBytes == 0 ||
		hdr.AllocationTableSizeBytes%blockSizeBytes != 0 ||
		hdr.AllocationTableSizeBytes > math.MaxInt64 {
		return Layout{}, status.Errorf(codes.FailedPrecondition, "Allocation table size %d bytes is not a positive multiple of the block size %d bytes", hdr.AllocationTableSizeBytes, blockSizeBytes)
	}
	l := Layout{
		BlockSizeBytes:           blockSizeBytes,
		SliceSizeBytes:           hdr.SliceSizeBytes,
		PSliceCount:              hdr.PSliceCount,
		AllocationTableSizeBytes: hdr.AllocationTableSizeBytes,
		DeviceSizeBytes:          hdr.DeviceSizeBytes,
	}
	if hdr.PSliceCount > l.AllocationTableCapacity() {
		return Layout{}, status.Errorf(codes.FailedPrecondition, "Physical slice count %d exceeds the allocation table capacity %d", hdr.PSliceCount, l.AllocationTableCapacity())
	}
	if hdr.PSliceCount == 0 ||
		hdr.PSliceCount > (math.MaxInt64-l.DataStartBytes())/l.SliceSizeBytes ||
		l.DataStartBytes()+hdr.PSliceCount*l.SliceSizeBytes > hdr.DeviceSizeBytes {
		return Layout{}, status.Errorf(codes.FailedPrecondition, "Physical slice count %d does not fit in a device of %d bytes", hdr.PSliceCount, hdr.DeviceSizeBytes)
	}
	if hdr.DeviceSizeBytes > actualDeviceSizeBytes {
		return Layout{}, status.Errorf(codes.FailedPrecondition, "Device has shrunk from %d bytes to %d bytes since it was formatted", hdr.DeviceSizeBytes, actualDeviceSizeBytes)
	}
	return l, nil
}

// MetadataImageSizeBytes returns the size of a single metadata copy:
// one header block followed by the partition and allocation tables.
func (l *Layout) MetadataImageSizeBytes() uint64 {
	return l.BlockSizeBytes + PartitionTableSizeBytes + l.AllocationTableSizeBytes
}

// CopyOffsetBytes returns the device offset at which a metadata copy
// is stored.
func (l *Layout) CopyOffsetBytes(c MetadataCopy) int64 {
	return int64(c) * int64(l.MetadataImageSizeBytes())
}

// DataStartBytes returns the device offset of the first physical
// slice, directly after the second metadata copy.
func (l *Layout) DataStartBytes() uint64 {
	return 2 * l.MetadataImageSizeBytes()
}

// PSliceOffsetBytes returns the device offset of a physical slice.
// Physical slices are numbered starting at one.
func (l *Layout) PSliceOffsetBytes(pSlice uint64) int64 {
	if pSlice == 0 || pSlice > l.PSliceCount {
		panic("attempted to compute the offset of a nonexistent physical slice")
	}
	return int64(l.DataStartBytes() + (pSlice-1)*l.SliceSizeBytes)
}

// AllocationTableCapacity returns the highest physical slice number
// for which the allocation table has room. This may exceed PSliceCount
// when the table was sized for a larger maximum device size, or when
// alignment to the block size left spare entries.
func (l *Layout) AllocationTableCapacity() uint64 {
	return l.AllocationTableSizeBytes/sliceEntrySizeBytes - 1
}

// Offsets of table entries within a metadata image.

func (l *Layout) partitionEntryOffset(slot uint32) uint64 {
	return l.BlockSizeBytes + uint64(slot)*partitionEntrySizeBytes
}

func (l *Layout) sliceEntryOffset(pSlice uint64) uint64 {
	return l.BlockSizeBytes + PartitionTableSizeBytes + pSlice*sliceEntrySizeBytes
}

// GrowToDeviceSize returns an updated layout for a device that has
// been enlarged since it was formatted. The allocation table cannot
// move, so additional slices are only addressable up to the capacity
// reserved when the device was formatted. The boolean return value
// indicates whether the layout changed.
func (l *Layout) GrowToDeviceSize(actualDeviceSizeBytes uint64) (Layout, bool) {
	if actualDeviceSizeBytes > math.MaxInt64 {
		actualDeviceSizeBytes = math.MaxInt64
	}
	pSliceCount := (actualDeviceSizeBytes - l.DataStartBytes()) / l.SliceSizeBytes
	if pSliceCount > l.AllocationTableCapacity() {
		pSliceCount = l.AllocationTableCapacity()
	}
	if pSliceCount <= l.PSliceCount {
		return *l, false
	}
	grown := *l
	grown.PSliceCount = pSliceCount
	grown.DeviceSizeBytes = grown.DataStartBytes() + pSliceCount*grown.SliceSizeBytes
	return grown, true
}

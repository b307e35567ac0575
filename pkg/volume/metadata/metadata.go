package metadata

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PartitionFlagInactive marks a partition entry as not eligible for
// exposure by the device layer. The flag is toggled by
// VolumeManager.Activate to switch between two instances of a
// partition atomically.
const PartitionFlagInactive uint32 = 1 << 0

// PartitionEntry is a single slot in the partition table. A slot is in
// use if its slice count is positive. Slot zero is reserved, so that a
// zero owner field in the allocation table marks a free slice.
type PartitionEntry struct {
	TypeGUID     uuid.UUID
	InstanceGUID uuid.UUID
	SliceCount   uint32
	Flags        uint32
	Name         string
}

// IsAllocated returns whether the slot is in use.
func (e *PartitionEntry) IsAllocated() bool {
	return e.SliceCount > 0
}

// IsActive returns whether the partition should be exposed by the
// device layer.
func (e *PartitionEntry) IsActive() bool {
	return e.Flags&PartitionFlagInactive == 0
}

func (e *PartitionEntry) encode(b []byte) {
	copy(b[partitionEntryOffsetTypeGUID:], e.TypeGUID[:])
	copy(b[partitionEntryOffsetInstanceGUID:], e.InstanceGUID[:])
	binary.LittleEndian.PutUint32(b[partitionEntryOffsetSliceCount:], e.SliceCount)
	binary.LittleEndian.PutUint32(b[partitionEntryOffsetFlags:], e.Flags)
	copy(b[partitionEntryOffsetName:partitionEntryOffsetName+MaxPartitionNameLength], e.Name)
}

func decodePartitionEntry(b []byte) PartitionEntry {
	var e PartitionEntry
	copy(e.TypeGUID[:], b[partitionEntryOffsetTypeGUID:])
	copy(e.InstanceGUID[:], b[partitionEntryOffsetInstanceGUID:])
	e.SliceCount = binary.LittleEndian.Uint32(b[partitionEntryOffsetSliceCount:])
	e.Flags = binary.LittleEndian.Uint32(b[partitionEntryOffsetFlags:])
	name := b[partitionEntryOffsetName : partitionEntryOffsetName+MaxPartitionNameLength]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	e.Name = string(name)
	return e
}

// SliceEntry is a single slot in the allocation table, assigning a
// physical slice to a virtual slice of a partition. A zero owner marks
// the physical slice as free.
type SliceEntry struct {
	Owner  uint32
	VSlice uint64
}

// IsAllocated returns whether the physical slice is assigned to a
// partition.
func (e SliceEntry) IsAllocated() bool {
	return e.Owner != 0
}

// Slice entries are packed into 64 bits on disk: the owning partition
// slot in bits [0, 16), the virtual slice number in bits [16, 56), and
// the remaining bits reserved as zero.
func (e SliceEntry) pack() uint64 {
	return uint64(e.Owner) | e.VSlice<<16
}

func unpackSliceEntry(v uint64) SliceEntry {
	return SliceEntry{
		Owner:  uint32(v & 0xffff),
		VSlice: (v >> 16) & (MaxVSliceCount - 1),
	}
}

// Header holds the fields stored in the first block of a metadata
// copy.
type Header struct {
	Generation               uint64
	Hash                     [sha256.Size]byte
	SliceSizeBytes           uint64
	PSliceCount              uint64
	PartitionTableSizeBytes  uint64
	AllocationTableSizeBytes uint64
	DeviceSizeBytes          uint64
}

// DecodeHeaderBlock extracts the header fields from the first block of
// a metadata copy. The magic number and format version are checked
// here; all other validation is performed by NewLayoutFromHeader and
// ValidateImage.
func DecodeHeaderBlock(b []byte) (Header, error) {
	if len(b) < headerSizeBytes {
		return Header{}, status.Errorf(codes.FailedPrecondition, "Header block of %d bytes is too small to hold a %d byte header", len(b), headerSizeBytes)
	}
	if magic := binary.LittleEndian.Uint64(b[headerOffsetMagic:]); magic != MagicNumber {
		return Header{}, status.Errorf(codes.FailedPrecondition, "Magic number 0x%016x does not match the expected 0x%016x; device does not contain a volume", magic, MagicNumber)
	}
	if version := binary.LittleEndian.Uint64(b[headerOffsetVersion:]); version != FormatVersion {
		return Header{}, status.Errorf(codes.FailedPrecondition, "Format version %d is not supported by this implementation", version)
	}
	hdr := Header{
		Generation:               binary.LittleEndian.Uint64(b[headerOffsetGeneration:]),
		SliceSizeBytes:           binary.LittleEndian.Uint64(b[headerOffsetSliceSize:]),
		PSliceCount:              binary.LittleEndian.Uint64(b[headerOffsetPSliceCount:]),
		PartitionTableSizeBytes:  binary.LittleEndian.Uint64(b[headerOffsetPartitionTableSize:]),
		AllocationTableSizeBytes: binary.LittleEndian.Uint64(b[headerOffsetAllocationTable:]),
		DeviceSizeBytes:          binary.LittleEndian.Uint64(b[headerOffsetDeviceSize:]),
	}
	copy(hdr.Hash[:], b[headerOffsetHash:])
	return hdr, nil
}

// computeImageHash hashes a full metadata image, treating the header's
// hash field as zero.
func computeImageHash(image []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(image[:headerOffsetHash])
	var zero [sha256.Size]byte
	h.Write(zero[:])
	h.Write(image[headerOffsetHash+sha256.Size:])
	var digest [sha256.Size]byte
	h.Sum(digest[:0])
	return digest
}

// ValidateImage checks that a metadata image is intact: correct magic
// number and version, geometry matching the layout the image was read
// with, and a matching integrity hash. The decoded header is returned,
// whose generation number decides which of two valid copies is the
// current one. The physical slice count is allowed to differ from the
// layout's, as the copies briefly disagree on it after the device has
// grown.
func ValidateImage(image []byte, l *Layout) (Header, error) {
	if uint64(len(image)) != l.MetadataImageSizeBytes() {
		panic("Attempted to validate a metadata image whose size does not match the layout")
	}
	hdr, err := DecodeHeaderBlock(image)
	if err != nil {
		return Header{}, err
	}
	if hdr.SliceSizeBytes != l.SliceSizeBytes ||
		hdr.PartitionTableSizeBytes != PartitionTableSizeBytes ||
		hdr.AllocationTableSizeBytes != l.AllocationTableSizeBytes {
		return Header{}, status.Error(codes.FailedPrecondition, "Header geometry does not match that of the first header block")
	}
	if hdr.PSliceCount > l.AllocationTableCapacity() {
		return Header{}, status.Errorf(codes.FailedPrecondition, "Physical slice count %d exceeds the allocation table capacity %d", hdr.PSliceCount, l.AllocationTableCapacity())
	}
	if hash := computeImageHash(image); hash != hdr.Hash {
		return Header{}, status.Errorf(codes.DataLoss, "Hash %x does not match the expected %x", hash, hdr.Hash)
	}
	return hdr, nil
}

// Metadata is the owned in-memory representation of the volume's
// metadata. All mutations are applied here first and written back to
// the device as a whole through Store.Persist.
type Metadata struct {
	Layout     Layout
	Generation uint64
	Partitions [MaxPartitionCount]PartitionEntry
	// Slices is indexed by physical slice number, with index zero
	// unused.
	Slices []SliceEntry
}

// NewMetadata creates the metadata of a freshly formatted volume, with
// no partitions and all physical slices free.
func NewMetadata(l Layout) *Metadata {
	return &Metadata{
		Layout:     l,
		Generation: 1,
		Slices:     make([]SliceEntry, l.PSliceCount+1),
	}
}

// DecodeImage parses a full metadata image into its in-memory
// representation. The provided layout must be the one derived from the
// image's own header.
func DecodeImage(image []byte, l Layout) (*Metadata, error) {
	hdr, err := ValidateImage(image, &l)
	if err != nil {
		return nil, err
	}
	if hdr.PSliceCount != l.PSliceCount {
		return nil, status.Errorf(codes.FailedPrecondition, "Physical slice count %d does not match the layout's %d", hdr.PSliceCount, l.PSliceCount)
	}
	m := &Metadata{
		Layout:     l,
		Generation: hdr.Generation,
		Slices:     make([]SliceEntry, l.PSliceCount+1),
	}
	for slot := uint32(1); slot < MaxPartitionCount; slot++ {
		m.Partitions[slot] = decodePartitionEntry(image[l.partitionEntryOffset(slot):])
	}
	for p := uint64(1); p <= l.PSliceCount; p++ {
		e := unpackSliceEntry(binary.LittleEndian.Uint64(image[l.sliceEntryOffset(p):]))
		if e.Owner >= MaxPartitionCount {
			return nil, status.Errorf(codes.FailedPrecondition, "Physical slice %d is assigned to invalid partition slot %d", p, e.Owner)
		}
		m.Slices[p] = e
	}
	return m, nil
}

// EncodeImage serializes the metadata into a fresh image with the
// integrity hash stamped into the header. The same image may be
// written to either copy location.
func (m *Metadata) EncodeImage() []byte {
	l := &m.Layout
	image := make([]byte, l.MetadataImageSizeBytes())
	binary.LittleEndian.PutUint64(image[headerOffsetMagic:], MagicNumber)
	binary.LittleEndian.PutUint64(image[headerOffsetVersion:], FormatVersion)
	binary.LittleEndian.PutUint64(image[headerOffsetGeneration:], m.Generation)
	binary.LittleEndian.PutUint64(image[headerOffsetSliceSize:], l.SliceSizeBytes)
	binary.LittleEndian.PutUint64(image[headerOffsetPSliceCount:], l.PSliceCount)
	binary.LittleEndian.PutUint64(image[headerOffsetPartitionTableSize:], PartitionTableSizeBytes)
	binary.LittleEndian.PutUint64(image[headerOffsetAllocationTable:], l.AllocationTableSizeBytes)
	binary.LittleEndian.PutUint64(image[headerOffsetDeviceSize:], l.DeviceSizeBytes)
	for slot := uint32(1); slot < MaxPartitionCount; slot++ {
		m.Partitions[slot].encode(image[l.partitionEntryOffset(slot):])
	}
	for p := uint64(1); p <= l.PSliceCount; p++ {
		binary.LittleEndian.PutUint64(image[l.sliceEntryOffset(p):], m.Slices[p].pack())
	}
	hash := computeImageHash(image)
	copy(image[headerOffsetHash:], hash[:])
	return image
}

// FindFreePartitionSlot returns the lowest numbered free slot in the
// partition table.
func (m *Metadata) FindFreePartitionSlot() (uint32, error) {
	for slot := uint32(1); slot < MaxPartitionCount; slot++ {
		if !m.Partitions[slot].IsAllocated() {
			return slot, nil
		}
	}
	return 0, status.Error(codes.ResourceExhausted, "No free partition slots available")
}

// FindFreeSlice returns a free physical slice, preferring the lowest
// free slice at or above the hint and wrapping around to the start of
// the allocation table when that region is fully in use.
func (m *Metadata) FindFreeSlice(hint uint64) (uint64, error) {
	if hint < 1 || hint > m.Layout.PSliceCount {
		hint = 1
	}
	for p := hint; p <= m.Layout.PSliceCount; p++ {
		if !m.Slices[p].IsAllocated() {
			return p, nil
		}
	}
	for p := uint64(1); p < hint; p++ {
		if !m.Slices[p].IsAllocated() {
			return p, nil
		}
	}
	return 0, status.Error(codes.ResourceExhausted, "No free slices available")
}

// AllocateSlice assigns a free physical slice to a virtual slice of a
// partition and increments the partition's slice count.
func (m *Metadata) AllocateSlice(pSlice uint64, owner uint32, vSlice uint64) {
	if owner == 0 || owner >= MaxPartitionCount {
		panic("Attempted to allocate a slice for an invalid partition slot")
	}
	if vSlice >= MaxVSliceCount {
		panic("Attempted to allocate a slice with an out of range virtual slice number")
	}
	e := &m.Slices[pSlice]
	if e.IsAllocated() {
		panic("Attempted to allocate a slice that is already in use")
	}
	*e = SliceEntry{Owner: owner, VSlice: vSlice}
	m.Partitions[owner].SliceCount++
}

// FreeSlice releases a physical slice and decrements the owning
// partition's slice count.
func (m *Metadata) FreeSlice(pSlice uint64) {
	e := &m.Slices[pSlice]
	if !e.IsAllocated() {
		panic("Attempted to free a slice that is not in use")
	}
	m.Partitions[e.Owner].SliceCount--
	*e = SliceEntry{}
}

// ClearPartitionSlot wipes a partition entry whose slices have all
// been freed, making the slot available for reuse.
func (m *Metadata) ClearPartitionSlot(slot uint32) {
	if m.Partitions[slot].SliceCount != 0 {
		panic("Attempted to clear a partition slot that still owns slices")
	}
	m.Partitions[slot] = PartitionEntry{}
}

// GrowToLayout extends the allocation table to that of a layout
// recomputed for an enlarged device.
func (m *Metadata) GrowToLayout(l Layout) {
	if l.PSliceCount < m.Layout.PSliceCount {
		panic("Attempted to grow metadata to a layout with fewer slices")
	}
	slices := make([]SliceEntry, l.PSliceCount+1)
	copy(slices, m.Slices)
	m.Slices = slices
	m.Layout = l
}

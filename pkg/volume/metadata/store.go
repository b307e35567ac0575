package metadata

import (
	"context"
	"io"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sync/errgroup"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store reads and writes the two redundant metadata copies at the
// start of a block device. Writes alternate between the copies, so
// that a crash in the middle of a write always leaves the previously
// synchronized copy intact.
type Store struct {
	device          blockdevice.BlockDevice
	blockSizeBytes  uint64
	deviceSizeBytes uint64

	layout     Layout
	activeCopy MetadataCopy
}

// NewStore creates a store on top of a block device. The sector size
// and count arguments match the values returned when opening the
// device. The device's contents are not touched until Load or Format
// is called.
func NewStore(device blockdevice.BlockDevice, sectorSizeBytes int, sectorCount int64) *Store {
	return &Store{
		device:          device,
		blockSizeBytes:  uint64(sectorSizeBytes),
		deviceSizeBytes: uint64(sectorSizeBytes) * uint64(sectorCount),
	}
}

// Layout returns the geometry of the volume. It may only be called
// after a successful Load or Format.
func (s *Store) Layout() Layout {
	return s.layout
}

func (s *Store) readImage(sizeBytes uint64, offsetBytes int64) ([]byte, error) {
	image := make([]byte, sizeBytes)
	if n, err := s.device.ReadAt(image, offsetBytes); err != nil && err != io.EOF {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to read from block device")
	} else if n != len(image) {
		return nil, status.Errorf(codes.Internal, "Read against block device returned %d bytes, while %d bytes were expected", n, len(image))
	}
	return image, nil
}

func (s *Store) writeImage(image []byte, offsetBytes int64) error {
	if _, err := s.device.WriteAt(image, offsetBytes); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to write to block device")
	}
	return nil
}

// Format initializes the device with an empty volume: a header, an
// empty partition table and an all-free allocation table, written to
// both metadata copies. The allocation table reserves room for growth
// up to maxDeviceSizeBytes, or for the current device size only when
// zero.
func (s *Store) Format(sliceSizeBytes, maxDeviceSizeBytes uint64) (*Metadata, error) {
	l, err := NewLayoutForDevice(s.blockSizeBytes, sliceSizeBytes, s.deviceSizeBytes, maxDeviceSizeBytes)
	if err != nil {
		return nil, err
	}
	m := NewMetadata(l)
	image := m.EncodeImage()
	for _, c := range []MetadataCopy{MetadataCopyA, MetadataCopyB} {
		if err := s.writeImage(image, l.CopyOffsetBytes(c)); err != nil {
			return nil, util.StatusWrapf(err, "Failed to write metadata copy %s", c)
		}
	}
	if err := s.device.Sync(); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to synchronize block device")
	}
	s.layout = l
	s.activeCopy = MetadataCopyA
	return m, nil
}

// Load reads both metadata copies, validates them, and returns the
// contents of the valid copy with the highest generation number. When
// the underlying device has grown since the metadata was written, the
// allocation table is extended to address the added space and
// persisted once before returning.
func (s *Store) Load(ctx context.Context) (*Metadata, error) {
	// The location and size of both copies follow from the geometry
	// stored in the first header block.
	firstBlock, err := s.readImage(s.blockSizeBytes, 0)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to read first header block")
	}
	firstHdr, err := DecodeHeaderBlock(firstBlock)
	if err != nil {
		return nil, err
	}
	initialLayout, err := NewLayoutFromHeader(&firstHdr, s.blockSizeBytes, s.deviceSizeBytes)
	if err != nil {
		return nil, err
	}

	var images [2][]byte
	group, _ := errgroup.WithContext(ctx)
	for _, c := range []MetadataCopy{MetadataCopyA, MetadataCopyB} {
		group.Go(func() error {
			image, err := s.readImage(initialLayout.MetadataImageSizeBytes(), initialLayout.CopyOffsetBytes(c))
			if err != nil {
				return util.StatusWrapf(err, "Failed to read metadata copy %s", c)
			}
			images[c] = image
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	// Pick the valid copy with the highest generation number,
	// preferring copy A on a tie. A crash during a previous Persist
	// leaves at most one copy invalid, which is skipped here.
	chosen := MetadataCopy(-1)
	var chosenHdr Header
	var validationErrors [2]error
	for _, c := range []MetadataCopy{MetadataCopyA, MetadataCopyB} {
		hdr, err := ValidateImage(images[c], &initialLayout)
		if err != nil {
			validationErrors[c] = err
			continue
		}
		if chosen < 0 || hdr.Generation > chosenHdr.Generation {
			chosen, chosenHdr = c, hdr
		}
	}
	if chosen < 0 {
		return nil, status.Errorf(
			codes.DataLoss,
			"Neither metadata copy is valid: copy A: %s; copy B: %s",
			status.Convert(validationErrors[MetadataCopyA]).Message(),
			status.Convert(validationErrors[MetadataCopyB]).Message())
	}

	finalLayout, err := NewLayoutFromHeader(&chosenHdr, s.blockSizeBytes, s.deviceSizeBytes)
	if err != nil {
		return nil, util.StatusWrapf(err, "Metadata copy %s is not usable", chosen)
	}
	m, err := DecodeImage(images[chosen], finalLayout)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to decode metadata copy %s", chosen)
	}
	s.layout = finalLayout
	s.activeCopy = chosen

	if grown, ok := finalLayout.GrowToDeviceSize(s.deviceSizeBytes); ok {
		m.GrowToLayout(grown)
		if err := s.Persist(m); err != nil {
			return nil, util.StatusWrap(err, "Failed to persist metadata after growing to the current device size")
		}
	}
	return m, nil
}

// Persist writes the metadata to the device, overwriting the copy that
// is currently not active. The generation number is incremented, so
// that the new image takes precedence on the next load. Only after the
// write has been synchronized to stable storage does the new copy
// become the active one. On failure the previously persisted state
// remains authoritative and the in-memory generation number is
// restored, allowing the caller to roll back and retry.
func (s *Store) Persist(m *Metadata) error {
	target := s.activeCopy.Other()
	m.Generation++
	image := m.EncodeImage()
	if err := s.writeImage(image, m.Layout.CopyOffsetBytes(target)); err != nil {
		m.Generation--
		return util.StatusWrapf(err, "Failed to write metadata copy %s", target)
	}
	if err := s.device.Sync(); err != nil {
		m.Generation--
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to synchronize metadata copy %s", target)
	}
	s.activeCopy = target
	s.layout = m.Layout
	return nil
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/program"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/buildbarn/bb-volume-manager/pkg/volume"
	"github.com/buildbarn/bb-volume-manager/pkg/volume/metadata"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		devicePath := pflag.String("device", "", "Path of the block device or image file holding the volume")
		deviceSizeBytes := pflag.Int("device-size", 0, "Size in bytes of the image file, required when -device refers to a regular file")
		sliceSizeBytes := pflag.Uint64("slice-size", 1<<20, "Size in bytes of a single slice, used by \"format\"")
		maxDeviceSizeBytes := pflag.Uint64("max-device-size", 0, "Device size in bytes for which \"format\" reserves allocation table space, allowing the volume to grow in place later on")
		ioConcurrency := pflag.Int("io-concurrency", 16, "Maximum number of operations issued against the block device in parallel")
		listenAddress := pflag.String("listen-address", ":7982", "Address on which to serve the web interface and Prometheus metrics")
		pflag.Parse()

		args := pflag.Args()
		if len(args) != 1 {
			return status.Error(codes.InvalidArgument, "Usage: bb_volume_manager [flags] format|inspect|serve")
		}
		if *devicePath == "" {
			return status.Error(codes.InvalidArgument, "No block device provided through -device")
		}
		device, sectorSizeBytes, sectorCount, err := openBlockDevice(*devicePath, *deviceSizeBytes)
		if err != nil {
			return util.StatusWrapf(err, "Failed to open block device %#v", *devicePath)
		}
		store := metadata.NewStore(device, sectorSizeBytes, sectorCount)

		switch verb := args[0]; verb {
		case "format":
			return runFormat(store, *sliceSizeBytes, *maxDeviceSizeBytes)
		case "inspect":
			return runInspect(ctx, store)
		case "serve":
			return runServe(ctx, device, store, *ioConcurrency, *listenAddress)
		default:
			return status.Errorf(codes.InvalidArgument, "Unknown command %#v", verb)
		}
	})
}

// openBlockDevice opens the device node or image file backing the
// volume. Image files need an explicit size, as it cannot be derived
// from the file when it still has to be created.
func openBlockDevice(path string, sizeBytes int) (blockdevice.BlockDevice, int, int64, error) {
	if sizeBytes > 0 {
		return blockdevice.NewBlockDeviceFromFile(path, sizeBytes, true)
	}
	return blockdevice.NewBlockDeviceFromDevice(path)
}

func runFormat(store *metadata.Store, sliceSizeBytes, maxDeviceSizeBytes uint64) error {
	m, err := store.Format(sliceSizeBytes, maxDeviceSizeBytes)
	if err != nil {
		return util.StatusWrap(err, "Failed to format volume")
	}
	l := m.Layout
	log.Printf("Formatted volume with %d slices of %d bytes, with data starting at byte %d", l.PSliceCount, l.SliceSizeBytes, l.DataStartBytes())
	return nil
}

func runInspect(ctx context.Context, store *metadata.Store) error {
	m, err := store.Load(ctx)
	if err != nil {
		return util.StatusWrap(err, "Failed to load volume")
	}
	l := m.Layout
	allocatedSlices := uint64(0)
	for pSlice := uint64(1); pSlice <= l.PSliceCount; pSlice++ {
		if m.Slices[pSlice].IsAllocated() {
			allocatedSlices++
		}
	}
	fmt.Printf("Generation:      %d\n", m.Generation)
	fmt.Printf("Block size:      %d bytes\n", l.BlockSizeBytes)
	fmt.Printf("Slice size:      %d bytes\n", l.SliceSizeBytes)
	fmt.Printf("Physical slices: %d of %d in use\n", allocatedSlices, l.PSliceCount)
	fmt.Printf("Device size:     %d bytes, with data starting at byte %d\n", l.DeviceSizeBytes, l.DataStartBytes())
	fmt.Printf("Partitions:\n")
	for slot := uint32(1); slot < metadata.MaxPartitionCount; slot++ {
		e := &m.Partitions[slot]
		if !e.IsAllocated() {
			continue
		}
		state := "active"
		if !e.IsActive() {
			state = "inactive"
		}
		fmt.Printf("%6d  %-24s  %8d slices  %-8s  type %s  instance %s\n", slot, e.Name, e.SliceCount, state, e.TypeGUID, e.InstanceGUID)
	}
	return nil
}

func runServe(ctx context.Context, device blockdevice.BlockDevice, store *metadata.Store, ioConcurrency int, listenAddress string) error {
	deviceQueue := volume.NewMetricsDeviceQueue(
		volume.NewTracingDeviceQueue(
			volume.NewBlockDeviceQueue(device, ioConcurrency),
			otel.GetTracerProvider()),
		clock.SystemClock)
	volumeManager := volume.NewVolumeManager(
		store,
		deviceQueue,
		loggingPartitionRemover{},
		util.DefaultErrorLogger,
		uuid.NewRandom)
	if err := volumeManager.Load(ctx); err != nil {
		return util.StatusWrap(err, "Failed to load volume")
	}

	// Web server for the volume state and Prometheus metrics.
	router := mux.NewRouter()
	newVolumeStateService(volumeManager, clock.SystemClock, router)
	router.Handle("/metrics", promhttp.Handler())
	return util.StatusWrapWithCode(http.ListenAndServe(listenAddress, router), codes.Internal, "Failed to serve web interface")
}

// loggingPartitionRemover is notified when destroyed partitions have
// gone idle. This server exposes partitions through the web interface
// only, leaving no per partition surface that needs tearing down.
type loggingPartitionRemover struct{}

func (loggingPartitionRemover) RemovePartition(p *volume.Partition) error {
	log.Printf("Partition %#v at slot %d has been removed", p.Name(), p.Slot())
	return nil
}

package volume_test

import (
	"io"
	"testing"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/buildbarn/bb-volume-manager/internal/mock"
	"github.com/buildbarn/bb-volume-manager/pkg/volume"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.uber.org/mock/gomock"
)

func TestBlockDeviceQueue(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mock.NewMockBlockDevice(ctrl)
	deviceQueue := volume.NewBlockDeviceQueue(device, 2)

	// Completions arrive on a worker goroutine, so the test has to
	// wait for them explicitly.
	queue := func(op *volume.Operation) error {
		completions := make(chan error, 1)
		deviceQueue.Queue(op, func(err error) {
			completions <- err
		})
		return <-completions
	}

	t.Run("ReadSuccess", func(t *testing.T) {
		device.EXPECT().ReadAt(gomock.Len(8), int64(1024)).DoAndReturn(
			func(p []byte, off int64) (int, error) {
				copy(p, "Hello, w")
				return 8, nil
			})

		buf := make([]byte, 8)
		require.NoError(t, queue(&volume.Operation{
			Kind:              volume.OperationRead,
			Data:              buf,
			DeviceOffsetBytes: 1024,
		}))
		require.Equal(t, []byte("Hello, w"), buf)
	})

	t.Run("ReadShort", func(t *testing.T) {
		device.EXPECT().ReadAt(gomock.Len(8), int64(1024)).Return(4, io.EOF)

		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Internal, "Read against block device returned 4 bytes, while 8 bytes were expected"),
			queue(&volume.Operation{
				Kind:              volume.OperationRead,
				Data:              make([]byte, 8),
				DeviceOffsetBytes: 1024,
			}))
	})

	t.Run("ReadFailure", func(t *testing.T) {
		device.EXPECT().ReadAt(gomock.Len(8), int64(1024)).Return(0, status.Error(codes.Internal, "Disk on fire"))

		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Internal, "Failed to read from block device: Disk on fire"),
			queue(&volume.Operation{
				Kind:              volume.OperationRead,
				Data:              make([]byte, 8),
				DeviceOffsetBytes: 1024,
			}))
	})

	t.Run("WriteSuccess", func(t *testing.T) {
		device.EXPECT().WriteAt([]byte("Hello"), int64(2048)).Return(5, nil)

		require.NoError(t, queue(&volume.Operation{
			Kind:              volume.OperationWrite,
			Data:              []byte("Hello"),
			DeviceOffsetBytes: 2048,
		}))
	})

	t.Run("WriteFailure", func(t *testing.T) {
		device.EXPECT().WriteAt([]byte("Hello"), int64(2048)).Return(0, status.Error(codes.Internal, "Disk on fire"))

		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Internal, "Failed to write to block device: Disk on fire"),
			queue(&volume.Operation{
				Kind:              volume.OperationWrite,
				Data:              []byte("Hello"),
				DeviceOffsetBytes: 2048,
			}))
	})

	t.Run("FlushSuccess", func(t *testing.T) {
		device.EXPECT().Sync()

		require.NoError(t, queue(&volume.Operation{Kind: volume.OperationFlush}))
	})

	t.Run("FlushFailure", func(t *testing.T) {
		device.EXPECT().Sync().Return(status.Error(codes.Internal, "Disk on fire"))

		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Internal, "Failed to synchronize block device: Disk on fire"),
			queue(&volume.Operation{Kind: volume.OperationFlush}))
	})
}

func TestMetricsDeviceQueue(t *testing.T) {
	ctrl := gomock.NewController(t)

	base := mock.NewMockDeviceQueue(ctrl)
	deviceQueue := volume.NewMetricsDeviceQueue(base, clock.SystemClock)

	// The decorator only observes operations; the operation and its
	// completion must pass through unaltered.
	op := &volume.Operation{
		Kind:              volume.OperationWrite,
		Data:              []byte("Hello"),
		DeviceOffsetBytes: 123,
	}
	base.EXPECT().Queue(op, gomock.Any()).Do(
		func(op *volume.Operation, complete func(error)) {
			complete(status.Error(codes.Internal, "Disk on fire"))
		})

	completions := 0
	var observedErr error
	deviceQueue.Queue(op, func(err error) {
		completions++
		observedErr = err
	})
	require.Equal(t, 1, completions)
	testutil.RequireEqualStatus(t, status.Error(codes.Internal, "Disk on fire"), observedErr)
}

package volume

// PartitionRemover is notified when a destroyed partition no longer
// has any operations in flight, meaning it is safe to tear down
// whatever external surface (device node, RPC service) was backing it.
//
// The notification may be raised from an I/O completion callback, so
// implementations must not block. Errors are reported through the
// VolumeManager's error logger.
type PartitionRemover interface {
	RemovePartition(partition *Partition) error
}

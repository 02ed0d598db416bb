package blksnap

import "github.com/arsaki/blksnap/internal/constants"

// Re-exported sizing constants, so callers configuring an Engine don't need
// to import internal/constants directly.
const (
	SectorSize                       = constants.SectorSize
	DefaultChunkSizeSectors          = constants.DefaultChunkSizeSectors
	DefaultBufferPoolCapacityBytes   = constants.DefaultBufferPoolCapacityBytes
	DefaultDiffStorageMinimumSectors = constants.DefaultDiffStorageMinimumSectors
	MaxSnapNumber                    = constants.MaxSnapNumber
	EventQueueCapacity               = constants.EventQueueCapacity
)

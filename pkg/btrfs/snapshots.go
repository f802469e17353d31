package btrfs

import (
	"time"
)

type SubvolumeInfo struct {
	ID         int64
	Gen        int64
	Path       string
	UUID       string
	ParentUUID string
	IsReadonly bool
	CreatedAt  time.Time
}

// Inspect reads the root item of the subvolume at path using ioctl.
// It works regardless of the configured backend.
func Inspect(path string) (*SubvolumeInfo, error) {
	data, err := lookupRootItem(path)
	if err != nil {
		return nil, err
	}

	return &SubvolumeInfo{
		ID:         int64(data.ID),
		Gen:        int64(data.Generation),
		Path:       path,
		UUID:       data.UUIDString(),
		ParentUUID: data.ParentUUIDString(),
		IsReadonly: data.IsReadonly(),
		CreatedAt:  data.OTime,
	}, nil
}

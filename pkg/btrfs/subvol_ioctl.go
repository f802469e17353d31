package btrfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// btrfs ioctl magic number
const btrfsIoctlMagic = 0x94

// Tree IDs
const (
	RootTreeObjectID = 1
)

// Item key types
const (
	RootItemKey = 132
	RootRefKey  = 156
)

// Special object IDs
const (
	FirstFreeObjectID = 256
)

// Root flags
const (
	RootSubvolReadonly = 1 << 0
)

// Subvolume flags as used by SUBVOL_GETFLAGS / SUBVOL_SETFLAGS
const (
	SubvolFlagReadonly = 1 << 1
)

// Search key structure size
const searchKeySize = 104

// Buffer size for search results
const searchBufSize = 4096 - searchKeySize

// btrfsIoctlSearchKey is the search parameters
type btrfsIoctlSearchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransID  uint64
	MaxTransID  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	_unused     uint32
	_unused1    uint64
	_unused2    uint64
	_unused3    uint64
	_unused4    uint64
}

// btrfsIoctlSearchArgs is the full search ioctl args
type btrfsIoctlSearchArgs struct {
	Key btrfsIoctlSearchKey
	Buf [searchBufSize]byte
}

// btrfsSearchHeader is the header for each search result item
type btrfsSearchHeader struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

// SearchResult holds a single search result
type SearchResult struct {
	Header btrfsSearchHeader
	Data   []byte
}

// BTRFS_INO_LOOKUP_PATH_MAX from kernel headers
const inoLookupPathMax = 4080

// btrfsIoctlInoLookupArgs for BTRFS_IOC_INO_LOOKUP
type btrfsIoctlInoLookupArgs struct {
	TreeID   uint64
	ObjectID uint64
	Name     [inoLookupPathMax]byte
}

var (
	ioctlTreeSearch     = ioctl.IOWR(btrfsIoctlMagic, 17, unsafe.Sizeof(btrfsIoctlSearchArgs{}))
	ioctlInoLookup      = ioctl.IOWR(btrfsIoctlMagic, 18, unsafe.Sizeof(btrfsIoctlInoLookupArgs{}))
	ioctlSync           = ioctl.IO(btrfsIoctlMagic, 8)
	ioctlSubvolGetFlags = ioctl.IOR(btrfsIoctlMagic, 25, unsafe.Sizeof(uint64(0)))
	ioctlSubvolSetFlags = ioctl.IOW(btrfsIoctlMagic, 26, unsafe.Sizeof(uint64(0)))
)

// SubvolumeIoctl contains subvolume info fetched via ioctl
type SubvolumeIoctl struct {
	ID         uint64
	ParentID   uint64 // From the key offset field
	Generation uint64
	Flags      uint64
	UUID       [16]byte
	ParentUUID [16]byte
	OTime      time.Time // Creation time
}

// IsReadonly returns true if the subvolume is read-only
func (s *SubvolumeIoctl) IsReadonly() bool {
	return s.Flags&RootSubvolReadonly != 0
}

// UUIDString returns the UUID as a string
func (s *SubvolumeIoctl) UUIDString() string {
	return formatUUID(s.UUID)
}

// ParentUUIDString returns the parent UUID as a string, or empty if not set
func (s *SubvolumeIoctl) ParentUUIDString() string {
	if isZeroUUID(s.ParentUUID) {
		return ""
	}
	return formatUUID(s.ParentUUID)
}

func isZeroUUID(uuid [16]byte) bool {
	for _, b := range uuid {
		if b != 0 {
			return false
		}
	}
	return true
}

func formatUUID(uuid [16]byte) string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		binary.BigEndian.Uint32(uuid[0:4]),
		binary.BigEndian.Uint16(uuid[4:6]),
		binary.BigEndian.Uint16(uuid[6:8]),
		binary.BigEndian.Uint16(uuid[8:10]),
		uuid[10:16])
}

// inoLookup resolves objectID inside treeID to a path relative to the root
// of that tree. With treeID 0 the kernel fills in the tree of f instead.
func inoLookup(f *os.File, treeID, objectID uint64) (uint64, string, error) {
	args := btrfsIoctlInoLookupArgs{
		TreeID:   treeID,
		ObjectID: objectID,
	}
	if err := ioctl.Do(f, ioctlInoLookup, &args); err != nil {
		return 0, "", fmt.Errorf("INO_LOOKUP ioctl: %w", err)
	}
	name := args.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return args.TreeID, string(name), nil
}

// rootIDOf returns the id of the subvolume containing f.
func rootIDOf(f *os.File) (uint64, error) {
	id, _, err := inoLookup(f, 0, FirstFreeObjectID)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// rootRef is one ROOT_REF item: a subvolume nested inside another.
type rootRef struct {
	ChildID uint64
	DirID   uint64
	Name    string
}

// parseRootRef parses a ROOT_REF item:
// dirid (8 bytes), sequence (8 bytes), name_len (2 bytes), name
func parseRootRef(childID uint64, data []byte) (rootRef, error) {
	if len(data) < 18 {
		return rootRef{}, fmt.Errorf("root ref too small: %d bytes", len(data))
	}
	nameLen := int(binary.LittleEndian.Uint16(data[16:18]))
	if len(data) < 18+nameLen {
		return rootRef{}, fmt.Errorf("root ref name truncated: want %d bytes, have %d", nameLen, len(data)-18)
	}
	return rootRef{
		ChildID: childID,
		DirID:   binary.LittleEndian.Uint64(data[0:8]),
		Name:    string(data[18 : 18+nameLen]),
	}, nil
}

// listChildSubvolumes returns the absolute paths of subvolumes nested
// directly under the subvolume at path.
func listChildSubvolumes(path string) ([]string, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open subvolume: %w", err)
	}
	defer f.Close()

	rootID, err := rootIDOf(f)
	if err != nil {
		return nil, err
	}

	results, err := treeSearch(f, RootTreeObjectID, rootID, rootID, RootRefKey, RootRefKey, 0, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("tree search for root refs: %w", err)
	}

	var children []string
	for _, r := range results {
		if r.Header.Type != RootRefKey || r.Header.ObjectID != rootID {
			continue
		}
		ref, err := parseRootRef(r.Header.Offset, r.Data)
		if err != nil {
			return nil, err
		}

		// Directory of the child inside this subvolume, "" or "a/b/"
		_, dir, err := inoLookup(f, rootID, ref.DirID)
		if err != nil {
			return nil, fmt.Errorf("resolve directory of subvolume %d: %w", ref.ChildID, err)
		}
		children = append(children, filepath.Join(path, dir, ref.Name))
	}

	sort.Strings(children)
	return children, nil
}

// lookupRootItem returns the root item of the subvolume at path.
func lookupRootItem(path string) (*SubvolumeIoctl, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open subvolume: %w", err)
	}
	defer f.Close()

	rootID, err := rootIDOf(f)
	if err != nil {
		return nil, err
	}

	results, err := treeSearch(f, RootTreeObjectID, rootID, rootID, RootItemKey, RootItemKey, 0, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("tree search for root item: %w", err)
	}
	for _, r := range results {
		if r.Header.Type == RootItemKey && r.Header.ObjectID == rootID {
			return parseRootItem(r.Header.ObjectID, r.Header.Offset, r.Data)
		}
	}
	return nil, fmt.Errorf("no root item for subvolume %d at %s", rootID, path)
}

// parseRootItem parses a ROOT_ITEM from the raw data
// Structure offsets based on btrfs on-disk format:
// 0-159: inode_item (160 bytes)
// 160: generation (8)
// 168: root_dirid (8)
// 176: bytenr (8)
// 184: byte_limit (8)
// 192: bytes_used (8)
// 200: last_snapshot (8)
// 208: flags (8)
// 216: refs (4)
// 220: drop_progress (17)
// 237: drop_level (1)
// 238: level (1)
// 239: generation_v2 (8) - only in newer format
// 247: uuid (16)
// 263: parent_uuid (16)
// 279: received_uuid (16)
// 295: ctransid (8)
// 303: otransid (8)
// 311: stransid (8)
// 319: rtransid (8)
// 327: ctime (12)
// 339: otime (12)
// 351: stime (12)
// 363: rtime (12)
func parseRootItem(objectID, offset uint64, data []byte) (*SubvolumeIoctl, error) {
	// Minimum size check - old format was smaller
	if len(data) < 239 {
		return nil, fmt.Errorf("root item too small: %d bytes", len(data))
	}

	subvol := &SubvolumeIoctl{
		ID:         objectID,
		ParentID:   offset,
		Generation: binary.LittleEndian.Uint64(data[160:168]),
		Flags:      binary.LittleEndian.Uint64(data[208:216]),
	}

	// Check if we have the extended format with UUIDs and times
	if len(data) >= 375 {
		copy(subvol.UUID[:], data[247:263])
		copy(subvol.ParentUUID[:], data[263:279])
		subvol.OTime = parseTimespec(data[339:351])
	}

	return subvol, nil
}

// parseTimespec parses a btrfs_timespec (12 bytes: 8 byte seconds + 4 byte nsec)
func parseTimespec(data []byte) time.Time {
	if len(data) < 12 {
		return time.Time{}
	}
	sec := int64(binary.LittleEndian.Uint64(data[0:8]))
	nsec := int64(binary.LittleEndian.Uint32(data[8:12]))

	// Check for zero/invalid times
	if sec <= 0 {
		return time.Time{}
	}

	return time.Unix(sec, nsec)
}

// treeSearch performs a tree search ioctl
func treeSearch(f *os.File, treeID uint64, minObjID, maxObjID uint64, minType, maxType uint32, minOffset, maxOffset uint64) ([]SearchResult, error) {
	var results []SearchResult

	args := btrfsIoctlSearchArgs{
		Key: btrfsIoctlSearchKey{
			TreeID:      treeID,
			MinObjectID: minObjID,
			MaxObjectID: maxObjID,
			MinOffset:   minOffset,
			MaxOffset:   maxOffset,
			MinTransID:  0,
			MaxTransID:  ^uint64(0),
			MinType:     minType,
			MaxType:     maxType,
			NrItems:     4096,
		},
	}

	for {
		err := ioctl.Do(f, ioctlTreeSearch, &args)
		if err != nil {
			return nil, fmt.Errorf("tree search ioctl: %w", err)
		}

		if args.Key.NrItems == 0 {
			break
		}

		// Parse results from buffer
		offset := 0
		var lastHdr btrfsSearchHeader
		gotItems := false
		for i := uint32(0); i < args.Key.NrItems; i++ {
			if offset+int(unsafe.Sizeof(btrfsSearchHeader{})) > len(args.Buf) {
				break
			}

			hdr := btrfsSearchHeader{
				TransID:  binary.LittleEndian.Uint64(args.Buf[offset:]),
				ObjectID: binary.LittleEndian.Uint64(args.Buf[offset+8:]),
				Offset:   binary.LittleEndian.Uint64(args.Buf[offset+16:]),
				Type:     binary.LittleEndian.Uint32(args.Buf[offset+24:]),
				Len:      binary.LittleEndian.Uint32(args.Buf[offset+28:]),
			}
			offset += 32 // sizeof header

			if offset+int(hdr.Len) > len(args.Buf) {
				break
			}

			// Only copy data for matching types
			if hdr.Type >= minType && hdr.Type <= maxType {
				data := make([]byte, hdr.Len)
				copy(data, args.Buf[offset:offset+int(hdr.Len)])
				results = append(results, SearchResult{
					Header: hdr,
					Data:   data,
				})
			}
			offset += int(hdr.Len)

			lastHdr = hdr
			gotItems = true
		}

		if !gotItems {
			break
		}

		// Update search key for next iteration
		if lastHdr.Offset == ^uint64(0) {
			if lastHdr.Type == maxType {
				if lastHdr.ObjectID == maxObjID {
					break
				}
				args.Key.MinObjectID = lastHdr.ObjectID + 1
				args.Key.MinType = minType
			} else {
				args.Key.MinType = lastHdr.Type + 1
			}
			args.Key.MinOffset = 0
		} else {
			args.Key.MinObjectID = lastHdr.ObjectID
			args.Key.MinType = lastHdr.Type
			args.Key.MinOffset = lastHdr.Offset + 1
		}
		args.Key.NrItems = 4096
	}

	return results, nil
}

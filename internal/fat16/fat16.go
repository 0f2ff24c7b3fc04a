// Package fat16 is the read-only FAT16 file layer:
// BIOS Parameter Block load and validation, FAT table and root
// directory reads, 8.3 name matching, and cluster-chain traversal.
//
// The on-disk fixed-offset field-accessor pattern (reading typed
// fields out of a raw block by byte offset) is grounded on
// fs/super.go's fieldr/fieldw pair, generalized here to the BPB's
// mixed-width fields (uint8/uint16/uint32) instead of super.go's
// uniform int fields. The block-cache/disk-request split (Disk_i as
// the out-of-scope driver collaborator) is grounded on fs/blk.go's
// Bdev_block_t/Disk_i shape, retargeted from a log-structured block
// cache onto a flat sector/cluster reader matching this FAT16 layout.
// The BPB field layout, root-directory sector arithmetic, 8.3 name
// split, and cluster-chain walk are recovered from a reference C
// implementation's fat16.c, since this is the one on-disk format this
// system names precisely enough to require byte-exact field offsets.
package fat16

import (
	"encoding/binary"

	"golang.org/x/text/encoding/charmap"

	"nucleus/internal/defs"
	"nucleus/internal/klock"
	"nucleus/internal/util"
)

const (
	SectorSize     = 512
	FilenameSize   = 8
	ExtensionSize  = 3
	DirEntrySize   = 32
	entryEmpty     = 0x00
	entryDeleted   = 0xE5
	lfnAttribute   = 0x0F
	lastClusterMin = 0xFFF7
)

// / Disk_i is the block-device driver this package reads sectors
// / through. Disk I/O is provided by an external collaborator; this
// / package only knows how to ask for sectors by LBA.
type Disk_i interface {
	ReadSectors(lba uint32, count int, buf []byte) defs.Err_t
}

// / BPB_t is the raw 62-byte BIOS Parameter Block, accessed through
// / fixed-offset field readers rather than an unsafe-cast struct, since
// / the on-disk layout is packed and mixes field widths.
type BPB_t struct {
	Data [62]byte
}

func (b *BPB_t) u8(off int) uint8   { return b.Data[off] }
func (b *BPB_t) u16(off int) uint16 { return binary.LittleEndian.Uint16(b.Data[off:]) }
func (b *BPB_t) u32(off int) uint32 { return binary.LittleEndian.Uint32(b.Data[off:]) }

func (b *BPB_t) OEMIdentifier() []byte    { return b.Data[3:11] }
func (b *BPB_t) BytesPerSector() uint16   { return b.u16(11) }
func (b *BPB_t) SectorsPerCluster() uint8 { return b.u8(13) }
func (b *BPB_t) ReservedSectors() uint16  { return b.u16(14) }
func (b *BPB_t) NumFATs() uint8           { return b.u8(16) }
func (b *BPB_t) RootDirEntries() uint16   { return b.u16(17) }
func (b *BPB_t) SectorsPerFAT() uint16    { return b.u16(22) }
func (b *BPB_t) VolumeLabel() []byte      { return b.Data[43:54] }

// / ParseBPB reads a BPB_t out of a just-read boot sector, failing if
// / the 0x55AA MBR signature at the end of the sector is missing,
// / matching loadFAT16BPB's invalid-signature check.
func ParseBPB(sector []byte) (BPB_t, defs.Err_t) {
	var bpb BPB_t
	if len(sector) < SectorSize {
		return bpb, defs.EINVAL
	}
	if sector[SectorSize-2] != 0x55 || sector[SectorSize-1] != 0xAA {
		return bpb, defs.EINVAL
	}
	copy(bpb.Data[:], sector[:len(bpb.Data)])
	return bpb, defs.EOK
}

// / ValidateOEM decodes the BPB's OEM identifier and volume label
// / through the IBM PC code page (FAT16's on-disk strings are
// / fixed-width OEM-encoded, not UTF-8) to reject a BPB whose string
// / fields aren't valid code-page-437 text before anything trusts them
// / as a display string.
func (b *BPB_t) ValidateOEM() defs.Err_t {
	dec := charmap.CodePage437.NewDecoder()
	if _, err := dec.Bytes(b.OEMIdentifier()); err != nil {
		return defs.EINVAL
	}
	if _, err := dec.Bytes(b.VolumeLabel()); err != nil {
		return defs.EINVAL
	}
	return defs.EOK
}

// RootDirSector is the first sector of the root directory, past the
// reserved sectors and every FAT copy.
func (b *BPB_t) RootDirSector() uint32 {
	return uint32(b.ReservedSectors()) + uint32(b.NumFATs())*uint32(b.SectorsPerFAT())
}

// RootDirSectorCount is the number of sectors the root directory
// occupies, rounded up.
func (b *BPB_t) RootDirSectorCount() uint32 {
	bytes := uint32(b.RootDirEntries()) * DirEntrySize
	return util.Roundup(bytes, uint32(b.BytesPerSector())) / uint32(b.BytesPerSector())
}

// DataSector is the first sector of the data region (cluster 2).
func (b *BPB_t) DataSector() uint32 {
	return b.RootDirSector() + b.RootDirSectorCount()
}

// ClusterSector returns the first sector of cluster index idx
// (clusters are numbered from 2, per FAT16 convention).
func (b *BPB_t) ClusterSector(idx uint16) uint32 {
	return b.DataSector() + uint32(idx-2)*uint32(b.SectorsPerCluster())
}

// / DirEntry_t is one 32-byte FAT16 root-directory entry.
type DirEntry_t struct {
	Name             [FilenameSize]byte
	Ext              [ExtensionSize]byte
	Attributes       uint8
	StartingCluster  uint16
	FileSize         uint32
}

func parseDirEntry(raw []byte) DirEntry_t {
	var e DirEntry_t
	copy(e.Name[:], raw[0:8])
	copy(e.Ext[:], raw[8:11])
	e.Attributes = raw[11]
	e.StartingCluster = binary.LittleEndian.Uint16(raw[26:28])
	e.FileSize = binary.LittleEndian.Uint32(raw[28:32])
	return e
}

// / Free reports whether the directory slot is empty or deleted.
func (e DirEntry_t) Free() bool {
	return e.Name[0] == entryEmpty || e.Name[0] == entryDeleted
}

// / splitName splits a "NAME.EXT"-shaped path component into
// / space-padded 8.3 fields, ported from splitFilenameAndExtension: a
// / '/' anywhere in either half is rejected, matching the original's
// / refusal to traverse subdirectories (this FAT16 layer has no
// / subdirectory support).
func splitName(path string) (name [FilenameSize]byte, ext [ExtensionSize]byte, ok bool) {
	for i := range name {
		name[i] = ' '
	}
	for i := range ext {
		ext[i] = ' '
	}
	i := 0
	for ; i < len(path) && i < FilenameSize && path[i] != '.'; i++ {
		if path[i] == '/' {
			return name, ext, false
		}
		name[i] = path[i]
	}
	if i < len(path) && path[i] == '.' {
		i++
		for j := 0; j < ExtensionSize && i < len(path); i, j = i+1, j+1 {
			if path[i] == '/' {
				return name, ext, false
			}
			ext[j] = path[i]
		}
	}
	if i != len(path) {
		return name, ext, false
	}
	return name, ext, true
}

// / Volume_t is a mounted FAT16 volume: the parsed BPB, the loaded FAT
// / table, and the loaded root directory, all guarded by one lock
// / matching the reference implementation's single fat16Lock serializing every
// / FAT16 operation across cores.
type Volume_t struct {
	lock klock.Spinlock_t
	disk Disk_i
	bpb  BPB_t
	fat  []uint16
	root []DirEntry_t
}

// / Mount reads the boot sector, FAT table, and root directory off
// / disk and returns a ready Volume_t.
func Mount(disk Disk_i) (*Volume_t, defs.Err_t) {
	var sector [SectorSize]byte
	if err := disk.ReadSectors(0, 1, sector[:]); !err.Ok() {
		return nil, err
	}
	bpb, err := ParseBPB(sector[:])
	if !err.Ok() {
		return nil, err
	}
	if err := bpb.ValidateOEM(); !err.Ok() {
		return nil, err
	}

	fatBytes := make([]byte, int(bpb.SectorsPerFAT())*SectorSize)
	if err := disk.ReadSectors(uint32(bpb.ReservedSectors()), int(bpb.SectorsPerFAT()), fatBytes); !err.Ok() {
		return nil, err
	}
	fat := make([]uint16, len(fatBytes)/2)
	for i := range fat {
		fat[i] = binary.LittleEndian.Uint16(fatBytes[i*2:])
	}

	rootBytes := make([]byte, int(bpb.RootDirSectorCount())*SectorSize)
	if err := disk.ReadSectors(bpb.RootDirSector(), int(bpb.RootDirSectorCount()), rootBytes); !err.Ok() {
		return nil, err
	}
	root := make([]DirEntry_t, bpb.RootDirEntries())
	for i := range root {
		off := i * DirEntrySize
		if off+DirEntrySize > len(rootBytes) {
			break
		}
		root[i] = parseDirEntry(rootBytes[off : off+DirEntrySize])
	}

	return &Volume_t{disk: disk, bpb: bpb, fat: fat, root: root}, defs.EOK
}

// / Find returns the root-directory index of name (an "NAME.EXT"-shaped
// / path component), EINVAL if name is not of that shape, or ENOENT if
// / no entry matches, skipping empty,
// / deleted, and long-file-name entries exactly as findFileEntry does.
func (v *Volume_t) Find(name string) (int, defs.Err_t) {
	v.lock.Lock()
	defer v.lock.Unlock()

	wantName, wantExt, ok := splitName(name)
	if !ok {
		return -1, defs.EINVAL
	}
	for i, e := range v.root {
		if e.Free() || e.Attributes == lfnAttribute {
			continue
		}
		if e.Name == wantName && e.Ext == wantExt {
			return i, defs.EOK
		}
	}
	return -1, defs.ENOENT
}

// / Entry returns a copy of root-directory entry i.
func (v *Volume_t) Entry(i int) DirEntry_t {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.root[i]
}

// / NumRootEntries returns the number of root-directory slots loaded.
func (v *Volume_t) NumRootEntries() int {
	return len(v.root)
}

// / ReadCluster reads size bytes starting at byte offset position
// / within the cluster chain beginning at clusterIndex, ported from
// / readClusterData. Every cluster-index bound check here runs before
// / the index is used to compute a sector address (the resolved FAT16
// / overflow-check question), rather than computing the sector address
// / first and discovering the overflow after the fact.
func (v *Volume_t) ReadCluster(clusterIndex uint16, size int, position uint32, buf []byte) (int, defs.Err_t) {
	v.lock.Lock()
	defer v.lock.Unlock()

	clusterSize := int(v.bpb.SectorsPerCluster()) * SectorSize
	posClusters := int(position) / clusterSize
	posOffset := int(position) % clusterSize

	cur := clusterIndex
	for i := 0; i < posClusters; i++ {
		if int(cur) >= len(v.fat) {
			return 0, defs.EINVAL
		}
		cur = v.fat[cur]
		if cur >= lastClusterMin || cur == 0 {
			return 0, defs.EINVAL
		}
	}
	if cur < 2 {
		return 0, defs.EINVAL
	}

	bytesRead := 0
	sectorBuf := make([]byte, clusterSize)

	if posOffset != 0 {
		n := size
		if posOffset+size >= clusterSize {
			n = clusterSize - posOffset
		}
		if int(cur) >= len(v.fat) {
			return 0, defs.EINVAL
		}
		if err := v.disk.ReadSectors(v.bpb.ClusterSector(cur), int(v.bpb.SectorsPerCluster()), sectorBuf); !err.Ok() {
			return 0, err
		}
		copy(buf[:n], sectorBuf[posOffset:posOffset+n])
		cur = v.fat[cur]
		bytesRead = n
	}

	for bytesRead < size && cur < lastClusterMin {
		if int(cur) >= len(v.fat) {
			return bytesRead, defs.EINVAL
		}
		if err := v.disk.ReadSectors(v.bpb.ClusterSector(cur), int(v.bpb.SectorsPerCluster()), sectorBuf); !err.Ok() {
			return bytesRead, err
		}
		next := v.fat[cur]
		if next >= lastClusterMin {
			remaining := size - bytesRead
			copy(buf[bytesRead:bytesRead+remaining], sectorBuf[:remaining])
			bytesRead += remaining
			break
		}
		remaining := size - bytesRead
		if remaining < clusterSize {
			copy(buf[bytesRead:bytesRead+remaining], sectorBuf[:remaining])
			bytesRead += remaining
			break
		}
		copy(buf[bytesRead:bytesRead+clusterSize], sectorBuf)
		bytesRead += clusterSize
		cur = next
	}

	return bytesRead, defs.EOK
}

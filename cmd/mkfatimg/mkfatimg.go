// Command mkfatimg builds a bootable FAT16 disk image: a boot sector
// (BIOS Parameter Block), a FAT table, a root directory, and a flat
// data region holding the files copied in from a host skeleton
// directory.
//
// Grounded on mkfs/mkfs.go's shape (flag-less positional args, a
// filepath.WalkDir over a skeleton directory appending each file into
// the target filesystem), retargeted from a reference
// log-structured fs format onto the FAT16 layout. FAT16
// has no subdirectories, so unlike mkfs's addfiles, a subdirectory
// encountered while walking the skeleton is rejected rather than
// replicated.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nucleus/internal/fat16"
	"nucleus/internal/util"
)

const (
	sectorsPerCluster = 1
	reservedSectors   = 1
	numFATs           = 1
	rootDirEntries    = 512
	maxClusters       = 4096 // bounds the FAT table size written to disk
)

type file struct {
	name string // already split+padded to 8.3, e.g. "HELLO   TXT"
	data []byte
}

func splitName(rel string) (string, error) {
	base := strings.TrimPrefix(rel, string(filepath.Separator))
	name := base
	ext := ""
	if i := strings.LastIndex(base, "."); i >= 0 {
		name, ext = base[:i], base[i+1:]
	}
	if len(name) > fat16.FilenameSize || len(ext) > fat16.ExtensionSize {
		return "", fmt.Errorf("name %q does not fit an 8.3 name", rel)
	}
	padded := make([]byte, fat16.FilenameSize+fat16.ExtensionSize)
	for i := range padded {
		padded[i] = ' '
	}
	copy(padded[:fat16.FilenameSize], strings.ToUpper(name))
	copy(padded[fat16.FilenameSize:], strings.ToUpper(ext))
	return string(padded), nil
}

// collect walks skeldir on the host and returns its files in 8.3 form.
// It refuses a subdirectory: this FAT16 layer is flat.
func collect(skeldir string) ([]file, error) {
	var files []file
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skeldir)
		if rel == "" {
			return nil
		}
		if d.IsDir() {
			return fmt.Errorf("skeleton directory %q contains a subdirectory %q; FAT16 here is flat", skeldir, rel)
		}
		name, err := splitName(rel)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, file{name: name, data: data})
		return nil
	})
	return files, err
}

func clustersFor(size, clusterSize int) int {
	if size == 0 {
		return 1
	}
	return util.Roundup(size, clusterSize) / clusterSize
}

func buildImage(files []file) ([]byte, error) {
	clusterSize := sectorsPerCluster * fat16.SectorSize
	rootDirBytes := rootDirEntries * fat16.DirEntrySize
	rootDirSectors := util.Roundup(rootDirBytes, fat16.SectorSize) / fat16.SectorSize

	totalDataClusters := 0
	clusterOf := make([]int, len(files))
	for i, f := range files {
		clusterOf[i] = totalDataClusters + 2
		totalDataClusters += clustersFor(len(f.data), clusterSize)
	}
	if totalDataClusters > maxClusters {
		return nil, fmt.Errorf("skeleton needs %d clusters, image supports %d", totalDataClusters, maxClusters)
	}

	fatEntries := totalDataClusters + 2 // clusters 0/1 are reserved
	fatBytes := fatEntries * 2
	fatSectors := util.Roundup(fatBytes, fat16.SectorSize) / fat16.SectorSize

	dataSectors := totalDataClusters * sectorsPerCluster
	totalSectors := reservedSectors + numFATs*fatSectors + rootDirSectors + dataSectors

	img := make([]byte, totalSectors*fat16.SectorSize)

	boot := img[:fat16.SectorSize]
	copy(boot[3:11], []byte("NUCLEUS "))
	binary.LittleEndian.PutUint16(boot[11:], fat16.SectorSize)
	boot[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:], reservedSectors)
	boot[16] = numFATs
	binary.LittleEndian.PutUint16(boot[17:], rootDirEntries)
	binary.LittleEndian.PutUint16(boot[22:], uint16(fatSectors))
	copy(boot[43:54], []byte("NO NAME    ")[:11])
	boot[fat16.SectorSize-2] = 0x55
	boot[fat16.SectorSize-1] = 0xAA

	fatOff := reservedSectors * fat16.SectorSize
	fat := img[fatOff : fatOff+fatSectors*fat16.SectorSize]
	for i, f := range files {
		nClusters := clustersFor(len(f.data), clusterSize)
		cluster := clusterOf[i]
		for c := 0; c < nClusters; c++ {
			var next uint16
			if c == nClusters-1 {
				next = 0xFFFF
			} else {
				next = uint16(cluster + c + 1)
			}
			binary.LittleEndian.PutUint16(fat[(cluster+c)*2:], next)
		}
	}

	rootOff := fatOff + numFATs*fatSectors*fat16.SectorSize
	for i, f := range files {
		entry := img[rootOff+i*fat16.DirEntrySize : rootOff+(i+1)*fat16.DirEntrySize]
		copy(entry[0:8], f.name[:fat16.FilenameSize])
		copy(entry[8:11], f.name[fat16.FilenameSize:])
		entry[11] = 0x20 // archive attribute
		binary.LittleEndian.PutUint16(entry[26:28], uint16(clusterOf[i]))
		binary.LittleEndian.PutUint32(entry[28:32], uint32(len(f.data)))
	}

	dataOff := rootOff + rootDirSectors*fat16.SectorSize
	for i, f := range files {
		off := dataOff + (clusterOf[i]-2)*clusterSize
		copy(img[off:], f.data)
	}

	return img, nil
}

func main() {
	if len(os.Args) != 3 {
		fmt.Printf("Usage: mkfatimg <skeleton dir> <output image>\n")
		os.Exit(1)
	}
	skeldir, outpath := os.Args[1], os.Args[2]

	files, err := collect(skeldir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	img, err := buildImage(files)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	out, err := os.Create(outpath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer out.Close()
	if _, err := out.Write(img); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

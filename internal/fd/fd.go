// Package fd is the File Control Block / File Descriptor layer: a
// global, reference-counted FCB per open
// root-directory entry, a global FD table tracking each open handle's
// seek position, and the per-process fd slot array that syscalls 6-9
// (open/read/close/get_file_size) index into.
//
// Grounded on fd/fd.go's Fd_t/Copyfd/Close_panic shape: Fdops_i here
// plays the role of a reference fdops.Fdops_i, keeping this package
// from depending on fat16's concrete Volume_t so a future second
// backing store could implement it too, mirroring a reference
// fd/fdops package split. The two-level FCB/FD model itself (FCB
// reference-counted by root-dir entry, FD reference-counted by
// concurrently-dup'd process handle) and its open/read/close
// invariants are recovered from the reference implementation's
// openFile/readFile/closeFile, since a reference fd package
// assumes a richer multi-filesystem fdops contract this read-only
// single-volume kernel does not need.
package fd

import (
	"nucleus/internal/defs"
	"nucleus/internal/fat16"
	"nucleus/internal/klock"
	"nucleus/internal/proc"
)

// / Fdops_i is the set of operations a File_t needs of its backing
// / store, kept abstract so fd's reference-counting logic does not
// / depend on fat16.Volume_t directly.
type Fdops_i interface {
	Find(name string) (int, defs.Err_t)
	Entry(i int) fat16.DirEntry_t
	ReadCluster(cluster uint16, size int, position uint32, buf []byte) (int, defs.Err_t)
	NumRootEntries() int
}

// / Fcb_t is one File Control Block, shared by every open handle on
// / the same root-directory entry, ported from the reference implementation's
// / struct fileControlBlock.
type Fcb_t struct {
	RootDirIndex int
	Cluster      uint16
	Size         uint32
	RefCount     uint32
}

// / File_t is one open file handle (a process's fd slot ultimately
// / points at one of these), ported from the reference implementation's struct
// / fileDescriptor.
type File_t struct {
	Fcb                   *Fcb_t
	SeekPosition          uint32
	nReferencingProcesses uint64
}

// / Table_t is the global FCB + FD table layer bound to one backing
// / volume, guarded by one lock exactly as the reference implementation's single
// / fat16Lock serializes every FAT16 operation.
type Table_t struct {
	lock klock.Spinlock_t
	src  Fdops_i

	fcbs []Fcb_t  // indexed by root-dir index; RefCount==0 means unused
	fds  []*File_t // global fd table; nil entries are free
}

// / NewTable returns an FCB/FD table reading through src, with a
// / global FD table sized maxFDs (kconfig.Config_t.MaxFDs). The FCB
// / table is sized to the volume's own root-directory entry count,
// / since FCBs map 1:1 onto root-dir slots rather than being a
// / separately bounded pool.
func NewTable(src Fdops_i, maxFDs int) *Table_t {
	return &Table_t{
		src:  src,
		fcbs: make([]Fcb_t, src.NumRootEntries()),
		fds:  make([]*File_t, maxFDs),
	}
}

func (t *Table_t) findFreeProcSlot(p *proc.Proc_t) (int, defs.Err_t) {
	for i := range p.Fds {
		if p.Fds[i] == nil {
			return i, defs.EOK
		}
	}
	return -1, defs.EMFILE
}

func (t *Table_t) findFreeGlobalSlot() (int, defs.Err_t) {
	for i := range t.fds {
		if t.fds[i] == nil {
			return i, defs.EOK
		}
	}
	return -1, defs.EMFILE
}

// / Open resolves name against the root directory and installs a new
// / open handle in both the process's fd slot array and the global FD
// / table, reusing the FCB for rootDirIndex (bumping its RefCount) if
// / some other handle already has it open, matching openFile.
func (t *Table_t) Open(p *proc.Proc_t, name string) (int, defs.Err_t) {
	t.lock.Lock()
	defer t.lock.Unlock()

	procSlot, err := t.findFreeProcSlot(p)
	if !err.Ok() {
		return -1, err
	}
	globalSlot, err := t.findFreeGlobalSlot()
	if !err.Ok() {
		return -1, err
	}

	idx, err := t.src.Find(name)
	if !err.Ok() {
		return -1, err
	}
	e := t.src.Entry(idx)

	fcb := &t.fcbs[idx]
	if fcb.RefCount == 0 {
		fcb.RootDirIndex = idx
		fcb.Cluster = e.StartingCluster
		fcb.Size = e.FileSize
	}
	fcb.RefCount++

	f := &File_t{Fcb: fcb, nReferencingProcesses: 1}
	t.fds[globalSlot] = f
	p.Fds[procSlot] = globalSlot

	return procSlot, defs.EOK
}

func (t *Table_t) resolve(p *proc.Proc_t, procSlot int) (*File_t, int, defs.Err_t) {
	if procSlot < 0 || procSlot >= len(p.Fds) {
		return nil, -1, defs.EBADF
	}
	globalSlot, ok := p.Fds[procSlot].(int)
	if !ok {
		return nil, -1, defs.EBADF
	}
	if globalSlot < 0 || globalSlot >= len(t.fds) || t.fds[globalSlot] == nil {
		return nil, -1, defs.EBADF
	}
	return t.fds[globalSlot], globalSlot, defs.EOK
}

// / Read reads up to len(buf) bytes at the handle's current seek
// / position, clamped to the file's remaining size, and advances the
// / seek position by the number of bytes actually read, matching
// / readFile.
func (t *Table_t) Read(p *proc.Proc_t, procSlot int, buf []byte) (int, defs.Err_t) {
	t.lock.Lock()
	defer t.lock.Unlock()

	f, _, err := t.resolve(p, procSlot)
	if !err.Ok() {
		return 0, err
	}

	remaining := int(f.Fcb.Size) - int(f.SeekPosition)
	if remaining <= 0 {
		return 0, defs.EOK
	}
	size := len(buf)
	if size > remaining {
		size = remaining
	}

	n, err := t.src.ReadCluster(f.Fcb.Cluster, size, f.SeekPosition, buf[:size])
	if !err.Ok() {
		return 0, err
	}
	f.SeekPosition += uint32(n)
	return n, defs.EOK
}

// / GetFileSize returns the backing file's total size, matching
// / getFileSize.
func (t *Table_t) GetFileSize(p *proc.Proc_t, procSlot int) (uint32, defs.Err_t) {
	t.lock.Lock()
	defer t.lock.Unlock()
	f, _, err := t.resolve(p, procSlot)
	if !err.Ok() {
		return 0, err
	}
	return f.Fcb.Size, defs.EOK
}

// / Close drops the process's reference to procSlot, decrementing both
// / the File_t's and the FCB's reference counts and releasing both
// / slots once no references remain, matching closeFile. Closing an
// / already-closed or out-of-range slot is a no-op error, not a panic,
// / since a double-close can be driven by process teardown racing an
// / explicit close.
func (t *Table_t) Close(p *proc.Proc_t, procSlot int) defs.Err_t {
	t.lock.Lock()
	defer t.lock.Unlock()

	f, globalSlot, err := t.resolve(p, procSlot)
	if !err.Ok() {
		return err
	}

	p.Fds[procSlot] = nil
	f.nReferencingProcesses--
	f.Fcb.RefCount--
	if f.nReferencingProcesses == 0 {
		t.fds[globalSlot] = nil
	}
	return defs.EOK
}

// / CloseAll closes every still-open fd slot belonging to p, for use as
// / proc.Table_t.Wait's fdCloser callback during process teardown.
func (t *Table_t) CloseAll(p *proc.Proc_t) {
	for i := range p.Fds {
		if p.Fds[i] != nil {
			t.Close(p, i)
		}
	}
}

// / DupAll bumps both the File_t and FCB reference counts for every fd
// / slot p carries, for use as proc.Table_t.Fork's fdDup callback once
// / the child's fd slot array has been copied from its parent's:
// / matching openFile/fork's "duplicate the open-file array and bump
// / reference counts (both FCB and FD)", so a later Close by either
// / process (including the teardown CloseAll above) only releases the
// / shared FCB/global-FD slot once both referencing processes are gone.
func (t *Table_t) DupAll(p *proc.Proc_t) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, slot := range p.Fds {
		globalSlot, ok := slot.(int)
		if !ok {
			continue
		}
		if globalSlot < 0 || globalSlot >= len(t.fds) || t.fds[globalSlot] == nil {
			continue
		}
		f := t.fds[globalSlot]
		f.nReferencingProcesses++
		f.Fcb.RefCount++
	}
}

// / GetRootDirectory copies up to len(buf) root-directory entries into
// / buf and returns how many were copied, matching getRootDirectory.
func (t *Table_t) GetRootDirectory(buf []fat16.DirEntry_t) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	n := t.src.NumRootEntries()
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = t.src.Entry(i)
	}
	return n
}

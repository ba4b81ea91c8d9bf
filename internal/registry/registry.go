// Package registry replaces the original linker-section scan for declared
// NEOCFS files (__start_neocfs_file_descriptors / __stop_...) with an
// explicit, portable registration list passed to neocfs.New. Behaviorally
// identical: every declared file is still validated and iterated in
// declaration order.
package registry

// FileDescriptor is the static, pre-declared description of one NEOCFS
// circular file: its name, fixed record payload size, and the flash region
// it occupies.
type FileDescriptor struct {
	Name string

	// RecordSize is the fixed payload size R of every record. R+2 must be a
	// power of two.
	RecordSize uint32

	// StartAddr and EndAddr bound the file's region, inclusive of StartAddr,
	// exclusive of EndAddr.
	StartAddr uint32
	EndAddr   uint32

	// Flags holds per-file behavior bits; see FlagOverwriteOldest.
	Flags uint32
}

// FlagOverwriteOldest makes GarbageCollect unconditionally erase the sector
// at the write head when it fills, rather than failing with NoSpace when no
// sector is fully reclaimable.
const FlagOverwriteOldest uint32 = 0x00000001

// RingLen returns the length of the file's circular region in bytes.
func (fd FileDescriptor) RingLen() uint32 {
	return fd.EndAddr - fd.StartAddr
}

// SlotSize returns R+2, the on-flash size of one record slot.
func (fd FileDescriptor) SlotSize() uint32 {
	return fd.RecordSize + 2
}

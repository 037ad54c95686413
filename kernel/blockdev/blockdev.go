// Package blockdev defines the contract spec.md §1 carves out as an
// external collaborator: "read/write a 4 KiB sector at a logical block
// number, synchronous." The real VirtIO-MMIO driver (kernel/virtio) and
// the host-file stand-in (hostdisk.FileDevice) both implement Device;
// kernel/bio only ever talks to this interface.
package blockdev

// BlockSize is fixed at 4096 bytes throughout this kernel (spec.md §3,
// §6.2).
const BlockSize = 4096

// Device is a synchronous, sector-granular block device. Read and
// Write block until the operation completes; spec.md's non-goals
// explicitly exclude asynchronous I/O. A non-nil error is an IO-class
// failure (spec.md §7) and is fatal to the caller — VirtIO reporting a
// non-zero status means disk consistency can no longer be assumed.
type Device interface {
	ReadBlock(blockno uint32, dst []byte) error
	WriteBlock(blockno uint32, src []byte) error
}

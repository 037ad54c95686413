// Package virtio is the VirtIO-MMIO block device driver contract
// spec.md §1 explicitly carves out of scope ("read/write a 4 KiB
// sector... the VirtIO-MMIO driver itself is out of scope"). It exists
// here only to declare the boundary and satisfy kernel/blockdev.Device
// the same way the teacher declares hardware hooks it never defines in
// Go: the real descriptor-ring/queue-notify protocol lives in the boot
// assembly and firmware layer this module is linked against.
package virtio

import (
	_ "unsafe"

	"rv39os/kernel/blockdev"
	"rv39os/kernel/riscv"
)

//go:linkname virtioDiskInit virtio_disk_init
func virtioDiskInit()

//go:linkname virtioDiskRW virtio_disk_rw
func virtioDiskRW(blockno uint32, data *byte, write bool) int32

// Disk is the blockdev.Device backed by the VirtIO-MMIO queue at
// riscv.VIRTIO0.
type Disk struct{}

var _ blockdev.Device = Disk{}

func Init() Disk {
	virtioDiskInit()
	return Disk{}
}

func (Disk) ReadBlock(blockno uint32, dst []byte) error {
	if len(dst) != blockdev.BlockSize {
		panic("virtio: read buffer must be exactly one block")
	}
	if status := virtioDiskRW(blockno, &dst[0], false); status != 0 {
		return errIO
	}
	return nil
}

func (Disk) WriteBlock(blockno uint32, src []byte) error {
	if len(src) != blockdev.BlockSize {
		panic("virtio: write buffer must be exactly one block")
	}
	if status := virtioDiskRW(blockno, &src[0], true); status != 0 {
		return errIO
	}
	return nil
}

type virtioError string

func (e virtioError) Error() string { return string(e) }

const errIO virtioError = "virtio: device reported an error status"

var _ = riscv.VIRTIO0

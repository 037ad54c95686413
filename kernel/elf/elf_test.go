package elf

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildHeader(entry uint64, phoff uint64, phnum uint16) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	b[4] = 2 // ELFCLASS64
	binary.LittleEndian.PutUint16(b[16:18], TypeExec)
	binary.LittleEndian.PutUint16(b[18:20], MachRISCV)
	binary.LittleEndian.PutUint64(b[24:32], entry)
	binary.LittleEndian.PutUint64(b[32:40], phoff)
	binary.LittleEndian.PutUint16(b[54:56], ProgHeaderSize)
	binary.LittleEndian.PutUint16(b[56:58], phnum)
	return b
}

func TestDecodeHeaderRoundTrip(t *testing.T) {
	b := buildHeader(0x1000, HeaderSize, 1)
	h, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	want := Header{
		Magic:     Magic,
		Ident:     [12]byte{2}, // ELFCLASS64, set by buildHeader, rest zero
		Type:      TypeExec,
		Machine:   MachRISCV,
		Entry:     0x1000,
		Phoff:     HeaderSize,
		Phentsize: ProgHeaderSize,
		Phnum:     1,
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Fatalf("DecodeHeader mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeHeaderBadMagicRejected(t *testing.T) {
	b := buildHeader(0, HeaderSize, 0)
	b[0] = 0 // corrupt the magic
	if _, err := DecodeHeader(b); err == nil {
		t.Fatal("DecodeHeader should reject a non-ELF magic")
	}
}

func TestDecodeHeaderTruncatedRejected(t *testing.T) {
	b := buildHeader(0, HeaderSize, 0)
	if _, err := DecodeHeader(b[:HeaderSize-1]); err == nil {
		t.Fatal("DecodeHeader should reject a buffer shorter than HeaderSize")
	}
}

func TestDecodeProgHeaderRoundTrip(t *testing.T) {
	b := make([]byte, ProgHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], ProgLoad)
	binary.LittleEndian.PutUint32(b[4:8], 0x7)
	binary.LittleEndian.PutUint64(b[16:24], 0x1000)
	binary.LittleEndian.PutUint64(b[32:40], 0x200)
	binary.LittleEndian.PutUint64(b[40:48], 0x400)

	p := DecodeProgHeader(b)
	want := ProgHeader{
		Type:   ProgLoad,
		Flags:  0x7,
		Vaddr:  0x1000,
		Filesz: 0x200,
		Memsz:  0x400,
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("DecodeProgHeader mismatch (-want +got):\n%s", diff)
	}
	if p.Memsz < p.Filesz {
		t.Fatal("Memsz must be >= Filesz for a PT_LOAD segment")
	}
}

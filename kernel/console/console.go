// Package console is the UART line-discipline contract spec.md §1
// carves out as external (the raw byte-at-a-time hardware access the
// teacher's kernel/printf.go already declares via uart_putc stays a
// linkname, never reimplemented here), generalized just enough to give
// klog a Sink and to back the one supplemented feature SPEC_FULL.md
// §12 adds on top of it: canonical-mode line buffering with backspace
// and Ctrl-D/Ctrl-U handling, grounded on the discipline xv6's
// console.c implements (seen via original_source/riscv-os5).
package console

import (
	_ "unsafe"

	"rv39os/kernel/klog"
)

//go:linkname uartPutc uart_putc
func uartPutc(c byte)

//go:linkname uartGetc uart_getc
func uartGetc() (byte, bool)

const bufSize = 128

const (
	ctrlC = 0x03
	ctrlD = 0x04
	ctrlH = 0x08
	ctrlU = 0x15
	del   = 0x7f
)

// Console holds one line's worth of not-yet-delivered input, matching
// spec.md's implied canonical (cooked) terminal mode: input becomes
// readable only once its line is ended by a newline or Ctrl-D. Read does
// not block: with no completed line buffered it returns 0 at once, the
// same value it returns at EOF.
type Console struct {
	buf        [bufSize]byte
	writeIdx   int // next slot to fill from the UART
	readIdx    int // next slot a reader consumes
	editIdx    int // start of the current, not-yet-terminated line
}

var global = &Console{}

// WriteLine implements klog.Sink by writing each formatted diagnostic
// line to the UART, one byte at a time, exactly the teacher's
// printString loop.
func (c *Console) WriteLine(line string) {
	for i := 0; i < len(line); i++ {
		uartPutc(line[i])
	}
	uartPutc('\n')
}

func init() {
	klog.SetSink(global)
}

// Intr processes one byte delivered by the UART interrupt handler,
// applying backspace/kill-line/EOF editing before it becomes visible
// to a reader.
func (c *Console) Intr(b byte) {
	switch b {
	case ctrlH, del:
		if c.writeIdx > c.editIdx {
			c.writeIdx--
			uartPutc('\b')
			uartPutc(' ')
			uartPutc('\b')
		}
	case ctrlU:
		for c.writeIdx > c.editIdx {
			c.writeIdx--
			uartPutc('\b')
			uartPutc(' ')
			uartPutc('\b')
		}
	case ctrlD:
		c.buf[c.writeIdx%bufSize] = b
		c.writeIdx++
		c.editIdx = c.writeIdx
	default:
		if c.writeIdx-c.readIdx < bufSize-1 {
			uartPutc(b)
			c.buf[c.writeIdx%bufSize] = b
			c.writeIdx++
			if b == '\n' || b == '\r' {
				c.editIdx = c.writeIdx
			}
		}
	}
}

// Read copies up to one line's worth of already-edited input into
// dst; returns 0 at EOF (a lone Ctrl-D). Satisfies kernel/file.Device
// so it can sit behind the /dev/console device-switch entry.
func (c *Console) Read(dst []byte) (int, error) {
	n := 0
	for n < len(dst) && c.readIdx < c.editIdx {
		b := c.buf[c.readIdx%bufSize]
		c.readIdx++
		if b == ctrlD {
			if n == 0 {
				return 0, nil
			}
			break
		}
		dst[n] = b
		n++
		if b == '\n' {
			break
		}
	}
	return n, nil
}

// Write sends src to the UART one byte at a time, unlike WriteLine it
// adds no framing: this is the raw write half of the /dev/console
// device, used by a process's write(2) to fd 1/2.
func (c *Console) Write(src []byte) (int, error) {
	for i := 0; i < len(src); i++ {
		uartPutc(src[i])
	}
	return len(src), nil
}

// Default returns the single system console, for wiring into
// kernel/file's device switch at boot.
func Default() *Console { return global }

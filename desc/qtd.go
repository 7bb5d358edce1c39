// EHCI queue element transfer descriptor (qTD) layout
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package desc implements the fixed-capacity descriptor pools (spec §4.B)
// and the hardware-visible QHD/qTD layouts (spec §3) shared by the List
// Manager and Pipe Engine.
package desc

import (
	"bytes"
	"encoding/binary"

	"github.com/usbarmory/ehci/bits"
)

// qTD status ("Token") word bit positions, EHCI 1.0 §3.5.
const (
	TokenPingErr      = 0
	TokenSplitState   = 1
	TokenMissedUframe = 2
	TokenXactErr      = 3
	TokenBabble       = 4
	TokenBufferErr    = 5
	TokenHalted       = 6
	TokenActive       = 7
	TokenPID          = 8  // 2 bits
	TokenCErr         = 10 // 2 bits
	TokenCPage        = 12 // 3 bits
	TokenIOC          = 15
	TokenTotalBytes   = 16 // 15 bits
	TokenDataToggle   = 31
)

// PID codes carried in the qTD token (EHCI 1.0 Table 3-16).
const (
	PIDOut   = 0
	PIDIn    = 1
	PIDSetup = 2
)

// QTDSize is the on-the-wire size, in bytes, of a qTD (EHCI 1.0 §3.5):
// next (4) + alternate next (4) + token (4) + 5 buffer pointers (20).
const QTDSize = 32

// QTDPages is the number of 4 KiB buffer pages a single qTD can span.
const QTDPages = 5

// QTD is the software-side mirror of a hardware queue element transfer
// descriptor. Fields map one-to-one onto the EHCI 1.0 §3.5 layout.
type QTD struct {
	Next    uint32
	AltNext uint32
	Token   uint32
	Buffer  [QTDPages]uint32
}

// Marshal serializes q to its little-endian wire representation, ready
// for dma.Region.Write.
func (q *QTD) Marshal() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, q)
	return buf.Bytes()
}

// UnmarshalQTD parses the wire representation of a qTD, as read back via
// dma.Region.Read.
func UnmarshalQTD(b []byte) *QTD {
	q := &QTD{}
	binary.Read(bytes.NewReader(b[:QTDSize]), binary.LittleEndian, q)
	return q
}

// Init configures q per spec §4.D "qTD initialization": the structure is
// cleared, used/active is asserted, cerr is set to 3, total_bytes is
// recorded, the data pointer is stored at buffer[0], and buffer[1..4] are
// chained across 4 KiB page boundaries so that any contiguous buffer up
// to 20 KiB is expressible.
func (q *QTD) Init(pid int, dataToggle int, ioc bool, buffer uint32, size int) {
	*q = QTD{
		Next:    1, // terminate
		AltNext: 1, // terminate
	}

	bits.Set(&q.Token, TokenActive)
	bits.SetN(&q.Token, TokenCErr, 0b11, 3)
	bits.SetN(&q.Token, TokenPID, 0b11, uint32(pid))
	bits.SetN(&q.Token, TokenTotalBytes, 0x7fff, uint32(size))
	bits.SetN(&q.Token, TokenDataToggle, 1, uint32(dataToggle))

	if ioc {
		bits.Set(&q.Token, TokenIOC)
	}

	if buffer == 0 {
		return
	}

	q.Buffer[0] = buffer

	for i := 1; i < QTDPages; i++ {
		q.Buffer[i] = (q.Buffer[i-1] &^ 0xfff) + 0x1000
	}
}

// Active reports the qTD overlay's active bit.
func (q *QTD) Active() bool {
	return bits.Get(&q.Token, TokenActive, 1) == 1
}

// Halted reports the qTD overlay's halted bit.
func (q *QTD) Halted() bool {
	return bits.Get(&q.Token, TokenHalted, 1) == 1
}

// Error reports whether the overlay shows a buffer, babble, or
// transaction error (spec §4.E "Transfer error").
func (q *QTD) Error() bool {
	return bits.Get(&q.Token, TokenBufferErr, 1) == 1 ||
		bits.Get(&q.Token, TokenBabble, 1) == 1 ||
		bits.Get(&q.Token, TokenXactErr, 1) == 1
}

// IOC reports the qTD overlay's interrupt-on-complete bit.
func (q *QTD) IOC() bool {
	return bits.Get(&q.Token, TokenIOC, 1) == 1
}

// BytesRemaining returns the overlay's total-bytes-to-transfer field, as
// decremented by the controller during execution.
func (q *QTD) BytesRemaining() int {
	return int(bits.Get(&q.Token, TokenTotalBytes, 0x7fff))
}

// SetPing asserts the PING bit for high-speed bulk OUT transfers (EHCI 1.0
// §4.11, spec §4.D "For high-speed bulk OUT, the PING bit is asserted").
func (q *QTD) SetPing() {
	bits.Set(&q.Token, TokenPingErr)
}

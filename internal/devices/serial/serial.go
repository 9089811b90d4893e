// Package serial models a 16550 UART on legacy I/O ports. It is the guest
// console: output goes to an io.Writer, input comes from an io.Reader pumped
// by a background goroutine started with the device.
package serial

import (
	"io"
	"sync"

	"github.com/cratevm/crate/internal/chipset"
)

const (
	registerCount = 8
	fifoSize      = 16

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7
)

// UART16550 is a 16550-compatible UART served over port I/O.
type UART16550 struct {
	mu sync.Mutex

	base uint16
	irq  chipset.LineInterrupt
	out  io.Writer
	in   io.Reader

	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	lsr byte
	scr byte

	rxFIFO  [fifoSize]byte
	rxHead  int
	rxTail  int
	rxCount int

	pendingIIR  byte
	fifoEnabled bool
	fifoTrigger int

	stopCh chan struct{}
	done   sync.WaitGroup
}

// NewUART16550 creates a UART at the given port base. A nil irq detaches
// interrupt delivery.
func NewUART16550(base uint16, irq chipset.LineInterrupt, out io.Writer, in io.Reader) *UART16550 {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	return &UART16550{
		base:        base,
		irq:         irq,
		out:         out,
		in:          in,
		lsr:         lsrTHRE | lsrTEMT,
		pendingIIR:  0x01,
		fifoTrigger: 1,
	}
}

// Start implements chipset.ChangeDeviceState. It begins pumping input into
// the RX FIFO.
func (s *UART16550) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.in == nil || s.stopCh != nil {
		return nil
	}

	s.stopCh = make(chan struct{})
	s.done.Add(1)
	go s.pumpInput(s.stopCh)
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (s *UART16550) Stop() error {
	s.mu.Lock()
	stop := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		// The pump goroutine may be blocked in Read; it exits on the next
		// byte or when the reader is closed by the caller.
	}
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (s *UART16550) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dll = 0
	s.dlm = 0
	s.ier = 0
	s.fcr = 0
	s.lcr = 0
	s.mcr = 0
	s.lsr = lsrTHRE | lsrTEMT
	s.scr = 0
	s.rxHead = 0
	s.rxTail = 0
	s.rxCount = 0
	s.pendingIIR = 0x01
	s.fifoEnabled = false
	s.fifoTrigger = 1

	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (s *UART16550) SupportsPortIO() *chipset.PortIOIntercept {
	ports := make([]uint16, registerCount)
	for i := range ports {
		ports[i] = s.base + uint16(i)
	}
	return &chipset.PortIOIntercept{
		Ports:   ports,
		Handler: s,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (s *UART16550) SupportsMmio() *chipset.MmioIntercept {
	return nil
}

func (s *UART16550) pumpInput(stop chan struct{}) {
	defer s.done.Done()

	buf := make([]byte, 1)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := s.in.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.rxByteLocked(buf[0])
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// ReadIOPort implements chipset.PortIOHandler.
func (s *UART16550) ReadIOPort(port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range data {
		data[i] = s.readRegisterLocked(port)
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (s *UART16550) WriteIOPort(port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, value := range data {
		s.writeRegisterLocked(port, value)
	}
	return nil
}

func (s *UART16550) readRegisterLocked(port uint16) byte {
	if port < s.base || port >= s.base+registerCount {
		return 0
	}

	switch port - s.base {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			return s.dll
		}
		return s.readRXByteLocked()
	case 1:
		if s.lcr&lcrDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		return s.pendingIIR
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		return s.lsr
	case 6:
		return msrCTS | msrDSR | msrDCD
	case 7:
		return s.scr
	default:
		return 0
	}
}

func (s *UART16550) writeRegisterLocked(port uint16, value byte) {
	if port < s.base || port >= s.base+registerCount {
		return
	}

	switch port - s.base {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			s.dll = value
		} else {
			s.transmitByteLocked(value)
		}
	case 1:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = value
		} else {
			s.ier = value & 0x0f
			s.updateInterruptsLocked()
		}
	case 2:
		s.setFCRLocked(value)
	case 3:
		s.lcr = value
	case 4:
		s.mcr = value & 0x1f
		s.updateInterruptsLocked()
	case 7:
		s.scr = value
	}
}

func (s *UART16550) transmitByteLocked(value byte) {
	if s.mcr&mcrLoop != 0 {
		s.rxByteLocked(value)
	} else if s.out != nil {
		_, _ = s.out.Write([]byte{value})
	}
	s.lsr |= lsrTHRE | lsrTEMT
	s.updateInterruptsLocked()
}

func (s *UART16550) rxByteLocked(value byte) {
	if s.rxCount >= fifoSize {
		s.lsr |= lsrOverrun
		return
	}

	s.rxFIFO[s.rxTail] = value
	s.rxTail = (s.rxTail + 1) % fifoSize
	s.rxCount++
	if s.rxCount >= s.fifoTrigger || !s.fifoEnabled {
		s.lsr |= lsrDataReady
		s.updateInterruptsLocked()
	}
}

func (s *UART16550) readRXByteLocked() byte {
	if s.rxCount == 0 {
		return 0
	}

	value := s.rxFIFO[s.rxHead]
	s.rxHead = (s.rxHead + 1) % fifoSize
	s.rxCount--
	if s.rxCount == 0 {
		s.lsr &^= lsrDataReady
	}
	s.updateInterruptsLocked()
	return value
}

func (s *UART16550) setFCRLocked(value byte) {
	if value&0x02 != 0 {
		s.rxHead = 0
		s.rxTail = 0
		s.rxCount = 0
		s.lsr &^= lsrDataReady
	}

	s.fcr = value
	s.fifoEnabled = value&0x01 != 0

	switch value & 0xc0 {
	case 0x40:
		s.fifoTrigger = 4
	case 0x80:
		s.fifoTrigger = 8
	case 0xc0:
		s.fifoTrigger = 14
	default:
		s.fifoTrigger = 1
	}

	s.updateInterruptsLocked()
}

func (s *UART16550) updateInterruptsLocked() {
	interrupt := byte(0x01)

	switch {
	case s.ier&0x01 != 0 && s.rxCount > 0:
		interrupt = 0x04
	case s.ier&0x02 != 0 && s.lsr&lsrTHRE != 0:
		interrupt = 0x02
	}

	s.pendingIIR = interrupt

	// OUT2 gates interrupt delivery on real hardware.
	asserted := interrupt != 0x01 && s.mcr&mcrOUT2 != 0
	s.irq.SetLevel(asserted)
}

var (
	_ chipset.ChipsetDevice = &UART16550{}
	_ chipset.PortIOHandler = &UART16550{}
)

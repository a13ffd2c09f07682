package sim

import "sync"

// nRF24L01 register map subset used by the simulation.
const (
	nrfConfig     = 0x00
	nrfStatus     = 0x07
	nrfObserveTX  = 0x08
	nrfRPD        = 0x09
	nrfRxAddrP0   = 0x0A
	nrfRxAddrP1   = 0x0B
	nrfTxAddr     = 0x10
	nrfFIFOStatus = 0x17
	nrfRegisters  = 0x1E

	nrfRxDR     = 1 << 6
	nrfTxDS     = 1 << 5
	nrfMaxRT    = 1 << 4
	nrfRxPNoMsk = 0x0E
)

var nrfResetImage = [nrfRegisters]byte{
	0x00: 0x08, // CONFIG
	0x01: 0x3F, // EN_AA
	0x02: 0x03, // EN_RXADDR
	0x03: 0x03, // SETUP_AW
	0x04: 0x03, // SETUP_RETR
	0x05: 0x02, // RF_CH
	0x06: 0x0E, // RF_SETUP
	0x07: 0x0E, // STATUS
	0x0C: 0xC3, // RX_ADDR_P2
	0x0D: 0xC4,
	0x0E: 0xC5,
	0x0F: 0xC6,
	0x17: 0x11, // FIFO_STATUS
}

// NRF24 simulates an nRF24L01 transceiver behind a chip-select line.
//
// A payload written with W_TX_PAYLOAD stays in the TX FIFO until
// FIFO_STATUS has been read CompleteAfter times; that read and later ones
// report TX_EMPTY. CompleteAfter of zero means the payload never leaves.
type NRF24 struct {
	mu sync.Mutex

	CompleteAfter int

	regs  [nrfRegisters]byte
	addrs map[byte][]byte

	txFIFO [][]byte
	rxFIFO []rxPayload

	inFrame bool
	pos     int
	cmd     byte
	payload []byte

	fifoReads  int
	fifoResets int
	flushTX    int
	flushRX    int
	sent       [][]byte
	commands   []byte
}

type rxPayload struct {
	pipe byte
	data []byte
}

// NewNRF24 returns a transceiver in its power-on state.
func NewNRF24() *NRF24 {
	n := &NRF24{}
	n.resetLocked()
	return n
}

func (n *NRF24) resetLocked() {
	n.regs = nrfResetImage
	n.addrs = map[byte][]byte{
		nrfRxAddrP0: {0xE7, 0xE7, 0xE7, 0xE7, 0xE7},
		nrfRxAddrP1: {0xC2, 0xC2, 0xC2, 0xC2, 0xC2},
		nrfTxAddr:   {0xE7, 0xE7, 0xE7, 0xE7, 0xE7},
	}
}

// Register returns the current value of a single-byte register.
func (n *NRF24) Register(reg byte) byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.regs[reg]
}

// Address returns the contents of a five-byte address register.
func (n *NRF24) Address(reg byte) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]byte(nil), n.addrs[reg]...)
}

// Inject queues a received payload on pipe and raises RX_DR.
func (n *NRF24) Inject(pipe byte, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rxFIFO = append(n.rxFIFO, rxPayload{pipe: pipe, data: append([]byte(nil), data...)})
	n.regs[nrfStatus] |= nrfRxDR
}

// FIFOStatusReads counts reads of FIFO_STATUS since the last payload.
func (n *NRF24) FIFOStatusReads() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fifoReads
}

// FIFOStatusResets counts writes to FIFO_STATUS.
func (n *NRF24) FIFOStatusResets() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fifoResets
}

// Flushes returns the FLUSH_TX and FLUSH_RX command counts.
func (n *NRF24) Flushes() (tx, rx int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flushTX, n.flushRX
}

// Sent returns the payloads that completed transmission.
func (n *NRF24) Sent() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]byte, len(n.sent))
	for i, p := range n.sent {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// Commands returns the command byte of every chip-select frame.
func (n *NRF24) Commands() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]byte(nil), n.commands...)
}

func (n *NRF24) Select() {
	n.mu.Lock()
	n.inFrame = true
	n.pos = 0
	n.payload = nil
	n.mu.Unlock()
}

func (n *NRF24) Deselect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inFrame && n.pos > 0 {
		switch n.cmd {
		case 0xA0:
			n.txFIFO = append(n.txFIFO, n.payload)
			n.fifoReads = 0
		case 0x61:
			if len(n.rxFIFO) > 0 {
				n.rxFIFO = n.rxFIFO[1:]
			}
		}
	}
	n.inFrame = false
}

func (n *NRF24) Exchange(mosi byte) byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.inFrame {
		return 0xFF
	}
	defer func() { n.pos++ }()
	if n.pos == 0 {
		n.cmd = mosi
		n.commands = append(n.commands, mosi)
		switch mosi {
		case 0xE1:
			n.flushTX++
			n.txFIFO = nil
		case 0xE2:
			n.flushRX++
			n.rxFIFO = nil
			n.regs[nrfStatus] &^= nrfRxDR
		}
		return n.status()
	}

	i := n.pos - 1
	switch {
	case n.cmd&0xE0 == 0x00:
		return n.readByte(n.cmd&0x1F, i)
	case n.cmd&0xE0 == 0x20:
		n.writeByte(n.cmd&0x1F, i, mosi)
		return 0x00
	case n.cmd == 0xA0:
		n.payload = append(n.payload, mosi)
		return 0x00
	case n.cmd == 0x61:
		if len(n.rxFIFO) == 0 || i >= len(n.rxFIFO[0].data) {
			return 0x00
		}
		return n.rxFIFO[0].data[i]
	}
	return 0xFF
}

func (n *NRF24) status() byte {
	s := n.regs[nrfStatus] &^ nrfRxPNoMsk
	if len(n.rxFIFO) == 0 {
		s |= nrfRxPNoMsk
	} else {
		s |= n.rxFIFO[0].pipe << 1 & nrfRxPNoMsk
	}
	return s
}

func (n *NRF24) readByte(reg byte, i int) byte {
	if a, ok := n.addrs[reg]; ok {
		if i < len(a) {
			return a[i]
		}
		return 0x00
	}
	if i > 0 || int(reg) >= nrfRegisters {
		return 0x00
	}
	switch reg {
	case nrfStatus:
		return n.status()
	case nrfFIFOStatus:
		return n.fifoStatus()
	}
	return n.regs[reg]
}

func (n *NRF24) fifoStatus() byte {
	var s byte
	if len(n.txFIFO) > 0 {
		n.fifoReads++
		if n.CompleteAfter > 0 && n.fifoReads >= n.CompleteAfter {
			n.sent = append(n.sent, n.txFIFO...)
			n.txFIFO = nil
			n.regs[nrfStatus] |= nrfTxDS
		}
	}
	if len(n.txFIFO) == 0 {
		s |= 1 << 4
	}
	if len(n.txFIFO) >= 3 {
		s |= 1 << 5
	}
	if len(n.rxFIFO) == 0 {
		s |= 1 << 0
	}
	return s
}

func (n *NRF24) writeByte(reg byte, i int, v byte) {
	if a, ok := n.addrs[reg]; ok {
		if i < len(a) {
			a[i] = v
		}
		return
	}
	if i > 0 || int(reg) >= nrfRegisters {
		return
	}
	switch reg {
	case nrfStatus:
		n.regs[nrfStatus] &^= v & (nrfRxDR | nrfTxDS | nrfMaxRT)
	case nrfFIFOStatus:
		n.fifoResets++
	case nrfObserveTX, nrfRPD:
	default:
		n.regs[reg] = v
	}
}

package sim

import "sync"

// HTU21D command bytes understood by the simulated sensor.
const (
	htuTriggerTempHold     = 0xE3
	htuTriggerHumidityHold = 0xE5
	htuTriggerTemp         = 0xF3
	htuTriggerHumidity     = 0xF5
	htuWriteUser           = 0xE6
	htuReadUser            = 0xE7
	htuSoftReset           = 0xFE
)

// HTU21D simulates a humidity/temperature sensor. Measurements are served
// as two data bytes plus a CRC-8 byte, the format the real part uses.
type HTU21D struct {
	mu sync.Mutex

	// TempRaw and HumidityRaw are the 16-bit conversion results; the two
	// status bits are filled in by the sensor.
	TempRaw     uint16
	HumidityRaw uint16
	// CorruptCRC flips the checksum of every frame.
	CorruptCRC bool
	// Absent makes the sensor NACK its address.
	Absent bool

	user   byte
	frame  []byte
	pos    int
	resets int
	cmds   []byte
}

// NewHTU21D returns a sensor reading about 24.7 °C and 32.3 %RH.
func NewHTU21D() *HTU21D {
	return &HTU21D{TempRaw: 0x683A, HumidityRaw: 0x4E85, user: 0x02}
}

// Resets returns how many soft resets the sensor has seen.
func (h *HTU21D) Resets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

// Commands returns every command byte received.
func (h *HTU21D) Commands() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.cmds...)
}

func (h *HTU21D) Start(read bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Absent {
		return false
	}
	if read {
		h.pos = 0
	}
	return true
}

func (h *HTU21D) Write(b byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, b)
	switch b {
	case htuSoftReset:
		h.resets++
		h.user = 0x02
		h.frame = nil
	case htuTriggerTemp, htuTriggerTempHold:
		h.frame = h.measurement(h.TempRaw &^ 0x0003)
	case htuTriggerHumidity, htuTriggerHumidityHold:
		h.frame = h.measurement(h.HumidityRaw&^0x0003 | 0x0002)
	case htuReadUser:
		h.frame = []byte{h.user}
	case htuWriteUser:
		h.frame = nil
	default:
		if len(h.cmds) >= 2 && h.cmds[len(h.cmds)-2] == htuWriteUser {
			h.user = b
			return true
		}
		return false
	}
	return true
}

func (h *HTU21D) measurement(raw uint16) []byte {
	data := []byte{byte(raw >> 8), byte(raw)}
	sum := CRC8(data)
	if h.CorruptCRC {
		sum ^= 0xFF
	}
	return append(data, sum)
}

func (h *HTU21D) Read(bool) byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos >= len(h.frame) {
		return 0xFF
	}
	b := h.frame[h.pos]
	h.pos++
	return b
}

func (h *HTU21D) Stop() {}

// CRC8 is the sensor checksum: polynomial x^8+x^5+x^4+1, initial value 0.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

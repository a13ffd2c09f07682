// Package protocol implements the framed command format used between a
// host and the bus engine: VLQ-encoded command ids and arguments inside
// length-prefixed, sequence-numbered frames closed by a CRC16 and a sync
// byte.
package protocol

// Frame layout
const (
	MessageMax         = 512 // output scratch size; holds several frames
	MessageHeaderSize  = 2   // length, sequence
	MessageTrailerSize = 3   // crc high, crc low, sync
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F
)

// nextSeq advances a sequence byte, keeping the destination bits.
func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

// encodeFrame wraps payload in header and trailer.
func encodeFrame(seq uint8, payload []byte) []byte {
	msg := make([]byte, 0, len(payload)+MessageLengthMin)
	msg = append(msg, uint8(len(payload)+MessageLengthMin), seq)
	msg = append(msg, payload...)
	crc := CRC16(msg)
	return append(msg, uint8(crc>>8), uint8(crc), MessageValueSync)
}

// frameParser finds complete frames in a byte stream, resynchronising on
// the sync byte after garbage or a bad CRC.
type frameParser struct {
	synchronized bool
	checkDest    bool
}

// next returns the next valid frame in data and the bytes after it. A nil
// frame means more input is needed. resynced reports that the parser
// regained sync after discarding input.
func (p *frameParser) next(data []byte) (frame []byte, rest []byte, resynced bool) {
	for len(data) > 0 {
		if !p.synchronized {
			i := indexSync(data)
			if i < 0 {
				return nil, nil, resynced
			}
			data = data[i+1:]
			p.synchronized = true
			resynced = true
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			return nil, data, resynced
		}
		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			p.synchronized = false
			continue
		}
		if p.checkDest && data[MessagePositionSeq]&^MessageSeqMask != MessageDest {
			p.synchronized = false
			continue
		}
		if len(data) < msgLen {
			return nil, data, resynced
		}
		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			p.synchronized = false
			continue
		}
		want := uint16(data[msgLen-MessageTrailerCRC])<<8 | uint16(data[msgLen-MessageTrailerCRC+1])
		if CRC16(data[:msgLen-MessageTrailerSize]) != want {
			p.synchronized = false
			continue
		}
		return data[:msgLen], data[msgLen:], resynced
	}
	return nil, nil, resynced
}

func indexSync(data []byte) int {
	for i, b := range data {
		if b == MessageValueSync {
			return i
		}
	}
	return -1
}

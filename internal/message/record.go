package message

import (
	"encoding/binary"
	"hash/crc32"
)

// Record layout: headerLen(4B BE) | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord frames header and payload with a length prefix and trailing CRC.
func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 4, 4+len(header)+len(payload)+4)
	binary.BigEndian.PutUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

// Record is a decoded frame.
type Record struct {
	Header  []byte
	Payload []byte
}

// DecodeRecord validates and splits a frame. ok is false on truncation or
// checksum mismatch.
func DecodeRecord(b []byte) (Record, bool) {
	if len(b) < 8 {
		return Record{}, false
	}
	hlen := int(binary.BigEndian.Uint32(b[:4]))
	if 4+hlen+4 > len(b) {
		return Record{}, false
	}
	header := b[4 : 4+hlen]
	payload := b[4+hlen : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Record{}, false
	}
	return Record{
		Header:  append([]byte(nil), header...),
		Payload: append([]byte(nil), payload...),
	}, true
}

package hostfunc

import (
	"encoding/binary"
	"fmt"
)

// Header map wire format, shared with the guest:
//
//	u32 pairCount
//	pairCount x (u32 keyLen, u32 valLen)   lengths exclude the terminators
//	pairCount x (key bytes, NUL, value bytes, NUL)  in size-table order
//
// All u32s are little-endian.

// EncodeHeaderMap serializes h into the wire format.
func EncodeHeaderMap(h *HeaderMap) []byte {
	size := 4
	for _, e := range h.entries {
		size += 8 + len(e.key) + 1 + len(e.value) + 1
	}
	buf := make([]byte, size)

	binary.LittleEndian.PutUint32(buf, uint32(len(h.entries)))
	off := 4
	for _, e := range h.entries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.key)))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(e.value)))
		off += 8
	}
	for _, e := range h.entries {
		off += copy(buf[off:], e.key)
		buf[off] = 0
		off++
		off += copy(buf[off:], e.value)
		buf[off] = 0
		off++
	}
	return buf
}

// DecodeHeaderMap parses the wire format back into a header map, preserving
// pair order and key case. It rejects truncated or unterminated input.
func DecodeHeaderMap(data []byte) (*HeaderMap, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("header map too short: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint32(data)

	tableEnd := 4 + int(count)*8
	if tableEnd < 4 || tableEnd > len(data) {
		return nil, fmt.Errorf("header map size table truncated: %d pairs in %d bytes", count, len(data))
	}

	entries := make([]headerEntry, 0, count)
	off := tableEnd
	for i := 0; i < int(count); i++ {
		keyLen := int(binary.LittleEndian.Uint32(data[4+i*8:]))
		valLen := int(binary.LittleEndian.Uint32(data[8+i*8:]))

		end := off + keyLen + 1 + valLen + 1
		if keyLen < 0 || valLen < 0 || end > len(data) {
			return nil, fmt.Errorf("header map payload truncated at pair %d", i)
		}
		key := data[off : off+keyLen]
		if data[off+keyLen] != 0 {
			return nil, fmt.Errorf("header map pair %d: key missing NUL terminator", i)
		}
		val := data[off+keyLen+1 : off+keyLen+1+valLen]
		if data[end-1] != 0 {
			return nil, fmt.Errorf("header map pair %d: value missing NUL terminator", i)
		}
		entries = append(entries, headerEntry{key: string(key), value: string(val)})
		off = end
	}

	h := NewHeaderMap()
	h.replaceAll(entries)
	return h, nil
}

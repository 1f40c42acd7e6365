package wire

import (
	"encoding/binary"
	"fmt"
)

// SpilledData is the spill-by-reference index row value of spec.md
// §4.4/§6.4: "{version: V, start: queue_location(V).start, length:
// end-start, mutationBytes: sum expectedSize}". A KV row under
// TagMsgRef/ holds a u32-count-prefixed vector of these, accumulated
// until MAX_BYTES_PER_BATCH per spec.md §4.4.
type SpilledData struct {
	Version       int64
	Start         uint64
	Length        uint32
	MutationBytes uint32
}

const spilledDataSize = 8 + 8 + 4 + 4

func (s SpilledData) Encode(dst []byte) []byte {
	var buf [spilledDataSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.Version))
	binary.LittleEndian.PutUint64(buf[8:16], s.Start)
	binary.LittleEndian.PutUint32(buf[16:20], s.Length)
	binary.LittleEndian.PutUint32(buf[20:24], s.MutationBytes)
	return append(dst, buf[:]...)
}

func DecodeSpilledData(buf []byte) (SpilledData, error) {
	if len(buf) < spilledDataSize {
		return SpilledData{}, fmt.Errorf("wire: short SpilledData (%d bytes)", len(buf))
	}
	return SpilledData{
		Version:       int64(binary.LittleEndian.Uint64(buf[0:8])),
		Start:         binary.LittleEndian.Uint64(buf[8:16]),
		Length:        binary.LittleEndian.Uint32(buf[16:20]),
		MutationBytes: binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// EncodeSpilledDataVector packs the u32-count-prefixed vector stored
// under a single TagMsgRef/ row (spec.md §6.4).
func EncodeSpilledDataVector(entries []SpilledData) []byte {
	buf := make([]byte, 4, 4+len(entries)*spilledDataSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for _, e := range entries {
		buf = e.Encode(buf)
	}
	return buf
}

func DecodeSpilledDataVector(buf []byte) ([]SpilledData, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("wire: short SpilledData vector count (%d bytes)", len(buf))
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	buf = buf[4:]

	out := make([]SpilledData, 0, count)
	for i := uint32(0); i < count; i++ {
		sd, err := DecodeSpilledData(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
		buf = buf[spilledDataSize:]
	}
	return out, nil
}

package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodeVersionGroupHeader writes the per-version delimiter spec.md
// §6.3 defines: "i32(-1) | i64 version". Everything following, up to
// the next such header, is one-or-more raw-message-bytes for that
// version (each already self-framed per wire.Message, so a reader can
// slice on the -1 sentinel without ambiguity).
func EncodeVersionGroupHeader(version int64) []byte {
	buf := make([]byte, 12)
	var sentinel int32 = -1
	binary.LittleEndian.PutUint32(buf[0:4], uint32(sentinel))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(version))
	return buf
}

// PeekGroup is one decoded version-delimited run from a peek reply's
// messages field.
type PeekGroup struct {
	Version  int64
	Messages []byte
}

// DecodePeekReplyGroups splits a peek reply's messages field on its
// i32(-1) delimiters, per spec.md §6.3 and the framing guarantee of
// §4.6 ("The caller can slice on int32(-1) delimiters and recover
// per-version message groups").
func DecodePeekReplyGroups(buf []byte) ([]PeekGroup, error) {
	var out []PeekGroup
	for len(buf) > 0 {
		if len(buf) < 12 {
			return nil, fmt.Errorf("wire: short peek reply group header (%d bytes)", len(buf))
		}
		sentinel := int32(binary.LittleEndian.Uint32(buf[0:4]))
		if sentinel != -1 {
			return nil, fmt.Errorf("wire: expected -1 sentinel, got %d", sentinel)
		}
		version := int64(binary.LittleEndian.Uint64(buf[4:12]))
		buf = buf[12:]

		groupStart := 0
		cursor := buf
		consumed := 0
		for len(cursor) > 0 {
			if isGroupHeader(cursor) {
				break
			}
			if len(cursor) < 4 {
				return nil, fmt.Errorf("wire: truncated message within peek reply group")
			}
			mlen := binary.LittleEndian.Uint32(cursor[0:4])
			total := 4 + int(mlen)
			if total > len(cursor) {
				return nil, fmt.Errorf("wire: truncated message within peek reply group")
			}
			cursor = cursor[total:]
			consumed += total
		}

		group := append([]byte(nil), buf[groupStart:consumed]...)
		out = append(out, PeekGroup{Version: version, Messages: group})
		buf = buf[consumed:]
	}
	return out, nil
}

// isGroupHeader reports whether buf begins with a i32(-1) sentinel
// followed by enough bytes for the i64 version that must follow it. A
// bare message whose own length prefix happens to equal 0xFFFFFFFF
// cannot occur in practice (it would claim a 4 GiB body), so the
// sentinel is unambiguous.
func isGroupHeader(buf []byte) bool {
	if len(buf) < 12 {
		return false
	}
	return int32(binary.LittleEndian.Uint32(buf[0:4])) == -1
}

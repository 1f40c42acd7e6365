// Package wire implements every on-the-wire and on-disk byte layout
// spec.md §4 and §6 pin down exactly: message framing within a commit
// payload (§3, §6.2), the framed queue entry pushed to the log queue
// (§6.5), memory KV store operation records (§4.2), peek reply framing
// (§6.3), and the spilled-data index rows (§4.4, §6.4). None of this
// has an analogue in the teacher's scribe package (scribe is a
// self-describing field encoding; these formats are fixed-layout wire
// protocol and must match byte-for-byte), so it is hand-rolled against
// encoding/binary the way the teacher's kayak/log.go hand-rolls its
// segment header instead of reaching for scribe there too.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pkopriv2/txlog/tag"
)

// Message is one payload plus its destination tags, framed within a
// commit's messages blob per spec.md §6.2: "u32 length | u32
// subsequence | u16 tag-count | tag-count x Tag | payload. length
// covers from subsequence through end of payload."
type Message struct {
	Subsequence uint32
	Tags        []tag.Tag
	Payload     []byte
}

func (m Message) bodyLen() int {
	return 4 + 2 + 3*len(m.Tags) + len(m.Payload)
}

// EncodedLen returns the total wire size of m, including its own
// length prefix.
func (m Message) EncodedLen() int {
	return 4 + m.bodyLen()
}

// Encode appends m's framed bytes to dst and returns the result.
func (m Message) Encode(dst []byte) []byte {
	body := m.bodyLen()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(body))
	dst = append(dst, hdr[:]...)

	var sub [4]byte
	binary.LittleEndian.PutUint32(sub[:], m.Subsequence)
	dst = append(dst, sub[:]...)

	var cnt [2]byte
	binary.LittleEndian.PutUint16(cnt[:], uint16(len(m.Tags)))
	dst = append(dst, cnt[:]...)

	for _, t := range m.Tags {
		dst = append(dst, t.Bytes()...)
	}

	dst = append(dst, m.Payload...)
	return dst
}

// EncodeMessages concatenates the framed form of each message, as they
// appear in a TLogCommitRequest.messages field.
func EncodeMessages(msgs []Message) []byte {
	var buf []byte
	for _, m := range msgs {
		buf = m.Encode(buf)
	}
	return buf
}

// DecodeMessages parses a concatenated messages blob back into its
// constituent Message values. It is used both on the commit path
// (indexing messages into per-tag deques, spec.md §4.3) and when
// re-parsing a spilled-by-reference framed queue entry during peek
// (spec.md §4.6 step 6, "re-parse per-message to keep only those whose
// tag set includes this tag").
func DecodeMessages(buf []byte) ([]Message, error) {
	var out []Message
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("wire: short message length header (%d bytes left)", len(buf))
		}
		length := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < length {
			return nil, fmt.Errorf("wire: short message body (want %d, have %d)", length, len(buf))
		}
		body := buf[:length]
		buf = buf[length:]

		if len(body) < 6 {
			return nil, fmt.Errorf("wire: message body too short for header (%d bytes)", len(body))
		}
		sub := binary.LittleEndian.Uint32(body[:4])
		tagCount := binary.LittleEndian.Uint16(body[4:6])
		body = body[6:]

		tagBytes := int(tagCount) * 3
		if len(body) < tagBytes {
			return nil, fmt.Errorf("wire: message body too short for %d tags", tagCount)
		}
		var tags []tag.Tag
		if tagCount > 0 {
			tags = make([]tag.Tag, tagCount)
		}
		for i := 0; i < int(tagCount); i++ {
			t, err := tag.Decode(body[i*3 : i*3+3])
			if err != nil {
				return nil, err
			}
			tags[i] = t
		}
		payload := body[tagBytes:]

		out = append(out, Message{Subsequence: sub, Tags: tags, Payload: append([]byte{}, payload...)})
	}
	return out, nil
}

// HasTag reports whether m is addressed to t, folding log-router ids
// modulo routerCount the way spec.md §4.6 requires when re-filtering a
// spilled-by-reference batch ("mod log-router count if applicable").
func (m Message) HasTag(t tag.Tag, routerCount int) bool {
	for _, mt := range m.Tags {
		if mt.Locality != t.Locality {
			continue
		}
		if mt.IsLogRouter() {
			if mt.EffectiveRouterId(routerCount) == t.EffectiveRouterId(routerCount) {
				return true
			}
			continue
		}
		if mt.Id == t.Id {
			return true
		}
	}
	return false
}

// ExpectedSize is the accounting size spec.md §4.3 sums into
// version_sizes: "update version_sizes[V] += expectedSize(slice)".
// Matches the teacher's convention (amoeba/kayak sizing helpers) of
// charging the full encoded wire length rather than just payload
// bytes, so spill-batch byte limits reflect what's actually durable.
func (m Message) ExpectedSize() int {
	return m.EncodedLen()
}

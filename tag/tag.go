// Package tag implements spec.md §3's routing identifier: a
// (locality, id) pair attached to every message, and the locality
// rules an instance uses to decide which messages it hosts (§4.3).
package tag

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Locality partitions tag-space into regional ids (>= 0) and a small
// set of reserved negative localities.
type Locality int8

const (
	// LocalityInvalid marks a Tag that has not been assigned a home.
	LocalityInvalid Locality = -1

	// LocalitySpecial hosts the reserved system-transaction tag
	// (spec.md §3's "txsTag"). The source treats txsTag specially at
	// multiple points (spill-by-value, pop gating, recovery priority);
	// that specialization is preserved verbatim here (spec.md §9).
	LocalitySpecial Locality = -2

	// LocalityLogRouter is the locality used by log-router pull
	// consumers; ids under it are taken modulo the configured router
	// count before indexing (spec.md §4.3).
	LocalityLogRouter Locality = -3
)

// Tag identifies a routing destination: a region (or the reserved
// system/log-router localities) plus an id within it.
type Tag struct {
	Locality Locality
	Id       uint16
}

// TxsTag is the reserved system-transaction tag. Messages tagged with
// it are spilled by value (spec.md §4.4) rather than by reference, and
// every hosting instance stores it regardless of locality (§4.3).
var TxsTag = Tag{Locality: LocalitySpecial, Id: 0}

func (t Tag) IsTxs() bool {
	return t == TxsTag
}

func (t Tag) IsLogRouter() bool {
	return t.Locality == LocalityLogRouter
}

func (t Tag) String() string {
	return fmt.Sprintf("Tag(%d,%d)", t.Locality, t.Id)
}

// Compare gives Tag a total order, locality first then id, used to key
// amoeba/gods ordered structures and the durable KV key prefixes of
// spec.md §6.4 (`TagMsg/`, `TagMsgRef/`, `TagPop/`).
func (t Tag) Compare(o Tag) int {
	if t.Locality != o.Locality {
		return int(t.Locality) - int(o.Locality)
	}
	return int(t.Id) - int(o.Id)
}

// Bytes encodes the tag as the fixed 3-byte big-endian form used as a
// key-prefix component: 1 signed byte locality, 2 bytes id.
func (t Tag) Bytes() []byte {
	buf := make([]byte, 3)
	buf[0] = byte(t.Locality)
	binary.BigEndian.PutUint16(buf[1:], t.Id)
	return buf
}

func Decode(b []byte) (Tag, error) {
	if len(b) < 3 {
		return Tag{}, fmt.Errorf("tag: short buffer (%d bytes)", len(b))
	}
	return Tag{Locality: Locality(int8(b[0])), Id: binary.BigEndian.Uint16(b[1:3])}, nil
}

// EffectiveRouterId folds a log-router tag's id into [0, count) the
// way spec.md §4.3 requires ("log-router ids are modulo'd by the
// configured router count").
func (t Tag) EffectiveRouterId(count int) uint16 {
	if count <= 0 || !t.IsLogRouter() {
		return t.Id
	}
	return uint16(int(t.Id) % count)
}

// HostedBy implements the locality-filtering rule of spec.md §4.3: "a
// non-satellite instance stores tags whose locality matches its own or
// is negative; a satellite stores only system-txn and log-router
// tags".
func HostedBy(t Tag, instanceLocality Locality, satellite bool, routerCount int) bool {
	if satellite {
		return t.IsTxs() || t.IsLogRouter()
	}
	return t.Locality == instanceLocality || t.Locality < 0
}

// Equal reports structural equality, mostly useful in tests where Tag
// values are built through Decode round-trips.
func Equal(a, b Tag) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}

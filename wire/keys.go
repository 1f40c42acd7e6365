package wire

import (
	uuid "github.com/satori/go.uuid"

	"github.com/pkopriv2/txlog/stash"
	"github.com/pkopriv2/txlog/tag"
)

// Format is the immutable durable-layout marker spec.md §6.4 pins as
// "Format = FoundationDB/LogServer/3/0". No key stores it: recovery
// does not read or check a persisted format marker.
const Format = "FoundationDB/LogServer/3/0"

// Key prefixes under which per-instance durable state lives, built on
// stash's big-endian Key composition the way kayak keys its bolt
// buckets (stash/key.go).
var (
	prefixVersion         = stash.Key("version/")
	prefixKnownCommitted  = stash.Key("knownCommitted/")
	prefixLocality        = stash.Key("Locality/")
	prefixLogRouterTags   = stash.Key("LogRouterTags/")
	prefixDbRecoveryCount = stash.Key("DbRecoveryCount/")
	prefixProtocolVersion = stash.Key("ProtocolVersion/")
	prefixRecoveryLoc     = stash.Key("recoveryLocation")
	prefixTagMsg          = stash.Key("TagMsg/")
	prefixTagMsgRef       = stash.Key("TagMsgRef/")
	prefixTagPop          = stash.Key("TagPop/")
)

func PersistentDataVersionKey(logID uuid.UUID) stash.Key {
	return prefixVersion.ChildUUID(logID)
}

func KnownCommittedKey(logID uuid.UUID) stash.Key {
	return prefixKnownCommitted.ChildUUID(logID)
}

func LocalityKey(logID uuid.UUID) stash.Key {
	return prefixLocality.ChildUUID(logID)
}

func LogRouterTagsKey(logID uuid.UUID) stash.Key {
	return prefixLogRouterTags.ChildUUID(logID)
}

func DbRecoveryCountKey(logID uuid.UUID) stash.Key {
	return prefixDbRecoveryCount.ChildUUID(logID)
}

func ProtocolVersionKey(logID uuid.UUID) stash.Key {
	return prefixProtocolVersion.ChildUUID(logID)
}

func RecoveryLocationKey() stash.Key {
	return prefixRecoveryLoc
}

// TagMsgKey is the spill-by-value key for the system-transaction tag:
// TagMsg/ + BE(log-id) | Tag | BE_u64(version).
func TagMsgKey(logID uuid.UUID, t tag.Tag, version int64) stash.Key {
	return prefixTagMsg.ChildUUID(logID).Child(t.Bytes()).ChildInt(int(version))
}

// TagMsgRefKey is the spill-by-reference batch key: TagMsgRef/ +
// BE(log-id) | Tag | BE_u64(last-version-in-batch).
func TagMsgRefKey(logID uuid.UUID, t tag.Tag, lastVersion int64) stash.Key {
	return prefixTagMsgRef.ChildUUID(logID).Child(t.Bytes()).ChildInt(int(lastVersion))
}

// TagMsgRefPrefix is the shared prefix of all batch keys for (logID,
// t), used to range-scan from a known-committed version forward
// (spec.md §4.4's popped-location re-index and §4.6's spilled peek
// read).
func TagMsgRefPrefix(logID uuid.UUID, t tag.Tag) stash.Key {
	return prefixTagMsgRef.ChildUUID(logID).Child(t.Bytes())
}

func TagPopKey(logID uuid.UUID, t tag.Tag) stash.Key {
	return prefixTagPop.ChildUUID(logID).Child(t.Bytes())
}

// PrefixUpperBound returns the smallest key greater than every key
// with the given prefix, for use as an exclusive range-scan bound —
// e.g. bounding a TagMsgRefPrefix(logID, t) scan to that tag's own
// batch rows instead of running into the next tag's.
func PrefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // every byte was 0xFF: no finite upper bound, caller must not bound.
}

package wire

import (
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pkopriv2/txlog/tag"
)

func TestTagMsgRefKey_SharesPrefixWithTagMsgRefPrefix(t *testing.T) {
	logID := uuid.NewV4()
	tg := tag.Tag{Locality: 0, Id: 3}

	prefix := TagMsgRefPrefix(logID, tg)
	key := TagMsgRefKey(logID, tg, 500)

	assert.True(t, len(key) > len(prefix))
	assert.Equal(t, []byte(prefix), []byte(key)[:len(prefix)])
}

func TestTagMsgRefKey_DistinctTagsDontShareBatchRows(t *testing.T) {
	logID := uuid.NewV4()
	a := TagMsgRefPrefix(logID, tag.Tag{Locality: 0, Id: 1})
	b := TagMsgRefPrefix(logID, tag.Tag{Locality: 0, Id: 2})
	assert.NotEqual(t, []byte(a), []byte(b))
}

func TestPrefixUpperBound_ExcludesPrefixedKeys(t *testing.T) {
	logID := uuid.NewV4()
	tg := tag.Tag{Locality: 0, Id: 7}

	prefix := TagMsgRefPrefix(logID, tg)
	upper := PrefixUpperBound(prefix)

	withinRange := TagMsgRefKey(logID, tg, 999999)
	assert.True(t, compareBytes(withinRange, upper) < 0)

	nextTag := TagMsgRefPrefix(logID, tag.Tag{Locality: 0, Id: 8})
	assert.True(t, compareBytes(nextTag, upper) >= 0)
}

func TestPrefixUpperBound_AllFF(t *testing.T) {
	assert.Nil(t, PrefixUpperBound([]byte{0xFF, 0xFF}))
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

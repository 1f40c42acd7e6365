package wire

import (
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
)

func TestQueueEntry_EncodeDecode_RoundTrip(t *testing.T) {
	entry := QueueEntry{
		LogID:                 uuid.NewV4(),
		Version:               42,
		KnownCommittedVersion: 41,
		Messages:              []byte("framed-messages-blob"),
	}

	decoded, err := DecodeQueueEntry(entry.Encode())
	assert.Nil(t, err)
	assert.Equal(t, entry.LogID, decoded.LogID)
	assert.Equal(t, entry.Version, decoded.Version)
	assert.Equal(t, entry.KnownCommittedVersion, decoded.KnownCommittedVersion)
	assert.Equal(t, entry.Messages, decoded.Messages)
}

func TestQueueEntry_Decode_ShortBuffer(t *testing.T) {
	_, err := DecodeQueueEntry([]byte{1, 2, 3})
	assert.NotNil(t, err)
}

func TestQueueEntry_Decode_TruncatedMessages(t *testing.T) {
	entry := QueueEntry{LogID: uuid.NewV4(), Version: 1, Messages: []byte("abcdef")}
	buf := entry.Encode()

	_, err := DecodeQueueEntry(buf[:len(buf)-3])
	assert.NotNil(t, err)
}

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pkopriv2/txlog/tag"
)

func TestMessage_EncodeDecode_RoundTrip(t *testing.T) {
	msgs := []Message{
		{Subsequence: 0, Tags: []tag.Tag{{Locality: 0, Id: 1}}, Payload: []byte("hello")},
		{Subsequence: 1, Tags: []tag.Tag{{Locality: 0, Id: 1}, {Locality: 1, Id: 2}}, Payload: []byte{}},
		{Subsequence: 2, Tags: nil, Payload: []byte{0, 1, 2, 3}},
	}

	buf := EncodeMessages(msgs)

	decoded, err := DecodeMessages(buf)
	assert.Nil(t, err)
	assert.Equal(t, len(msgs), len(decoded))
	for i, m := range msgs {
		assert.Equal(t, m.Subsequence, decoded[i].Subsequence)
		assert.Equal(t, m.Tags, decoded[i].Tags)
		assert.Equal(t, m.Payload, decoded[i].Payload)
	}
}

func TestMessage_EncodedLen_MatchesEncode(t *testing.T) {
	m := Message{Subsequence: 7, Tags: []tag.Tag{{Locality: 2, Id: 9}}, Payload: []byte("payload")}
	assert.Equal(t, m.EncodedLen(), len(m.Encode(nil)))
}

func TestMessage_DecodeMessages_ShortHeader(t *testing.T) {
	_, err := DecodeMessages([]byte{1, 2, 3})
	assert.NotNil(t, err)
}

func TestMessage_HasTag_DirectMatch(t *testing.T) {
	m := Message{Tags: []tag.Tag{{Locality: 0, Id: 5}}}
	assert.True(t, m.HasTag(tag.Tag{Locality: 0, Id: 5}, 4))
	assert.False(t, m.HasTag(tag.Tag{Locality: 0, Id: 6}, 4))
}

func TestMessage_HasTag_LogRouterFolding(t *testing.T) {
	router := tag.Tag{Locality: tag.LocalityLogRouter, Id: 10}
	m := Message{Tags: []tag.Tag{router}}

	target := tag.Tag{Locality: tag.LocalityLogRouter, Id: router.EffectiveRouterId(4)}
	assert.True(t, m.HasTag(target, 4))
}

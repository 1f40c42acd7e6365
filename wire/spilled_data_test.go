package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpilledData_EncodeDecode_RoundTrip(t *testing.T) {
	sd := SpilledData{Version: 100, Start: 2048, Length: 64, MutationBytes: 48}

	decoded, err := DecodeSpilledData(sd.Encode(nil))
	assert.Nil(t, err)
	assert.Equal(t, sd, decoded)
}

func TestSpilledDataVector_EncodeDecode_RoundTrip(t *testing.T) {
	vec := []SpilledData{
		{Version: 1, Start: 0, Length: 10, MutationBytes: 10},
		{Version: 2, Start: 10, Length: 20, MutationBytes: 20},
		{Version: 3, Start: 30, Length: 5, MutationBytes: 5},
	}

	decoded, err := DecodeSpilledDataVector(EncodeSpilledDataVector(vec))
	assert.Nil(t, err)
	assert.Equal(t, vec, decoded)
}

func TestSpilledDataVector_Empty(t *testing.T) {
	decoded, err := DecodeSpilledDataVector(EncodeSpilledDataVector(nil))
	assert.Nil(t, err)
	assert.Equal(t, 0, len(decoded))
}

func TestDecodeSpilledData_ShortBuffer(t *testing.T) {
	_, err := DecodeSpilledData([]byte{1, 2, 3})
	assert.NotNil(t, err)
}

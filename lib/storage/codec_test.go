package storage

import (
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type smsJob struct {
	Number string
	Body   string
}

func init() {
	gob.Register(smsJob{})
}

// TestJSONCodecRoundTrip tests encoding a typed job and decoding it back
// into generic values
func TestJSONCodecRoundTrip(t *testing.T) {
	codec := NewJSONCodec()

	payload, err := codec.Encode(emailJob{To: "user@example.com", Subject: "welcome"})
	require.NoError(t, err)

	decoded, err := codec.Decode(payload)
	require.NoError(t, err)

	// JSON objects come back as maps, not as the original struct type
	obj, ok := decoded.(map[string]any)
	require.True(t, ok, "expected a map, got %#v", decoded)
	assert.Equal(t, "user@example.com", obj["to"])
	assert.Equal(t, "welcome", obj["subject"])
}

// TestJSONCodecInvalidPayload tests that corrupt input fails to decode
func TestJSONCodecInvalidPayload(t *testing.T) {
	_, err := NewJSONCodec().Decode([]byte(`{"to":`))
	assert.Error(t, err)
}

// TestGOBCodecRoundTrip tests the gob codec with a registered job type
func TestGOBCodecRoundTrip(t *testing.T) {
	codec := NewGOBCodec()

	job := smsJob{Number: "+4912345678", Body: "your code is 1234"}
	payload, err := codec.Encode(job)
	require.NoError(t, err)

	decoded, err := codec.Decode(payload)
	require.NoError(t, err)

	// Gob preserves the concrete type across the round trip
	got, ok := decoded.(smsJob)
	require.True(t, ok, "expected a smsJob, got %#v", decoded)
	assert.Equal(t, job, got)
}

// TestGOBCodecUnregisteredType tests that encoding a type the caller never
// registered fails up front instead of producing an undecodable payload
func TestGOBCodecUnregisteredType(t *testing.T) {
	type pushJob struct {
		DeviceToken string
	}

	_, err := NewGOBCodec().Encode(pushJob{DeviceToken: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type not registered")
}

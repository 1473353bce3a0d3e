package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFingerprint(b byte) Fingerprint {
	var fp Fingerprint
	for i := range fp {
		fp[i] = b
	}
	return fp
}

func TestParseFingerprint(t *testing.T) {
	fp := testFingerprint(0xab)

	parsed, err := ParseFingerprint(fp.String())
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)

	_, err = ParseFingerprint("abcd")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParseFingerprint(strings.Repeat("zz", FingerprintSize))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFingerprintJSON(t *testing.T) {
	conv := Conversation{
		ID:           "conv1",
		Participants: []Fingerprint{testFingerprint(1), testFingerprint(2)},
	}

	data, err := json.Marshal(conv)
	require.NoError(t, err)
	assert.Contains(t, string(data), testFingerprint(1).String())

	var decoded Conversation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, conv, decoded)
	assert.True(t, decoded.HasParticipant(testFingerprint(2)))
	assert.False(t, decoded.HasParticipant(testFingerprint(3)))
}

func TestFingerprintShortAndZero(t *testing.T) {
	var zero Fingerprint
	assert.True(t, zero.IsZero())

	fp := testFingerprint(0x0f)
	assert.False(t, fp.IsZero())
	assert.Equal(t, "0f0f0f0f", fp.Short())
}

func TestFrameTypeIsInbound(t *testing.T) {
	for _, ft := range InboundTypes {
		assert.True(t, ft.IsInbound(), ft)
	}
	assert.False(t, FramePing.IsInbound())
	assert.False(t, FrameType("reaction").IsInbound())
}

func TestMessageExpiryAndReadBy(t *testing.T) {
	msg := &Message{ExpiresAt: 1000, ReadBy: []Fingerprint{testFingerprint(7)}}

	assert.False(t, msg.Expired(999))
	assert.True(t, msg.Expired(1000))
	assert.False(t, (&Message{}).Expired(1<<60))

	assert.True(t, msg.IsReadBy(testFingerprint(7)))
	assert.False(t, msg.IsReadBy(testFingerprint(8)))
}

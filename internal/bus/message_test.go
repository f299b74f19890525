package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCodecRoundTrip(t *testing.T) {
	in := map[string]string{
		HeaderMessageID: "abc-123",
		HeaderPriority:  "7",
		"x-custom":      "väl üe with unicode",
	}
	b, err := MarshalHeaders(in)
	require.NoError(t, err)

	out, err := UnmarshalHeaders(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnmarshalHeadersEmpty(t *testing.T) {
	out, err := UnmarshalHeaders(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestMarshalHeadersNilMap(t *testing.T) {
	b, err := MarshalHeaders(nil)
	require.NoError(t, err)
	out, err := UnmarshalHeaders(b)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMessageClone(t *testing.T) {
	msg := NewMessage([]byte("payload"))
	msg.Headers[HeaderMessageID] = "id-1"

	clone := msg.Clone()
	clone.Headers[HeaderMessageID] = "id-2"

	assert.Equal(t, "id-1", msg.ID())
	assert.Equal(t, "id-2", clone.ID())
}

func TestMalformedMessageError(t *testing.T) {
	var err error = &MalformedMessageError{Header: HeaderPriority, Reason: "not an integer: x"}
	assert.True(t, IsMalformed(err))
	assert.Contains(t, err.Error(), HeaderPriority)

	wrapped := errors.Join(errors.New("outer"), err)
	assert.True(t, IsMalformed(wrapped))
	assert.False(t, IsMalformed(errors.New("plain")))
}

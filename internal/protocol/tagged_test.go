package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTaggedPageZero(t *testing.T) {
	buf := []byte{tagZeroPage}

	page, consumed, err := DecodeTaggedPage(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, consumed)
	assert.Equal(t, make([]byte, taggedPageSize), page)
}

func TestDecodeTaggedPageData(t *testing.T) {
	buf := make([]byte, 1+taggedPageSize)
	buf[0] = tagData
	for i := range taggedPageSize {
		buf[1+i] = byte(i)
	}

	page, consumed, err := DecodeTaggedPage(buf)
	require.NoError(t, err)
	assert.Equal(t, 1+taggedPageSize, consumed)
	assert.Equal(t, buf[1:], page)
}

func TestDecodeTaggedPageUnknownTag(t *testing.T) {
	_, _, err := DecodeTaggedPage([]byte{0xFF})
	require.Error(t, err)

	var tagErr ErrUnknownTag
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, byte(0xFF), tagErr.Tag)
}

// TestTaggedFramingIncompatibleWithRawStream documents the section 4.8
// decision: a raw-stream client reading a tagged response would
// misinterpret the leading tag byte as the start of page data, corrupting
// every subsequent byte in the stream. This is why the server never
// emits tagged frames.
func TestTaggedFramingIncompatibleWithRawStream(t *testing.T) {
	tagged := make([]byte, 1+taggedPageSize)
	tagged[0] = tagData
	for i := range taggedPageSize {
		tagged[1+i] = byte(i + 1)
	}

	// A raw-stream client expects the first PageSize bytes to *be* the
	// page; instead it reads the tag byte plus the first (PageSize-1)
	// content bytes, shifted by one - not the intended page contents.
	misread := tagged[:PageSize]
	assert.NotEqual(t, tagged[1:1+PageSize], misread, "tagged framing must not be read as a raw stream")
}

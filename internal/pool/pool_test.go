package pool

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzip(t *testing.T) {
	src := []byte(strings.Repeat(`{"event":"$pageview"}`, 50))

	for i := 0; i < 3; i++ {
		out, err := Gzip(src)
		require.NoError(t, err)
		assert.Less(t, len(out), len(src))

		r, err := gzip.NewReader(bytes.NewReader(out))
		require.NoError(t, err)
		plain, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, src, plain)
	}
}

func TestPutBufferDropsOversized(t *testing.T) {
	big := bytes.NewBuffer(make([]byte, 0, MaxBufferCap+1))
	big.WriteString("x")
	PutBuffer(big)
	assert.Equal(t, 1, big.Len(), "oversized buffers are not reset or pooled")

	small := GetBuffer()
	small.WriteString("abc")
	PutBuffer(small)
	assert.Zero(t, small.Len())
}

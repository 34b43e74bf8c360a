package fifo

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbfs-cdc/pkg"
)

func TestReadMessageSkipsOversizedPayload(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})

	var wbuf [headerSize + 300]byte
	require.NoError(t, writeMessage(w, wbuf[:], msgData, bytes.Repeat([]byte{msgAck}, 300)))
	require.NoError(t, writeMessage(w, wbuf[:], msgData, []byte("ok")))

	ctx := context.Background()
	var rbuf [headerSize + 8]byte
	msgType, _, err := readMessage(ctx, nil, r, rbuf[:])
	assert.ErrorIs(t, err, pkg.ErrProtocol)
	assert.Equal(t, byte(msgData), msgType)

	msgType, payload, err := readMessage(ctx, nil, r, rbuf[:])
	require.NoError(t, err)
	assert.Equal(t, byte(msgData), msgType)
	assert.Equal(t, "ok", string(payload))
}

func TestWriteMessageTooLarge(t *testing.T) {
	var buf [headerSize + 2]byte
	assert.ErrorIs(t, writeMessage(nil, buf[:], msgData, []byte("abc")), pkg.ErrBufferTooSmall)
}

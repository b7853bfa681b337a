package ctrl

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	in := NewMessage(CmdStatus, map[string]string{
		"version": "1.0.0",
		"workers": "101:1700000000,102:1700000001",
	})
	in.Flag = FlagError

	out, err := Decode(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in.Comd, out.Comd)
	require.Equal(t, in.Flag, out.Flag)
	require.Equal(t, in.Args, out.Args)
	require.True(t, out.IsError())
}

func TestMessageEmptyArgs(t *testing.T) {
	out, err := Decode(NewMessage(CmdReload, nil).Encode())
	require.NoError(t, err)
	require.Equal(t, CmdReload, out.Comd)
	require.Empty(t, out.Args)
	require.False(t, out.IsError())
}

func TestSendRecv(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, NewMessage(CmdScaleUp, map[string]string{"k": "v"})))
	require.NoError(t, Send(&buf, NewMessage(CmdStop, nil)))

	first, err := Recv(&buf)
	require.NoError(t, err)
	require.Equal(t, CmdScaleUp, first.Comd)
	require.Equal(t, "v", first.Get("k"))

	second, err := Recv(&buf)
	require.NoError(t, err)
	require.Equal(t, CmdStop, second.Comd)
}

func TestRecvTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, NewMessage(CmdStatus, map[string]string{"k": "v"})))
	short := buf.Bytes()[:buf.Len()-2]

	_, err := Recv(bytes.NewReader(short))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestRecvTooLarge(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)
	_, err := Recv(bytes.NewReader(prefix[:]))
	require.ErrorIs(t, err, ErrTooLarge)
}

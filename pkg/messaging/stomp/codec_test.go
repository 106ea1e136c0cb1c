package stomp

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Run("send frame layout", func(t *testing.T) {
		data := string(Encode(NewSend("/app/chat.sendMessage", ContentTypeJSON, []byte(`{"a":1}`))))
		assert.True(t, strings.HasPrefix(data, "SEND\ndestination:/app/chat.sendMessage\ncontent-type:application/json\n"), data)
		assert.Equal(t, 1, strings.Count(data, "content-length:7\n"))
		assert.True(t, strings.HasSuffix(data, "\n\n{\"a\":1}\x00"), data)
	})

	t.Run("headers are escaped", func(t *testing.T) {
		f := Frame{Command: CommandSend}
		f.Add("x-note", "a:b\nc")
		assert.Contains(t, string(Encode(f)), `x-note:a\cb\nc`)
	})

	t.Run("connect headers", func(t *testing.T) {
		f := NewConnect("example.com", "3", "tok", "")
		data := string(Encode(f))
		assert.Contains(t, data, "accept-version:1.2\n")
		assert.Contains(t, data, "host:example.com\n")
		assert.Contains(t, data, "heart-beat:0,0\n")
		assert.Contains(t, data, "login:3\n")
		assert.Contains(t, data, "Authorization:Bearer tok\n")
	})
}

func TestDecode(t *testing.T) {
	t.Run("message frame", func(t *testing.T) {
		in := NewMessage("sub-1", "m-1", "/topic/user/3", ContentTypeJSON, []byte(`{"content":"hi"}`))
		out, err := Decode(Encode(in))
		require.NoError(t, err)
		assert.Equal(t, CommandMessage, out.Command)
		assert.Equal(t, "sub-1", out.Get(HeaderSubscription))
		assert.Equal(t, "/topic/user/3", out.Get(HeaderDestination))
		assert.Equal(t, `{"content":"hi"}`, string(out.Body))
	})

	t.Run("escaped header round trip", func(t *testing.T) {
		in := Frame{Command: CommandError}
		in.Add(HeaderMessage, `bad: thing\here`)
		out, err := Decode(Encode(in))
		require.NoError(t, err)
		assert.Equal(t, `bad: thing\here`, out.Get(HeaderMessage))
	})

	t.Run("first repeated header wins", func(t *testing.T) {
		out, err := Decode([]byte("MESSAGE\nfoo:1\nfoo:2\n\n\x00"))
		require.NoError(t, err)
		assert.Equal(t, "1", out.Get("foo"))
	})

	t.Run("content-length allows NULs in body", func(t *testing.T) {
		out, err := Decode([]byte("SEND\ncontent-length:3\n\na\x00b\x00"))
		require.NoError(t, err)
		assert.Equal(t, []byte("a\x00b"), out.Body)
	})

	t.Run("crlf line endings", func(t *testing.T) {
		out, err := Decode([]byte("CONNECTED\r\nversion:1.2\r\n\r\n\x00"))
		require.NoError(t, err)
		assert.Equal(t, CommandConnected, out.Command)
		assert.Equal(t, "1.2", out.Get(HeaderVersion))
	})

	t.Run("leading EOLs are skipped", func(t *testing.T) {
		out, err := Decode([]byte("\n\nRECEIPT\nreceipt-id:r1\n\n\x00"))
		require.NoError(t, err)
		assert.Equal(t, "r1", out.Get(HeaderReceiptID))
	})

	t.Run("heartbeat", func(t *testing.T) {
		_, err := Decode(HeartbeatPayload)
		assert.True(t, errors.Is(err, ErrHeartbeat))
	})

	t.Run("malformed frames", func(t *testing.T) {
		for _, raw := range []string{
			"SEND\ndestination:/x\n",
			"SEND\nnocolon\n\n\x00",
			"SEND\ncontent-length:10\n\nabc\x00",
			"SEND\n\nno terminator",
		} {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformed, raw)
		}
	})
}

func TestDecodeOnlyEOLs(t *testing.T) {
	_, err := Decode([]byte("\n\n"))
	assert.ErrorIs(t, err, ErrHeartbeat)
}

func TestFrameHeaders(t *testing.T) {
	var empty Frame
	_, ok := empty.Lookup(HeaderID)
	assert.False(t, ok)
	empty.Add(HeaderID, "a")
	assert.Equal(t, "a", empty.Get(HeaderID))

	f := NewSubscribe("sub-0", "/topic/user/1")
	assert.Equal(t, "sub-0", f.Get(HeaderID))
	assert.Equal(t, "auto", f.Get(HeaderAck))

	f.Set(HeaderID, "sub-9")
	assert.Equal(t, "sub-9", f.Get(HeaderID))

	f.Set("receipt", "r-1")
	v, ok := f.Lookup("receipt")
	assert.True(t, ok)
	assert.Equal(t, "r-1", v)

	_, ok = f.Lookup("missing")
	assert.False(t, ok)
}

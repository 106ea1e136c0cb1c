package envelope

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveConversationID(t *testing.T) {
	t.Run("smaller id first", func(t *testing.T) {
		assert.Equal(t, "3_7", DeriveConversationID(7, 3))
		assert.Equal(t, "3_7", DeriveConversationID(3, 7))
	})

	t.Run("symmetric", func(t *testing.T) {
		pairs := [][2]float64{{1, 2}, {42, 9}, {-5, 5}, {1000000, 999999}}
		for _, p := range pairs {
			assert.Equal(t, DeriveConversationID(p[0], p[1]), DeriveConversationID(p[1], p[0]))
		}
	})

	t.Run("non-finite input falls back", func(t *testing.T) {
		assert.Equal(t, FallbackConversationID, DeriveConversationID(math.NaN(), 5))
		assert.Equal(t, "0_0", DeriveConversationID(5, math.Inf(1)))
	})

	t.Run("integer helper matches", func(t *testing.T) {
		assert.Equal(t, DeriveConversationID(12, 4), ConversationIDFor(12, 4))
		assert.Equal(t, "4_12", ConversationIDFor(4, 12))
	})
}

func TestCoerceID(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int64
		ok   bool
	}{
		{"int", 7, 7, true},
		{"int64", int64(9), 9, true},
		{"float", 3.0, 3, true},
		{"numeric string", "12", 12, true},
		{"padded string", " 12 ", 12, true},
		{"float string", "5.0", 5, true},
		{"json number", json.Number("8"), 8, true},
		{"word", "abc", 0, false},
		{"nan", math.NaN(), 0, false},
		{"bool", true, 0, false},
		{"huge float", 1e30, 0, false},
		{"huge negative float", -1e30, 0, false},
		{"huge string", "1e30", 0, false},
		{"int64 overflow string", "9223372036854775808", 0, false},
		{"max int64", int64(math.MaxInt64), math.MaxInt64, true},
		{"uint64 overflow", uint64(math.MaxInt64) + 1, 0, false},
		{"uint64", uint64(11), 11, true},
		{"inf", math.Inf(1), 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := CoerceID(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	defaults := Defaults{UserID: 3, Now: func() time.Time { return fixed }}

	t.Run("fills type content and conversation", func(t *testing.T) {
		env, err := Normalize(Draft{SenderID: 3, ReceiverID: 7}, defaults)
		require.NoError(t, err)
		assert.Equal(t, TypeChat, env.Type)
		assert.Equal(t, "", env.Content)
		assert.Equal(t, "3_7", env.ConversationID)
		assert.Equal(t, fixed, env.Timestamp)
	})

	t.Run("sender defaults to local user", func(t *testing.T) {
		env, err := Normalize(Draft{ReceiverID: "9", Content: Text("hi")}, defaults)
		require.NoError(t, err)
		assert.Equal(t, int64(3), env.SenderID)
		assert.Equal(t, int64(9), env.ReceiverID)
		assert.Equal(t, "hi", env.Content)
		assert.Equal(t, "3_9", env.ConversationID)
	})

	t.Run("placeholder conversation ids are derived", func(t *testing.T) {
		for _, placeholder := range []string{"", "null", "undefined"} {
			env, err := Normalize(Draft{SenderID: 8, ReceiverID: 2, ConversationID: placeholder}, defaults)
			require.NoError(t, err)
			assert.Equal(t, "2_8", env.ConversationID, placeholder)
		}
	})

	t.Run("explicit values are kept", func(t *testing.T) {
		ts := fixed.Add(-time.Hour)
		env, err := Normalize(Draft{
			Type:           TypeTyping,
			SenderID:       1,
			ReceiverID:     2,
			Content:        Text("typing"),
			ConversationID: "custom",
			Timestamp:      ts,
		}, defaults)
		require.NoError(t, err)
		assert.Equal(t, TypeTyping, env.Type)
		assert.Equal(t, "custom", env.ConversationID)
		assert.Equal(t, ts, env.Timestamp)
	})

	t.Run("missing receiver becomes unknown participant", func(t *testing.T) {
		env, err := Normalize(Draft{Content: Text("x")}, defaults)
		require.NoError(t, err)
		assert.Equal(t, UnknownParticipant, env.ReceiverID)
		assert.Equal(t, "0_3", env.ConversationID)
	})

	t.Run("bad ids are coerced and reported", func(t *testing.T) {
		env, err := Normalize(Draft{SenderID: "alice", ReceiverID: "bob"}, defaults)
		require.Error(t, err)
		assert.True(t, IsInvalidEnvelope(err))

		var invalid *InvalidEnvelopeError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, []string{"senderId", "receiverId"}, invalid.Fields)

		assert.Equal(t, UnknownParticipant, env.SenderID)
		assert.Equal(t, UnknownParticipant, env.ReceiverID)
		assert.Equal(t, "0_0", env.ConversationID)
	})

	t.Run("draft is not modified", func(t *testing.T) {
		d := Draft{SenderID: "5", ReceiverID: 6}
		_, err := Normalize(d, defaults)
		require.NoError(t, err)
		assert.Equal(t, "5", d.SenderID)
		assert.Empty(t, d.ConversationID)
		assert.Empty(t, d.Type)
	})
}

func TestDecode(t *testing.T) {
	t.Run("string ids and missing conversation", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"CHAT","senderId":"7","receiverId":3,"content":"hello","timestamp":"2024-03-01T10:00:00Z"}`))
		require.NoError(t, err)
		assert.Equal(t, int64(7), env.SenderID)
		assert.Equal(t, int64(3), env.ReceiverID)
		assert.Equal(t, "3_7", env.ConversationID)
		assert.Equal(t, "hello", env.Content)
		assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), env.Timestamp.UTC())
	})

	t.Run("round trip", func(t *testing.T) {
		in := Envelope{
			Type:           TypeRead,
			SenderID:       1,
			ReceiverID:     2,
			Content:        "",
			ConversationID: "1_2",
			Timestamp:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		data, err := Encode(in)
		require.NoError(t, err)

		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in.Type, out.Type)
		assert.Equal(t, in.ConversationID, out.ConversationID)
		assert.True(t, in.Timestamp.Equal(out.Timestamp))
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Decode([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestPartnerOf(t *testing.T) {
	env := Envelope{SenderID: 7, ReceiverID: 3}
	assert.Equal(t, int64(7), env.PartnerOf(3))
	assert.Equal(t, int64(3), env.PartnerOf(7))
}

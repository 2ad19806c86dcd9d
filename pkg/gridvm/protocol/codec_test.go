package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/gridvm/pkg/gridvm/protocol"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []types.Packet{
		protocol.NewRequest(types.DISCOVER_REQ, protocol.SenderInfo{IP: "10.0.0.1", Port: 4242, RuntimeID: "abc123"}),
		{Kind: types.ACK, Meta: map[string]interface{}{}, Payload: nil},
		{Kind: types.THREAD_MESSAGE, Meta: map[string]interface{}{"recv": "p:1", "sender": "p:0"}, Payload: []byte("hello world")},
	}

	for _, pkt := range cases {
		encoded, err := protocol.EncodePacket(pkt)
		require.NoError(t, err)

		decoded, err := protocol.DecodePacket(encoded)
		require.NoError(t, err)
		require.True(t, pkt.Equal(decoded), "round-trip mismatch: %+v != %+v", pkt, decoded)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	pkt := protocol.NewRequest(types.MIGRATE_THREAD, protocol.SenderInfo{IP: "127.0.0.1", Port: 1, RuntimeID: "r1"})
	pkt.Set("program_id", "p1")
	pkt.Set("thread_id", 3)

	first, err := protocol.EncodePacket(pkt)
	require.NoError(t, err)
	second, err := protocol.EncodePacket(pkt)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDecodeTreatsEmptyMetadataAsValid(t *testing.T) {
	pkt := types.Packet{Kind: types.UNINIT, Payload: []byte("x")}
	encoded, err := protocol.EncodePacket(pkt)
	require.NoError(t, err)

	decoded, err := protocol.DecodePacket(encoded)
	require.NoError(t, err)
	require.Equal(t, 0, len(decoded.Meta))
}

func TestReplyKindInvolution(t *testing.T) {
	evenKinds := []types.PacketKind{
		types.DISCOVER_REQ, types.SHUTDOWN_REQ, types.DISCOVER_THREAD_REQ,
		types.THREAD_MESSAGE, types.RUNTIME_PRINT_REQ,
		types.MIGRATE_THREAD,
	}
	// RUNTIME_STATUS_REQ is 0x19, an odd kind, so it has no reply kind.
	_, err := protocol.ReplyKind(types.RUNTIME_STATUS_REQ)
	require.ErrorIs(t, err, types.ErrReplyNotSupported)

	for _, k := range evenKinds {
		reply, err := protocol.ReplyKind(k)
		require.NoError(t, err)
		require.Equal(t, k|1, reply)

		_, err = protocol.ReplyKind(reply)
		require.ErrorIs(t, err, types.ErrReplyNotSupported)
	}
}

func TestHashSuppressesByKindOnly(t *testing.T) {
	a := types.Packet{Kind: types.DISCOVER_REP, Meta: map[string]interface{}{"a": 1}}
	b := types.Packet{Kind: types.DISCOVER_REP, Meta: map[string]interface{}{"a": 2}}
	require.Equal(t, a.Hash(), b.Hash())
}

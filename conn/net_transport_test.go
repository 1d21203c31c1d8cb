package conn

import (
	"encoding/binary"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	proposalLabel = iota
	shareLabel
)

type testProposal struct {
	BlockID  uint64
	Proposer uint64
	Payload  []byte
}

type testShare struct {
	BlockID uint64
	Signer  uint64
}

var reflectedTestTypes = map[uint8]reflect.Type{
	proposalLabel: reflect.TypeOf(testProposal{}),
	shareLabel:    reflect.TypeOf(testShare{}),
}

// TestFireAndForget checks that a broadcast-style message sent by one
// transport arrives on the other transport's message channel intact.
func TestFireAndForget(t *testing.T) {
	server, err := NewTCPTransport("127.0.0.1:0", 2*time.Second, nil, 1, reflectedTestTypes)
	require.NoError(t, err)
	defer server.Close()

	client, err := NewTCPTransport("127.0.0.1:0", 2*time.Second, nil, 1, reflectedTestTypes)
	require.NoError(t, err)
	defer client.Close()

	sent := testShare{BlockID: 7, Signer: 2}

	conn, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, SendMsg(conn, shareLabel, &sent, []byte("sig")))
	require.NoError(t, client.ReturnConn(conn))

	select {
	case msgWithSig := <-server.MsgChan():
		received, ok := msgWithSig.Msg.(testShare)
		require.True(t, ok)
		require.Equal(t, sent, received)
		require.Equal(t, []byte("sig"), msgWithSig.Sig)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

// TestItemStatusReply checks that an item submission is answered with the
// status pair computed by the server's item handler.
func TestItemStatusReply(t *testing.T) {
	server, err := NewTCPTransport("127.0.0.1:0", 2*time.Second, nil, 1, reflectedTestTypes)
	require.NoError(t, err)
	defer server.Close()

	server.SetItemHandler([]uint8{proposalLabel}, func(rpcType uint8, msg interface{}, sig []byte) (uint8, uint8) {
		proposal, ok := msg.(testProposal)
		require.True(t, ok)
		if proposal.BlockID == 0 {
			return StatusError, SubErrOldBlock
		}
		return StatusSuccess, SubNone
	})

	client, err := NewTCPTransport("127.0.0.1:0", 2*time.Second, nil, 1, reflectedTestTypes)
	require.NoError(t, err)
	defer client.Close()

	conn, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)

	status, substatus, err := SendItem(conn, proposalLabel, &testProposal{BlockID: 1}, nil, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, SubNone, substatus)

	status, substatus, err = SendItem(conn, proposalLabel, &testProposal{BlockID: 0}, nil, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusError, status)
	require.Equal(t, SubErrOldBlock, substatus)

	require.NoError(t, client.ReturnConn(conn))
}

// TestBadMagicRejected checks that a connection opening with the wrong magic
// never delivers anything.
func TestBadMagicRejected(t *testing.T) {
	server, err := NewTCPTransport("127.0.0.1:0", 2*time.Second, nil, 1, reflectedTestTypes)
	require.NoError(t, err)
	defer server.Close()

	raw, err := net.Dial("tcp", server.LocalAddr())
	require.NoError(t, err)
	defer raw.Close()

	var wrongMagic [8]byte
	binary.BigEndian.PutUint64(wrongMagic[:], Magic+1)
	_, err = raw.Write(wrongMagic[:])
	require.NoError(t, err)
	_, err = raw.Write([]byte{shareLabel})
	require.NoError(t, err)

	select {
	case <-server.MsgChan():
		t.Fatal("message arrived over a connection with bad magic")
	case <-time.After(500 * time.Millisecond):
	}
}

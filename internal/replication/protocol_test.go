package replication

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/hlc"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		{Type: MsgPing, FromNode: "node-a", ReplicationAddr: "0.0.0.0:7700"},
		{Type: MsgPong, FromNode: "node-b", CurrentSequence: 42, KnownPeers: []string{"10.0.0.2:7700"}},
		{Type: MsgSyncRequest, FromNode: "node-a", AfterSequence: 10},
		{Type: MsgPushEntries, FromNode: "node-a", Entries: []Entry{{
			Sequence: 11, NodeID: "node-a",
			HLC:      hlc.Timestamp{Physical: 1000, Logical: 2, NodeID: "node-a"},
			Database: "app", Collection: "users", Operation: OpInsert,
			DocumentKey: "u1", DocumentData: []byte(`{"_key":"u1"}`),
		}}},
		{Type: MsgAck, FromNode: "node-b", UpToSequence: 11},
		{Type: MsgAuthChallenge, Challenge: "nonce"},
	}
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m))
	}

	reader := NewLineReader(&buf)
	for _, want := range msgs {
		got, err := ReadMessage(reader)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ReadMessage(reader)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadMessageSkipsBlankLines(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("\n\n")
	require.NoError(t, WriteMessage(&buf, Message{Type: MsgPing, FromNode: "a"}))
	got, err := ReadMessage(NewLineReader(&buf))
	require.NoError(t, err)
	require.Equal(t, MsgPing, got.Type)
}

func TestReadMessageRejectsMalformedLine(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not json\n")
	_, err := ReadMessage(NewLineReader(&buf))
	require.Error(t, err)
}

func TestAuthChallengeResponse(t *testing.T) {
	resp := ComputeAuthResponse("secret-keyfile", "nonce-1")
	require.Len(t, resp, 64)
	require.True(t, VerifyAuthResponse("secret-keyfile", "nonce-1", resp))
	require.False(t, VerifyAuthResponse("secret-keyfile", "nonce-2", resp))
	require.False(t, VerifyAuthResponse("other-keyfile", "nonce-1", resp))
}

func TestVerifySharedSecret(t *testing.T) {
	require.True(t, VerifySharedSecret("s3cret", "s3cret"))
	require.False(t, VerifySharedSecret("s3cret", "wrong"))
	// An unset secret authorizes nothing.
	require.False(t, VerifySharedSecret("", ""))
}

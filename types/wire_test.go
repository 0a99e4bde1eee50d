package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTripEnvelope(t *testing.T, env Envelope) Envelope {
	data, err := env.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, env.Type, out.Type)
	require.Equal(t, env.Token, out.Token)
	require.True(t, env.Sender.Equals(out.Sender))
	require.Equal(t, env.Method, out.Method)
	return out
}

func Test_Wire_EnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		Type:    MsgRequest,
		Token:   0xdeadbeef12345678,
		Sender:  RandomID(),
		Method:  MethodFindNode,
		Payload: []byte{1, 2, 3},
	}
	out := roundTripEnvelope(t, env)
	require.Equal(t, env.Payload, out.Payload)
}

func Test_Wire_EnvelopeMalformed(t *testing.T) {
	_, err := UnmarshalEnvelope(nil)
	require.Error(t, err)

	_, err = UnmarshalEnvelope(make([]byte, 5))
	require.Error(t, err)

	env := Envelope{Type: MsgRequest, Sender: RandomID(), Method: MethodPing}
	data, err := env.Marshal()
	require.NoError(t, err)

	// bad message type
	data[0] = 0x42
	_, err = UnmarshalEnvelope(data)
	require.Error(t, err)

	// method length pointing past the datagram
	data[0] = MsgRequest
	data[1+8+IDLength] = 16
	_, err = UnmarshalEnvelope(data)
	require.Error(t, err)

	// method name too long to marshal
	_, err = Envelope{Type: MsgRequest, Method: "way_too_long_method_name"}.Marshal()
	require.Error(t, err)
}

func Test_Wire_PingRoundTrip(t *testing.T) {
	payload, err := PingRequest{}.Marshal()
	require.NoError(t, err)
	_, err = UnmarshalPingRequest(payload)
	require.NoError(t, err)

	// a ping request payload must be empty
	_, err = UnmarshalPingRequest([]byte{1})
	require.Error(t, err)

	id := RandomID()
	payload, err = PingReply{ID: id}.Marshal()
	require.NoError(t, err)

	reply, err := UnmarshalPingReply(payload)
	require.NoError(t, err)
	require.True(t, id.Equals(reply.ID))
}

func Test_Wire_FindNodeRoundTrip(t *testing.T) {
	target := RandomID()
	payload, err := FindNodeRequest{Target: target}.Marshal()
	require.NoError(t, err)

	req, err := UnmarshalFindNodeRequest(payload)
	require.NoError(t, err)
	require.True(t, target.Equals(req.Target))

	contacts := []Contact{
		{ID: RandomID(), Addr: "127.0.0.1:2001"},
		{ID: RandomID(), Addr: "[::1]:2002"},
		{ID: RandomID(), Addr: "10.1.2.3:65535"},
	}
	payload, err = FindNodeReply{Contacts: contacts}.Marshal()
	require.NoError(t, err)

	reply, err := UnmarshalFindNodeReply(payload)
	require.NoError(t, err)
	require.Equal(t, contacts, reply.Contacts)
}

func Test_Wire_FindNodeEmptyReply(t *testing.T) {
	payload, err := FindNodeReply{}.Marshal()
	require.NoError(t, err)

	reply, err := UnmarshalFindNodeReply(payload)
	require.NoError(t, err)
	require.Empty(t, reply.Contacts)
}

func Test_Wire_FindValueRoundTrip(t *testing.T) {
	key := RandomID()
	payload, err := FindValueRequest{Key: key}.Marshal()
	require.NoError(t, err)

	req, err := UnmarshalFindValueRequest(payload)
	require.NoError(t, err)
	require.True(t, key.Equals(req.Key))

	// value branch
	payload, err = FindValueReply{Found: true, Value: []byte("world")}.Marshal()
	require.NoError(t, err)

	reply, err := UnmarshalFindValueReply(payload)
	require.NoError(t, err)
	require.True(t, reply.Found)
	require.Equal(t, []byte("world"), reply.Value)
	require.Empty(t, reply.Contacts)

	// contacts branch
	contacts := []Contact{{ID: RandomID(), Addr: "127.0.0.1:7000"}}
	payload, err = FindValueReply{Contacts: contacts}.Marshal()
	require.NoError(t, err)

	reply, err = UnmarshalFindValueReply(payload)
	require.NoError(t, err)
	require.False(t, reply.Found)
	require.Nil(t, reply.Value)
	require.Equal(t, contacts, reply.Contacts)

	// unknown tag
	_, err = UnmarshalFindValueReply([]byte{7})
	require.Error(t, err)
}

func Test_Wire_StoreRoundTrip(t *testing.T) {
	key := []byte("hello")
	req := StoreRequest{KeyID: HashKey(key), Key: key, Value: []byte("world")}

	payload, err := req.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalStoreRequest(payload)
	require.NoError(t, err)
	require.True(t, req.KeyID.Equals(out.KeyID))
	require.Equal(t, req.Key, out.Key)
	require.Equal(t, req.Value, out.Value)

	for _, stored := range []bool{true, false} {
		payload, err := StoreReply{Stored: stored}.Marshal()
		require.NoError(t, err)

		reply, err := UnmarshalStoreReply(payload)
		require.NoError(t, err)
		require.Equal(t, stored, reply.Stored)
	}

	_, err = UnmarshalStoreReply([]byte{5})
	require.Error(t, err)
}

func Test_Wire_ErrorReplyRoundTrip(t *testing.T) {
	payload, err := ErrorReply{Message: "unknown method \"bogus\""}.Marshal()
	require.NoError(t, err)

	reply, err := UnmarshalErrorReply(payload)
	require.NoError(t, err)
	require.Equal(t, "unknown method \"bogus\"", reply.Message)
}

func Test_Wire_ContactBadAddress(t *testing.T) {
	_, err := FindNodeReply{Contacts: []Contact{{ID: RandomID(), Addr: "not-an-address"}}}.Marshal()
	require.Error(t, err)
}

func Test_Wire_TruncatedPayloads(t *testing.T) {
	contacts := []Contact{{ID: RandomID(), Addr: "127.0.0.1:7000"}}
	payload, err := FindNodeReply{Contacts: contacts}.Marshal()
	require.NoError(t, err)

	for cut := 1; cut < len(payload); cut++ {
		_, err := UnmarshalFindNodeReply(payload[:cut])
		require.Error(t, err)
	}
}

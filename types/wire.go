package types

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"github.com/multiformats/go-varint"
	"golang.org/x/xerrors"
)

// Wire framing, in order: message type (1 byte), correlation token (8 bytes,
// big endian), sender identifier (20 bytes), method name (1-byte length
// prefix, ASCII), then the method-specific payload. Variable-length byte
// fields inside payloads carry an unsigned varint length prefix. Addresses
// inside contact lists are encoded as 1-byte family (4 or 6), the raw
// address bytes, and a 2-byte port in network byte order.

// headerLen is the fixed part of the frame before the method name.
const headerLen = 1 + 8 + IDLength

// Marshal encodes the envelope into a single datagram payload.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Type != MsgRequest && e.Type != MsgResponse {
		return nil, xerrors.Errorf("marshal envelope: bad message type 0x%02x", e.Type)
	}
	if len(e.Method) == 0 || len(e.Method) > MaxMethodLen {
		return nil, xerrors.Errorf("marshal envelope: bad method name %q", e.Method)
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerLen+1+len(e.Method)+len(e.Payload)))
	buf.WriteByte(e.Type)

	var token [8]byte
	binary.BigEndian.PutUint64(token[:], e.Token)
	buf.Write(token[:])

	buf.Write(e.Sender[:])
	buf.WriteByte(byte(len(e.Method)))
	buf.WriteString(e.Method)
	buf.Write(e.Payload)

	return buf.Bytes(), nil
}

// UnmarshalEnvelope decodes a datagram into an envelope. The payload is not
// interpreted; it is sliced out for the per-method decoders below.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if len(data) < headerLen+1 {
		return e, xerrors.Errorf("unmarshal envelope: short datagram (%d bytes)", len(data))
	}

	e.Type = data[0]
	if e.Type != MsgRequest && e.Type != MsgResponse {
		return e, xerrors.Errorf("unmarshal envelope: bad message type 0x%02x", e.Type)
	}
	e.Token = binary.BigEndian.Uint64(data[1:9])
	copy(e.Sender[:], data[9:9+IDLength])

	methodLen := int(data[headerLen])
	if methodLen == 0 || methodLen > MaxMethodLen {
		return e, xerrors.Errorf("unmarshal envelope: bad method length %d", methodLen)
	}
	rest := data[headerLen+1:]
	if len(rest) < methodLen {
		return e, xerrors.Errorf("unmarshal envelope: truncated method name")
	}
	e.Method = string(rest[:methodLen])
	e.Payload = rest[methodLen:]

	return e, nil
}

/* ========== payload helpers ========== */

type payloadReader struct {
	buf []byte
}

func (r *payloadReader) take(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, xerrors.Errorf("truncated payload: want %d bytes, have %d", n, len(r.buf))
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}

func (r *payloadReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *payloadReader) id() (ID, error) {
	b, err := r.take(IDLength)
	if err != nil {
		return ID{}, err
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// bytesField reads a varint length prefix followed by that many bytes.
func (r *payloadReader) bytesField() ([]byte, error) {
	n, read, err := varint.FromUvarint(r.buf)
	if err != nil {
		return nil, xerrors.Errorf("bad length prefix: %v", err)
	}
	r.buf = r.buf[read:]
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *payloadReader) empty() error {
	if len(r.buf) != 0 {
		return xerrors.Errorf("trailing payload bytes: %d", len(r.buf))
	}
	return nil
}

func writeBytesField(buf *bytes.Buffer, b []byte) {
	buf.Write(varint.ToUvarint(uint64(len(b))))
	buf.Write(b)
}

func writeAddr(buf *bytes.Buffer, addr string) error {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return xerrors.Errorf("encode address %q: %v", addr, err)
	}
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		raw := ip.As4()
		buf.WriteByte(4)
		buf.Write(raw[:])
	} else {
		raw := ip.As16()
		buf.WriteByte(6)
		buf.Write(raw[:])
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], ap.Port())
	buf.Write(port[:])
	return nil
}

func (r *payloadReader) addr() (string, error) {
	family, err := r.byte()
	if err != nil {
		return "", err
	}
	var ip netip.Addr
	switch family {
	case 4:
		raw, err := r.take(4)
		if err != nil {
			return "", err
		}
		ip = netip.AddrFrom4([4]byte(raw))
	case 6:
		raw, err := r.take(16)
		if err != nil {
			return "", err
		}
		ip = netip.AddrFrom16([16]byte(raw))
	default:
		return "", xerrors.Errorf("bad address family %d", family)
	}
	rawPort, err := r.take(2)
	if err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(rawPort)
	return netip.AddrPortFrom(ip, port).String(), nil
}

func writeContacts(buf *bytes.Buffer, contacts []Contact) error {
	if len(contacts) > 255 {
		return xerrors.Errorf("encode contacts: list too long (%d)", len(contacts))
	}
	buf.WriteByte(byte(len(contacts)))
	for _, c := range contacts {
		buf.Write(c.ID[:])
		if err := writeAddr(buf, c.Addr); err != nil {
			return err
		}
	}
	return nil
}

func (r *payloadReader) contacts() ([]Contact, error) {
	count, err := r.byte()
	if err != nil {
		return nil, err
	}
	contacts := make([]Contact, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		addr, err := r.addr()
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, Contact{ID: id, Addr: addr})
	}
	return contacts, nil
}

/* ========== per-method payloads ========== */

// Marshal implements the empty ping request payload.
func (m PingRequest) Marshal() ([]byte, error) {
	return nil, nil
}

// UnmarshalPingRequest checks that a ping request payload is empty.
func UnmarshalPingRequest(b []byte) (PingRequest, error) {
	r := payloadReader{buf: b}
	return PingRequest{}, r.empty()
}

// Marshal encodes the responder identifier.
func (m PingReply) Marshal() ([]byte, error) {
	out := make([]byte, IDLength)
	copy(out, m.ID[:])
	return out, nil
}

// UnmarshalPingReply decodes a ping response payload.
func UnmarshalPingReply(b []byte) (PingReply, error) {
	r := payloadReader{buf: b}
	id, err := r.id()
	if err != nil {
		return PingReply{}, err
	}
	return PingReply{ID: id}, r.empty()
}

// Marshal encodes the lookup target.
func (m FindNodeRequest) Marshal() ([]byte, error) {
	out := make([]byte, IDLength)
	copy(out, m.Target[:])
	return out, nil
}

// UnmarshalFindNodeRequest decodes a find_node request payload.
func UnmarshalFindNodeRequest(b []byte) (FindNodeRequest, error) {
	r := payloadReader{buf: b}
	id, err := r.id()
	if err != nil {
		return FindNodeRequest{}, err
	}
	return FindNodeRequest{Target: id}, r.empty()
}

// Marshal encodes the contact list.
func (m FindNodeReply) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeContacts(&buf, m.Contacts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalFindNodeReply decodes a find_node response payload.
func UnmarshalFindNodeReply(b []byte) (FindNodeReply, error) {
	r := payloadReader{buf: b}
	contacts, err := r.contacts()
	if err != nil {
		return FindNodeReply{}, err
	}
	return FindNodeReply{Contacts: contacts}, r.empty()
}

// Marshal encodes the lookup key.
func (m FindValueRequest) Marshal() ([]byte, error) {
	out := make([]byte, IDLength)
	copy(out, m.Key[:])
	return out, nil
}

// UnmarshalFindValueRequest decodes a find_value request payload.
func UnmarshalFindValueRequest(b []byte) (FindValueRequest, error) {
	r := payloadReader{buf: b}
	id, err := r.id()
	if err != nil {
		return FindValueRequest{}, err
	}
	return FindValueRequest{Key: id}, r.empty()
}

// Marshal encodes a tagged value-or-contacts payload: tag 1 is followed by
// the length-prefixed value, tag 0 by a contact list.
func (m FindValueReply) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if m.Found {
		buf.WriteByte(1)
		writeBytesField(&buf, m.Value)
		return buf.Bytes(), nil
	}
	buf.WriteByte(0)
	if err := writeContacts(&buf, m.Contacts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalFindValueReply decodes a find_value response payload.
func UnmarshalFindValueReply(b []byte) (FindValueReply, error) {
	r := payloadReader{buf: b}
	tag, err := r.byte()
	if err != nil {
		return FindValueReply{}, err
	}
	switch tag {
	case 1:
		value, err := r.bytesField()
		if err != nil {
			return FindValueReply{}, err
		}
		return FindValueReply{Found: true, Value: value}, r.empty()
	case 0:
		contacts, err := r.contacts()
		if err != nil {
			return FindValueReply{}, err
		}
		return FindValueReply{Contacts: contacts}, r.empty()
	default:
		return FindValueReply{}, xerrors.Errorf("bad find_value tag %d", tag)
	}
}

// Marshal encodes the key identifier, the raw key and the value.
func (m StoreRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(m.KeyID[:])
	writeBytesField(&buf, m.Key)
	writeBytesField(&buf, m.Value)
	return buf.Bytes(), nil
}

// UnmarshalStoreRequest decodes a store request payload.
func UnmarshalStoreRequest(b []byte) (StoreRequest, error) {
	r := payloadReader{buf: b}
	keyID, err := r.id()
	if err != nil {
		return StoreRequest{}, err
	}
	key, err := r.bytesField()
	if err != nil {
		return StoreRequest{}, err
	}
	value, err := r.bytesField()
	if err != nil {
		return StoreRequest{}, err
	}
	return StoreRequest{KeyID: keyID, Key: key, Value: value}, r.empty()
}

// Marshal encodes the boolean result.
func (m StoreReply) Marshal() ([]byte, error) {
	if m.Stored {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

// UnmarshalStoreReply decodes a store response payload.
func UnmarshalStoreReply(b []byte) (StoreReply, error) {
	r := payloadReader{buf: b}
	v, err := r.byte()
	if err != nil {
		return StoreReply{}, err
	}
	if v > 1 {
		return StoreReply{}, xerrors.Errorf("bad store reply byte %d", v)
	}
	return StoreReply{Stored: v == 1}, r.empty()
}

// Marshal encodes the error message.
func (m ErrorReply) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	writeBytesField(&buf, []byte(m.Message))
	return buf.Bytes(), nil
}

// UnmarshalErrorReply decodes an error response payload.
func UnmarshalErrorReply(b []byte) (ErrorReply, error) {
	r := payloadReader{buf: b}
	msg, err := r.bytesField()
	if err != nil {
		return ErrorReply{}, err
	}
	return ErrorReply{Message: string(msg)}, r.empty()
}

package types

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"math/big"
	"math/bits"

	"golang.org/x/xerrors"
)

// IDLength is the length of a node identifier in bytes.
const IDLength = 20

// IDBits is the length of a node identifier in bits.
const IDBits = IDLength * 8

// ID is a 160-bit identifier in the Kademlia keyspace. Node identifiers and
// hashed keys share this type so they can be compared under the XOR metric.
// Bit 0 is the most significant bit.
type ID [IDLength]byte

// ParseID decodes a 40-character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, xerrors.Errorf("parse id: %v", err)
	}
	if len(b) != IDLength {
		return id, xerrors.Errorf("parse id: expected %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromBytes copies a 20-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, xerrors.Errorf("id from bytes: expected %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// RandomID returns a uniformly random identifier.
func RandomID() ID {
	var id ID
	// crypto/rand never fails on supported platforms
	_, _ = rand.Read(id[:])
	return id
}

// HashKey maps an application-level key to its routing identifier.
func HashKey(key []byte) ID {
	return ID(sha1.Sum(key))
}

// Distance returns the XOR distance between two identifiers.
func (id ID) Distance(other ID) Distance {
	var d Distance
	for i := 0; i < IDLength; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Equals reports whether two identifiers are the same.
func (id ID) Equals(other ID) bool {
	return id == other
}

// Bit returns the i-th bit of the identifier, counting from the most
// significant bit at index 0.
func (id ID) Bit(i int) int {
	return int(id[i/8]>>uint(7-i%8)) & 1
}

// CommonPrefixLen returns the number of leading bits shared with other,
// in [0, IDBits]. It is the depth at which the two identifiers diverge.
func (id ID) CommonPrefixLen(other ID) int {
	for i := 0; i < IDLength; i++ {
		if x := id[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}

// BigInt returns the identifier as an unsigned big integer.
func (id ID) BigInt() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance is the XOR of two identifiers, ordered as an unsigned integer.
type Distance [IDLength]byte

// Less reports whether d is strictly closer than other.
func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

func (d Distance) String() string {
	return hex.EncodeToString(d[:])
}

// Copyright 2025 The GMP Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package header provides the implementation of the encoding and decoding
// of network protocol headers for the GMP engine: the IPv4 header (with the
// Router Alert option IGMP requires) and the IGMP message itself.
package header

import (
	"encoding/binary"
	"fmt"

	"gmp.dev/gmp/pkg/tcpip"
	"gmp.dev/gmp/pkg/tcpip/checksum"
)

// IPv4 is an IPv4 header stored in a byte array.
//
// Most of the methods of IPv4 access to the underlying slice without
// checking the boundaries and could panic because of 'index out of range'.
// Always call IsValid() to validate an instance of IPv4 before using other
// methods.
type IPv4 []byte

const (
	versIHL  = 0
	tos      = 1
	totalLen = 2
	id       = 4
	flagsFO  = 6
	ttl      = 8
	protocol = 9
	xsum     = 10
	srcAddr  = 12
	dstAddr  = 16
	options  = 20
)

const (
	// IPv4MinimumSize is the minimum size of a valid IPv4 header in bytes.
	IPv4MinimumSize = 20

	// IPv4MaximumHeaderSize is the maximum size of an IPv4 header. Given
	// that there are only 4 bits (max 0xF (15)) to represent the header
	// length in 32-bit (4 byte) units, the header cannot exceed 15*4 = 60
	// bytes.
	IPv4MaximumHeaderSize = 60

	// IPv4MaximumOptionsSize is the largest size the IPv4 options can be.
	IPv4MaximumOptionsSize = IPv4MaximumHeaderSize - IPv4MinimumSize

	// IPv4AddressSize is the size, in bytes, of an IPv4 address.
	IPv4AddressSize = 4

	// IPv4Version is the version of the IPv4 protocol.
	IPv4Version = 4

	// IPv4IHLStride is the unit size of the header length field: the IHL
	// field counts 32-bit words.
	IPv4IHLStride = 4
)

// IPv4Fields contains the fields of an IPv4 packet. It is used to describe
// the fields of a packet that needs to be encoded.
type IPv4Fields struct {
	// TOS is the "type of service" field of an IPv4 packet.
	TOS uint8

	// TotalLength is the "total length" field of an IPv4 packet.
	TotalLength uint16

	// ID is the "identification" field of an IPv4 packet.
	ID uint16

	// Flags is the "flags" field of an IPv4 packet.
	Flags uint8

	// FragmentOffset is the "fragment offset" field of an IPv4 packet.
	FragmentOffset uint16

	// TTL is the "time to live" field of an IPv4 packet.
	TTL uint8

	// Protocol is the "protocol" field of an IPv4 packet.
	Protocol uint8

	// Checksum is the "checksum" field of an IPv4 packet.
	Checksum uint16

	// SrcAddr is the "source ip address" of an IPv4 packet.
	SrcAddr tcpip.Address

	// DstAddr is the "destination ip address" of an IPv4 packet.
	DstAddr tcpip.Address

	// Options is between 0 and 40 bytes or nil if empty.
	Options IPv4OptionsSerializer
}

var (
	// IPv4Any is the non-routable IPv4 "any" meta address. It is also used
	// as the source address when the sending device has no assigned unicast
	// address; multicast-snooping switches only need to observe some traffic
	// to learn group membership, not a valid source.
	IPv4Any = tcpip.AddrFrom4([4]byte{0x00, 0x00, 0x00, 0x00})

	// IPv4AllSystems is the all systems IPv4 multicast address.
	IPv4AllSystems = tcpip.AddrFrom4([4]byte{0xe0, 0x00, 0x00, 0x01})

	// IPv4AllRoutersGroup is a multicast address for all routers.
	IPv4AllRoutersGroup = tcpip.AddrFrom4([4]byte{0xe0, 0x00, 0x00, 0x02})
)

// IsV4MulticastAddress determines if the provided address is an IPv4
// multicast address (range 224.0.0.0 to 239.255.255.255). The four most
// significant bits will be 1110 = 0xe0.
func IsV4MulticastAddress(addr tcpip.Address) bool {
	if addr.Len() != IPv4AddressSize {
		return false
	}
	return (addr.As4()[0] & 0xf0) == 0xe0
}

// HeaderLength returns the value of the "header length" field of the IPv4
// header.
func (b IPv4) HeaderLength() uint8 {
	return (b[versIHL] & 0xf) * IPv4IHLStride
}

// TOS returns the "type of service" field of the IPv4 header.
func (b IPv4) TOS() uint8 {
	return b[tos]
}

// TotalLength returns the "total length" field of the IPv4 header.
func (b IPv4) TotalLength() uint16 {
	return binary.BigEndian.Uint16(b[totalLen:])
}

// TTL returns the "TTL" field of the IPv4 header.
func (b IPv4) TTL() uint8 {
	return b[ttl]
}

// Protocol returns the value of the protocol field of the IPv4 header.
func (b IPv4) Protocol() uint8 {
	return b[protocol]
}

// Checksum returns the checksum field of the IPv4 header.
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[xsum:])
}

// SourceAddress returns the "source address" field of the IPv4 header.
func (b IPv4) SourceAddress() tcpip.Address {
	return tcpip.AddrFrom4Slice(b[srcAddr : srcAddr+IPv4AddressSize])
}

// DestinationAddress returns the "destination address" field of the IPv4
// header.
func (b IPv4) DestinationAddress() tcpip.Address {
	return tcpip.AddrFrom4Slice(b[dstAddr : dstAddr+IPv4AddressSize])
}

// Options returns a buffer holding the options.
func (b IPv4) Options() []byte {
	hdrLen := b.HeaderLength()
	return b[options:hdrLen:hdrLen]
}

// Payload returns the data in the IPv4 packet.
func (b IPv4) Payload() []byte {
	return b[b.HeaderLength():][:b.PayloadLength()]
}

// PayloadLength returns the length of the payload portion of the IPv4
// packet.
func (b IPv4) PayloadLength() uint16 {
	return b.TotalLength() - uint16(b.HeaderLength())
}

// SetChecksum sets the checksum field of the IPv4 header.
func (b IPv4) SetChecksum(v uint16) {
	checksum.Put(b[xsum:], v)
}

// CalculateChecksum calculates the checksum of the IPv4 header.
func (b IPv4) CalculateChecksum() uint16 {
	return checksum.Checksum(b[:b.HeaderLength()], 0)
}

// Encode encodes all the fields of the IPv4 header.
func (b IPv4) Encode(i *IPv4Fields) {
	hdrLen := uint8(IPv4MinimumSize)
	if len(i.Options) != 0 {
		hdrLen += i.Options.Length()
		if int(hdrLen) > len(b) {
			panic(fmt.Sprintf("encode received %d bytes, wanted >= %d", len(b), hdrLen))
		}
		opts := b[options:hdrLen]
		if serialized := i.Options.Serialize(opts); serialized != i.Options.Length() {
			panic(fmt.Sprintf("options serialized to unexpected length %d, want %d", serialized, i.Options.Length()))
		}
	}
	b[versIHL] = (IPv4Version << 4) | (hdrLen / IPv4IHLStride)
	b[tos] = i.TOS
	binary.BigEndian.PutUint16(b[totalLen:], i.TotalLength)
	binary.BigEndian.PutUint16(b[id:], i.ID)
	flagsAndFragmentOffset := (uint16(i.Flags) << 13) | (i.FragmentOffset >> 3)
	binary.BigEndian.PutUint16(b[flagsFO:], flagsAndFragmentOffset)
	b[ttl] = i.TTL
	b[protocol] = i.Protocol
	b.SetChecksum(i.Checksum)
	srcBytes := i.SrcAddr.As4()
	copy(b[srcAddr:srcAddr+IPv4AddressSize], srcBytes[:])
	dstBytes := i.DstAddr.As4()
	copy(b[dstAddr:dstAddr+IPv4AddressSize], dstBytes[:])
}

// IsValid performs basic validation on the packet.
func (b IPv4) IsValid(pktSize int) bool {
	if len(b) < IPv4MinimumSize {
		return false
	}

	hlen := int(b.HeaderLength())
	tlen := int(b.TotalLength())
	if hlen < IPv4MinimumSize || hlen > tlen || tlen > pktSize {
		return false
	}

	if IPVersion(b) != IPv4Version {
		return false
	}

	return true
}

// IPVersion returns the version of IP used in the given packet. It returns
// -1 if the packet is not large enough to contain the version field.
func IPVersion(b []byte) int {
	if len(b) < versIHL+1 {
		return -1
	}
	return int(b[versIHL] >> 4)
}

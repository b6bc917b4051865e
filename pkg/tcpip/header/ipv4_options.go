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

package header

import (
	"encoding/binary"
	"fmt"
)

const (
	// IPv4OptionListEndType is the option type for the End Of Option List
	// option. Anything following is ignored.
	IPv4OptionListEndType = 0

	// IPv4OptionRouterAlertType is the option type for the Router Alert
	// option as defined in RFC 2113. Routers must examine packets carrying
	// it even though they are not addressed to them.
	IPv4OptionRouterAlertType = 148

	// IPv4OptionRouterAlertLength is the length of a Router Alert option.
	IPv4OptionRouterAlertLength = 4

	// IPv4OptionRouterAlertValue is the only valid value of the Router Alert
	// option's 16-bit value field ("Router shall examine packet").
	IPv4OptionRouterAlertValue = 0

	// iPv4OptionRouterAlertValueOffset is the offset of the value field
	// within the option.
	iPv4OptionRouterAlertValueOffset = 2
)

// IPv4SerializableOption is an interface to represent serializable IPv4
// option types.
type IPv4SerializableOption interface {
	// optionType returns the type identifier of the option.
	optionType() uint8

	// length returns the total length of the option including the type and
	// length fields.
	length() uint8

	// serializeInto serializes the option into the provided byte buffer and
	// returns the number of bytes written.
	serializeInto(buffer []byte) uint8
}

// IPv4OptionsSerializer is a serializer for IPv4 options.
type IPv4OptionsSerializer []IPv4SerializableOption

// Length returns the total number of bytes required to serialize the
// options, rounded up to the next multiple of 4 as the IPv4 header length
// field counts 32-bit words.
func (s IPv4OptionsSerializer) Length() uint8 {
	var total uint8
	for _, opt := range s {
		total += opt.length()
	}
	// Add padding to the next 4 byte boundary.
	return (total + IPv4IHLStride - 1) & ^uint8(IPv4IHLStride-1)
}

// Serialize writes the options to the provided buffer, padding with End Of
// Option List bytes as needed, and returns the number of bytes written.
//
// Panics if the buffer is too small to hold Length() bytes.
func (s IPv4OptionsSerializer) Serialize(b []byte) uint8 {
	var total uint8
	for _, opt := range s {
		length := opt.length()
		if n := opt.serializeInto(b[total:]); n != length {
			panic(fmt.Sprintf("serializer for option type %d wrote %d bytes, want %d", opt.optionType(), n, length))
		}
		total += length
	}
	padded := (total + IPv4IHLStride - 1) & ^uint8(IPv4IHLStride-1)
	for i := total; i < padded; i++ {
		b[i] = IPv4OptionListEndType
	}
	return padded
}

var _ IPv4SerializableOption = (*IPv4SerializableRouterAlertOption)(nil)

// IPv4SerializableRouterAlertOption serializes the Router Alert option,
// which is carried by every IGMP message (RFC 2236 section 2). On the wire
// it is the four bytes 0x94 0x04 0x00 0x00.
type IPv4SerializableRouterAlertOption struct{}

func (*IPv4SerializableRouterAlertOption) optionType() uint8 {
	return IPv4OptionRouterAlertType
}

func (*IPv4SerializableRouterAlertOption) length() uint8 {
	return IPv4OptionRouterAlertLength
}

func (o *IPv4SerializableRouterAlertOption) serializeInto(buffer []byte) uint8 {
	buffer[0] = o.optionType()
	buffer[1] = o.length()
	binary.BigEndian.PutUint16(buffer[iPv4OptionRouterAlertValueOffset:], IPv4OptionRouterAlertValue)
	return o.length()
}

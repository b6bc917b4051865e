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

package tcpip

import "fmt"

// Error represents an error in the error space of this module. Using a
// special type ensures that errors outside of this space are not
// accidentally introduced.
type Error interface {
	isError()

	// IgnoreStats indicates whether this error should be included in failure
	// counts in stats structs.
	IgnoreStats() bool

	fmt.Stringer
}

// ErrBadAddress indicates a bad address was provided.
//
// +stateify savable
type ErrBadAddress struct{}

func (*ErrBadAddress) isError() {}

// IgnoreStats implements Error.
func (*ErrBadAddress) IgnoreStats() bool {
	return false
}

// String implements Error.
func (*ErrBadAddress) String() string {
	return "bad address"
}

// ErrBadLocalAddress indicates a bad local address was provided.
//
// +stateify savable
type ErrBadLocalAddress struct{}

func (*ErrBadLocalAddress) isError() {}

// IgnoreStats implements Error.
func (*ErrBadLocalAddress) IgnoreStats() bool {
	return false
}

// String implements Error.
func (*ErrBadLocalAddress) String() string {
	return "bad local address"
}

// ErrMessageTooLong indicates the message was too long.
//
// +stateify savable
type ErrMessageTooLong struct{}

func (*ErrMessageTooLong) isError() {}

// IgnoreStats implements Error.
func (*ErrMessageTooLong) IgnoreStats() bool {
	return false
}

// String implements Error.
func (*ErrMessageTooLong) String() string {
	return "message too long"
}

// ErrClosedForSend indicates the endpoint is closed for outgoing messages.
//
// +stateify savable
type ErrClosedForSend struct{}

func (*ErrClosedForSend) isError() {}

// IgnoreStats implements Error.
func (*ErrClosedForSend) IgnoreStats() bool {
	return false
}

// String implements Error.
func (*ErrClosedForSend) String() string {
	return "endpoint is closed for send"
}

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

// Package tcpip provides the primitive types shared by the protocol
// packages in this module: network addresses, the clock and timer
// execution environment, and the error space.
//
// The surrounding network stack is expected to provide implementations of
// the Clock interface; tests use the deterministic clock from the faketime
// package.
package tcpip

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Address is the address of a network node.
//
// Address is a comparable value type so that it may be used as a map key.
// The zero value is a zero-length address, which is not a valid address of
// any protocol.
type Address struct {
	addr   [16]byte
	length int
}

// AddrFrom4 converts addr to an IPv4 Address.
func AddrFrom4(addr [4]byte) Address {
	ret := Address{length: 4}
	copy(ret.addr[:], addr[:])
	return ret
}

// AddrFrom4Slice converts addr to an IPv4 Address.
//
// Panics if len(addr) != 4.
func AddrFrom4Slice(addr []byte) Address {
	if len(addr) != 4 {
		panic(fmt.Sprintf("AddrFrom4Slice: slice size %d, want 4", len(addr)))
	}
	ret := Address{length: 4}
	copy(ret.addr[:], addr)
	return ret
}

// As4 returns an IPv4 address in its 4-byte representation.
//
// Panics if the address is not 4 bytes long.
func (a Address) As4() [4]byte {
	if a.Len() != 4 {
		panic(fmt.Sprintf("As4 called on IP address of length %d", a.Len()))
	}
	return [4]byte(a.addr[:4])
}

// AsSlice returns a slice of the underlying address bytes.
func (a Address) AsSlice() []byte {
	return a.addr[:a.length]
}

// Len returns the length in bytes of the address.
func (a Address) Len() int {
	return a.length
}

// Unspecified returns true if the address is fully zero.
func (a Address) Unspecified() bool {
	for _, b := range a.addr[:a.length] {
		if b != 0 {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (a Address) String() string {
	switch a.Len() {
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", a.addr[0], a.addr[1], a.addr[2], a.addr[3])
	case 0:
		return "(empty address)"
	default:
		return fmt.Sprintf("%x", a.addr[:a.length])
	}
}

// TransportProtocolNumber is the number of a transport protocol.
type TransportProtocolNumber uint32

// MonotonicTime is a monotonic clock reading.
type MonotonicTime struct {
	nanoseconds int64
}

// Before reports whether the monotonic clock reading mt is before u.
func (mt MonotonicTime) Before(u MonotonicTime) bool {
	return mt.nanoseconds < u.nanoseconds
}

// After reports whether the monotonic clock reading mt is after u.
func (mt MonotonicTime) After(u MonotonicTime) bool {
	return mt.nanoseconds > u.nanoseconds
}

// Add returns the monotonic clock reading mt+d.
func (mt MonotonicTime) Add(d time.Duration) MonotonicTime {
	return MonotonicTime{
		nanoseconds: time.Unix(0, mt.nanoseconds).Add(d).Sub(time.Unix(0, 0)).Nanoseconds(),
	}
}

// Sub returns the duration mt-u. To compute mt-d for a duration d, use
// mt.Add(-d).
func (mt MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Unix(0, mt.nanoseconds).Sub(time.Unix(0, u.nanoseconds))
}

// A Clock provides the current time.
//
// Only monotonic times should be used for protocol timekeeping; wall clock
// readings exist for logging only.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// NowMonotonic returns the current monotonic clock reading.
	NowMonotonic() MonotonicTime

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. It returns a Timer that can be used to cancel the call using
	// its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer must be created with
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if it successfully
	// stops the timer, false if the timer has already expired or been stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	Reset(d time.Duration)
}

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// String implements fmt.Stringer.
func (s *StatCounter) String() string {
	return fmt.Sprintf("%d", s.Value())
}

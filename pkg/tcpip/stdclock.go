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

import "time"

// stdClock implements Clock with the time package.
type stdClock struct {
	// baseTime is the reference point for the monotonic clock readings this
	// clock hands out.
	baseTime time.Time
}

var _ Clock = (*stdClock)(nil)

// NewStdClock returns an instance of a clock that uses the time package.
func NewStdClock() Clock {
	return &stdClock{
		baseTime: time.Now(),
	}
}

// Now implements Clock.
func (*stdClock) Now() time.Time {
	return time.Now()
}

// NowMonotonic implements Clock.
func (s *stdClock) NowMonotonic() MonotonicTime {
	return MonotonicTime{nanoseconds: time.Since(s.baseTime).Nanoseconds()}
}

// AfterFunc implements Clock.
func (*stdClock) AfterFunc(d time.Duration, f func()) Timer {
	return &stdTimer{t: time.AfterFunc(d, f)}
}

type stdTimer struct {
	t *time.Timer
}

var _ Timer = (*stdTimer)(nil)

// Stop implements Timer.
func (st *stdTimer) Stop() bool {
	return st.t.Stop()
}

// Reset implements Timer.
func (st *stdTimer) Reset(d time.Duration) {
	st.t.Reset(d)
}

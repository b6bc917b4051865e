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

import (
	"sync"
	"time"
)

// A Job is a function that can be scheduled to run at some time in the
// future, and safely cancelled before it runs even as the timer backing it
// races to fire.
//
// A Job holds at most one scheduled instance at a time: scheduling always
// follows cancelling, so arming a new deadline fully replaces any prior one.
// Cancellation is handled by giving each scheduled instance a generation
// number; a fired timer whose generation is stale returns without running
// the job's function.
//
// All methods must be called while holding the locker the Job was created
// with; the job's function runs with the locker held as well.
type Job struct {
	clock  Clock
	locker sync.Locker
	fn     func()

	// timer is the currently armed timer, if any.
	timer Timer

	// instanceCount is incremented on every cancellation; a scheduled
	// instance only runs if the count still matches the value captured when
	// it was scheduled.
	instanceCount uint64
}

// NewJob returns a new Job that calls fn when it fires.
//
// fn will run with locker held.
func NewJob(c Clock, l sync.Locker, fn func()) *Job {
	return &Job{
		clock:  c,
		locker: l,
		fn:     fn,
	}
}

// Schedule schedules the Job to run in d.
//
// A Job may not be scheduled while it has an instance pending; Cancel must
// be called first.
func (j *Job) Schedule(d time.Duration) {
	id := j.instanceCount
	j.timer = j.clock.AfterFunc(d, func() {
		j.locker.Lock()
		defer j.locker.Unlock()

		if id != j.instanceCount {
			// The job was cancelled (and possibly rescheduled) between this
			// instance firing and obtaining the lock.
			return
		}
		j.fn()
	})
}

// Cancel prevents any pending instance of the Job from running.
//
// It is a no-op if no instance is pending.
func (j *Job) Cancel() {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}

	// A fired-but-not-yet-run instance is blocked on the locker; invalidate
	// it rather than trusting Stop to have won the race.
	j.instanceCount++
}

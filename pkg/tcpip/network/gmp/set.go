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

package gmp

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"gmp.dev/gmp/pkg/tcpip"
)

// JoinResult is the outcome of a Driver.JoinGroup call.
type JoinResult int

const (
	// Joined means the group was newly added to the set.
	Joined JoinResult = iota

	// AlreadyMember means the group was already in the set and only its
	// join count was incremented.
	AlreadyMember
)

// String implements fmt.Stringer.
func (r JoinResult) String() string {
	switch r {
	case Joined:
		return "Joined"
	case AlreadyMember:
		return "AlreadyMember"
	default:
		return fmt.Sprintf("JoinResult(%d)", int(r))
	}
}

// LeaveResult is the outcome of a Driver.LeaveGroup call.
type LeaveResult int

const (
	// Left means the last local join was released and the group was removed
	// from the set.
	Left LeaveResult = iota

	// StillMember means other local joins remain and the group stays in the
	// set.
	StillMember
)

// String implements fmt.Stringer.
func (r LeaveResult) String() string {
	switch r {
	case Left:
		return "Left"
	case StillMember:
		return "StillMember"
	default:
		return fmt.Sprintf("LeaveResult(%d)", int(r))
	}
}

type groupState[PS any] struct {
	machine StateMachine[PS]

	// joins is the number of times the group has been locally joined. An
	// entry exists in the set iff joins > 0.
	joins uint64
}

// MulticastGroupSet is the set of multicast groups locally joined on a
// device, each with its join count and GMP state machine.
//
// MulticastGroupSet is not safe for concurrent use; the owning device layer
// must serialize access, along with every Driver call operating on it.
type MulticastGroupSet[PS any] struct {
	groups map[tcpip.Address]*groupState[PS]
}

// NewMulticastGroupSet returns an empty group set.
func NewMulticastGroupSet[PS any]() *MulticastGroupSet[PS] {
	return &MulticastGroupSet[PS]{groups: make(map[tcpip.Address]*groupState[PS])}
}

// Contains returns true if the group is locally joined, regardless of the
// state its machine is in.
func (s *MulticastGroupSet[PS]) Contains(group tcpip.Address) bool {
	_, ok := s.groups[group]
	return ok
}

// Len returns the number of locally joined groups.
func (s *MulticastGroupSet[PS]) Len() int {
	return len(s.groups)
}

// State is a short-lived view of one device's GMP state, valid for the
// duration of a single Driver call.
type State[PS any] struct {
	// Enabled is whether GMP is administratively performed on the device.
	// While false, joins and leaves still maintain the group set but no
	// messages are sent and inbound messages are ignored.
	Enabled bool

	// Groups is the device's multicast group set.
	Groups *MulticastGroupSet[PS]
}

// Host is the set of collaborators the driver realizes actions through.
// Message transmission and timer scheduling are owned by the surrounding
// device layer.
//
// ScheduleReportTimer and ScheduleProtocolTimer must have cancel-and-replace
// semantics: arming a timer discards any previously armed deadline for the
// same group (or for the device, respectively).
type Host[PS any] interface {
	// SendReport transmits a membership report for the group, built against
	// the given protocol-specific state.
	SendReport(group tcpip.Address, ps PS) tcpip.Error

	// SendLeave transmits a leave/done message for the group.
	SendLeave(group tcpip.Address) tcpip.Error

	// ScheduleReportTimer arms the group's delayed-report timer to call
	// Driver.ReportTimerExpired after delay.
	ScheduleReportTimer(group tcpip.Address, delay time.Duration)

	// CancelReportTimer cancels the group's delayed-report timer.
	CancelReportTimer(group tcpip.Address)

	// ScheduleProtocolTimer arms the device-scoped protocol timer to fire
	// after delay.
	ScheduleProtocolTimer(delay time.Duration)
}

// Options configures a Driver.
type Options[PS any] struct {
	// Rand is the source of the random delays required by the protocol.
	Rand *rand.Rand

	// Clock provides the monotonic time transitions are stamped with.
	Clock tcpip.Clock

	// Protocol supplies the version-specific behavior.
	Protocol Protocol[PS]

	// Host realizes the actions transitions request.
	Host Host[PS]

	// Log receives send failures. If nil, logrus.StandardLogger() is used.
	Log logrus.FieldLogger
}

// Driver applies GMP transitions to a device's group set and executes the
// resulting actions. A Driver holds no per-device state of its own; the
// caller passes the device's State to every call and must serialize those
// calls.
type Driver[PS any] struct {
	opts Options[PS]
}

// NewDriver returns a Driver with the given options.
func NewDriver[PS any](opts Options[PS]) Driver[PS] {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return Driver[PS]{opts: opts}
}

// JoinGroup registers a local join of the group. The first join performs
// the protocol's join transition; subsequent joins only increment the join
// count.
func (d *Driver[PS]) JoinGroup(st State[PS], group tcpip.Address) JoinResult {
	if info, ok := st.Groups.groups[group]; ok {
		info.joins++
		return AlreadyMember
	}

	info := &groupState[PS]{joins: 1}
	gmpDisabled := !st.Enabled || !d.opts.Protocol.ShouldPerformProtocol(group)
	actions := info.machine.JoinGroup(d.opts.Protocol, d.opts.Rand, d.opts.Clock.NowMonotonic(), gmpDisabled)
	st.Groups.groups[group] = info
	d.runActions(group, actions)
	return Joined
}

// LeaveGroup releases one local join of the group. The last release removes
// the group from the set and performs the protocol's leave transition. The
// boolean return value is false if the group was not joined at all.
func (d *Driver[PS]) LeaveGroup(st State[PS], group tcpip.Address) (LeaveResult, bool) {
	info, ok := st.Groups.groups[group]
	if !ok {
		return StillMember, false
	}

	info.joins--
	if info.joins != 0 {
		return StillMember, true
	}

	delete(st.Groups.groups, group)
	d.runActions(group, info.machine.LeaveGroup(d.opts.Protocol))
	return Left, true
}

// HandleDisabled performs a leave-style transition for every joined group
// without releasing any local joins: the groups stay in the set so that
// HandleMaybeEnabled can rejoin them when GMP is enabled again.
//
// The caller must clear State.Enabled before (or atomically with) this
// call.
func (d *Driver[PS]) HandleDisabled(st State[PS]) {
	for group, info := range st.Groups.groups {
		d.runActions(group, info.machine.LeaveGroup(d.opts.Protocol))
	}
}

// HandleMaybeEnabled performs the join transition for every group whose
// machine is still a non-member. It is a no-op unless State.Enabled is
// true, so callers may invoke it unconditionally when device state changes.
func (d *Driver[PS]) HandleMaybeEnabled(st State[PS]) {
	if !st.Enabled {
		return
	}

	now := d.opts.Clock.NowMonotonic()
	for group, info := range st.Groups.groups {
		if !info.machine.IsNonMember() {
			continue
		}
		if !d.opts.Protocol.ShouldPerformProtocol(group) {
			continue
		}
		d.runActions(group, info.machine.JoinGroup(d.opts.Protocol, d.opts.Rand, now, false))
	}
}

// HandleQuery handles a received membership query. An unspecified group
// address denotes a general query applying to all joined groups; a
// group-specific query for a group that is not joined is silently ignored,
// as it is ordinary traffic on a shared link.
func (d *Driver[PS]) HandleQuery(st State[PS], group tcpip.Address, maxRespTime uint16) {
	if !st.Enabled {
		return
	}

	now := d.opts.Clock.NowMonotonic()
	if group.Unspecified() {
		for group, info := range st.Groups.groups {
			d.runActions(group, info.machine.QueryReceived(d.opts.Protocol, d.opts.Rand, maxRespTime, now))
		}
		return
	}

	if info, ok := st.Groups.groups[group]; ok {
		d.runActions(group, info.machine.QueryReceived(d.opts.Protocol, d.opts.Rand, maxRespTime, now))
	}
}

// HandleReport handles another host's membership report for the group,
// suppressing our own pending report if one is scheduled.
func (d *Driver[PS]) HandleReport(st State[PS], group tcpip.Address) {
	if !st.Enabled {
		return
	}

	if info, ok := st.Groups.groups[group]; ok {
		d.runActions(group, info.machine.ReportReceived())
	}
}

// ReportTimerExpired handles the firing of a group's delayed-report timer.
//
// The group must be joined: the Host cancels the timer whenever the group
// leaves the delaying state, so a fire for an unknown group means the Host
// broke the cancel-and-replace contract.
func (d *Driver[PS]) ReportTimerExpired(st State[PS], group tcpip.Address) {
	info, ok := st.Groups.groups[group]
	if !ok {
		panic(fmt.Sprintf("expected to find group state for group = %s", group))
	}
	d.runActions(group, info.machine.ReportTimerExpired())
}

// UpdateAllProtocolSpecific applies f to the protocol-specific state of
// every joined group. Used by protocols for device-scoped events such as a
// querier compatibility timeout.
func (d *Driver[PS]) UpdateAllProtocolSpecific(st State[PS], f func(PS) PS) {
	for _, info := range st.Groups.groups {
		info.machine.UpdateProtocolSpecific(f)
	}
}

func (d *Driver[PS]) runActions(group tcpip.Address, actions Actions[PS]) {
	for _, a := range actions {
		switch a.Kind {
		case ActionSendReport:
			if err := d.opts.Host.SendReport(group, a.ProtocolSpecific); err != nil {
				// The transition has already committed; the protocol's own
				// retransmission timers are the recovery mechanism.
				d.opts.Log.WithFields(logrus.Fields{
					"group": group,
					"err":   err,
				}).Warn("failed to send membership report")
			}
		case ActionSendLeave:
			if err := d.opts.Host.SendLeave(group); err != nil {
				d.opts.Log.WithFields(logrus.Fields{
					"group": group,
					"err":   err,
				}).Warn("failed to send leave group message")
			}
		case ActionStopReportTimer:
			d.opts.Host.CancelReportTimer(group)
		case ActionScheduleReportTimer:
			d.opts.Host.ScheduleReportTimer(group, a.Delay)
		case ActionScheduleProtocolTimer:
			d.opts.Host.ScheduleProtocolTimer(a.Delay)
		default:
			panic(fmt.Sprintf("unrecognized action kind = %s", a.Kind))
		}
	}
}

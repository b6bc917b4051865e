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

// Package gmp implements the host side of the Generic Multicast Protocol
// (GMP).
//
// There is actually no protocol named "Generic Multicast Protocol". Instead,
// the term refers to the generic multicast state machine that applies to
// both IPv4 and IPv6: GMP is the core of IGMPv2 as defined by RFC 2236 and
// MLDv1 as defined by RFC 2710. Version-specific behavior (configuration
// constants, interpretation of a query's maximum response time, and querier
// compatibility tracking) is supplied by a Protocol implementation; the
// state machine itself knows nothing about IGMP or MLD.
//
// The state machine is pure: every transition takes the current time and a
// random source as arguments and returns the side effects it requires as an
// explicit list of actions. The driver in this package applies transitions
// to a device's group set and realizes the actions through the Host
// collaborator interface.
package gmp

import (
	"fmt"
	"math/rand"
	"time"

	"gmp.dev/gmp/pkg/tcpip"
)

// Protocol supplies the version-specific pieces of GMP: IGMPv2 and MLDv1
// each implement it once. PS is the protocol-specific compatibility state
// carried per group (for IGMPv2, whether a V1 router was recently heard).
type Protocol[PS any] interface {
	// UnsolicitedReportInterval is the maximum delay between the unsolicited
	// report transmitted when a group is joined and its scheduled repeat.
	UnsolicitedReportInterval() time.Duration

	// SendLeaveAnyway indicates whether a leave message should be sent even
	// when this host was not the last to report for the group.
	SendLeaveAnyway() bool

	// ShouldPerformProtocol indicates whether the protocol is performed for
	// the group: a group it returns false for (e.g. the IPv4 all-systems
	// group) is tracked in the group set but never reported or left on the
	// wire.
	ShouldPerformProtocol(group tcpip.Address) bool

	// DefaultProtocolSpecific is the protocol-specific state a freshly
	// joined group starts with.
	DefaultProtocolSpecific() PS

	// MaxRespTime interprets a received query's raw maximum response time
	// field. A false return value means the query must be ignored entirely.
	MaxRespTime(raw uint16) (time.Duration, bool)

	// QueryReceivedSpecific folds a received query into the group's
	// protocol-specific state, returning the new state and any extra
	// actions (e.g. arming a querier compatibility timer).
	QueryReceivedSpecific(raw uint16, ps PS) (PS, Actions[PS])
}

// ActionKind identifies a side effect requested by a state transition.
type ActionKind int

const (
	_ ActionKind = iota

	// ActionSendReport sends a membership report for the group. The action
	// carries the protocol-specific state the report must be built against.
	ActionSendReport

	// ActionSendLeave sends a leave/done message for the group.
	ActionSendLeave

	// ActionStopReportTimer cancels the group's delayed-report timer.
	ActionStopReportTimer

	// ActionScheduleReportTimer arms the group's delayed-report timer,
	// replacing any previously armed deadline.
	ActionScheduleReportTimer

	// ActionScheduleProtocolTimer arms the device-scoped timer a Protocol
	// requested (for IGMPv2, the V1 router present timeout), replacing any
	// previously armed deadline.
	ActionScheduleProtocolTimer
)

// String implements fmt.Stringer.
func (k ActionKind) String() string {
	switch k {
	case ActionSendReport:
		return "SendReport"
	case ActionSendLeave:
		return "SendLeave"
	case ActionStopReportTimer:
		return "StopReportTimer"
	case ActionScheduleReportTimer:
		return "ScheduleReportTimer"
	case ActionScheduleProtocolTimer:
		return "ScheduleProtocolTimer"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is one side effect requested by a state transition. Transitions
// never perform I/O themselves; the driver executes the returned actions
// after the transition has committed.
type Action[PS any] struct {
	Kind ActionKind

	// ProtocolSpecific is the state snapshot to build a report against.
	// Meaningful only for ActionSendReport.
	ProtocolSpecific PS

	// Delay is the duration until the timer fires. Meaningful only for
	// ActionScheduleReportTimer and ActionScheduleProtocolTimer.
	Delay time.Duration
}

// Actions is an ordered list of side effects; the driver executes them in
// order.
type Actions[PS any] []Action[PS]

type memberState int

const (
	// nonMember is the state in which the host is not advertising membership
	// in the group: either GMP is administratively disabled, or membership
	// was relinquished.
	nonMember memberState = iota

	// delaying means a report is pending and a timer is armed to send it.
	delaying

	// idle means a report was already sent (by us or another host) and no
	// timer is pending; the host is watching for queries and other hosts'
	// reports.
	idle
)

// String implements fmt.Stringer.
func (s memberState) String() string {
	switch s {
	case nonMember:
		return "NonMember"
	case delaying:
		return "Delaying"
	case idle:
		return "Idle"
	default:
		return fmt.Sprintf("memberState(%d)", int(s))
	}
}

// StateMachine is the GMP state machine for a single (device, multicast
// group) pair. It is exclusively owned by its entry in a MulticastGroupSet
// and must not be shared.
//
// The zero value is a valid state machine in the non-member state.
type StateMachine[PS any] struct {
	state memberState

	// scheduledReportTime is the deadline of the armed delayed-report timer.
	// Only meaningful while delaying.
	scheduledReportTime tcpip.MonotonicTime

	// protocolSpecific carries protocol version compatibility state. Only
	// meaningful while delaying or idle.
	protocolSpecific PS

	// lastReporter is true iff this host was, to its own knowledge, the most
	// recent entity to send a report for the group. It drives the
	// leave-suppression policy.
	//
	// Defined in RFC 2236 section 6 page 9 for IGMPv2 and RFC 2710 section 5
	// page 8 for MLDv1.
	lastReporter bool
}

// IsNonMember returns true if the machine is in the non-member state.
func (sm *StateMachine[PS]) IsNonMember() bool { return sm.state == nonMember }

// IsDelaying returns true if a delayed report is pending.
func (sm *StateMachine[PS]) IsDelaying() bool { return sm.state == delaying }

// IsIdle returns true if the machine is in the idle member state.
func (sm *StateMachine[PS]) IsIdle() bool { return sm.state == idle }

// LastReporter returns true if this host believes it sent the most recent
// report for the group.
func (sm *StateMachine[PS]) LastReporter() bool { return sm.lastReporter }

// ProtocolSpecific returns the current protocol-specific state.
func (sm *StateMachine[PS]) ProtocolSpecific() PS { return sm.protocolSpecific }

// JoinGroup transitions a non-member group to member.
//
// As per RFC 2236 section 3,
//
//	When a host joins a multicast group, it should immediately transmit
//	an unsolicited Version 2 Membership Report for that group, in case it
//	is the first member of that group on the network. To cover the
//	possibility of the initial Membership Report being lost or damaged,
//	it is recommended that it be repeated once or twice after short
//	delays [Unsolicited Report Interval].
//
// so the returned actions send one report immediately and arm a timer for a
// second one at a random delay in [0, UnsolicitedReportInterval).
//
// If gmpDisabled is true the group stays a non-member and no actions are
// returned; HandleMaybeEnabled performs the deferred join when the protocol
// is later enabled.
func (sm *StateMachine[PS]) JoinGroup(proto Protocol[PS], rng *rand.Rand, now tcpip.MonotonicTime, gmpDisabled bool) Actions[PS] {
	if gmpDisabled {
		*sm = StateMachine[PS]{state: nonMember}
		return nil
	}

	ps := proto.DefaultProtocolSpecific()
	delay := randomDelay(rng, proto.UnsolicitedReportInterval())
	*sm = StateMachine[PS]{
		state:               delaying,
		scheduledReportTime: now.Add(delay),
		protocolSpecific:    ps,
		lastReporter:        true,
	}
	return Actions[PS]{
		{Kind: ActionSendReport, ProtocolSpecific: ps},
		{Kind: ActionScheduleReportTimer, Delay: delay},
	}
}

// LeaveGroup transitions the group to non-member, cancelling any pending
// report.
//
// As per RFC 2236 section 6 page 8,
//
//	"send leave" for the group on the interface. ... If the flag saying
//	we were the last host to report is cleared, this action MAY be
//	skipped. The Leave Message is sent to the ALL-ROUTERS group
//	(224.0.0.2).
//
// so the leave message is only sent if this host sent the last report or
// the protocol is configured to send it anyway.
func (sm *StateMachine[PS]) LeaveGroup(proto Protocol[PS]) Actions[PS] {
	var actions Actions[PS]
	switch sm.state {
	case nonMember:
		return nil
	case delaying:
		actions = append(actions, Action[PS]{Kind: ActionStopReportTimer})
	case idle:
	default:
		panic(fmt.Sprintf("unrecognized state = %s", sm.state))
	}

	if sm.lastReporter || proto.SendLeaveAnyway() {
		actions = append(actions, Action[PS]{Kind: ActionSendLeave})
	}
	*sm = StateMachine[PS]{state: nonMember}
	return actions
}

// QueryReceived handles a query with the given raw maximum response time
// field applying to this group.
//
// As per RFC 2236 section 3 page 3,
//
//	If a timer for the group is already running, it is reset to the
//	random value only if the requested Max Response Time is less than the
//	remaining value of the running timer.
//
// so a query may only ever shorten the delay of a pending report, never
// lengthen it.
func (sm *StateMachine[PS]) QueryReceived(proto Protocol[PS], rng *rand.Rand, raw uint16, now tcpip.MonotonicTime) Actions[PS] {
	maxRespTime, ok := proto.MaxRespTime(raw)
	if !ok {
		return nil
	}

	ps := sm.protocolSpecific
	if sm.state == nonMember {
		ps = proto.DefaultProtocolSpecific()
	}
	newPS, actions := proto.QueryReceivedSpecific(raw, ps)

	switch sm.state {
	case nonMember:
		// No generic transition, but the protocol-specific actions are still
		// emitted: querier compatibility is a property of the link, not of
		// this group's membership.
	case idle:
		delay := randomDelay(rng, maxRespTime)
		sm.state = delaying
		sm.scheduledReportTime = now.Add(delay)
		sm.protocolSpecific = newPS
		actions = append(actions, Action[PS]{Kind: ActionScheduleReportTimer, Delay: delay})
	case delaying:
		sm.protocolSpecific = newPS
		if candidate := now.Add(randomDelay(rng, maxRespTime)); candidate.Before(sm.scheduledReportTime) {
			sm.scheduledReportTime = candidate
			actions = append(actions, Action[PS]{Kind: ActionScheduleReportTimer, Delay: candidate.Sub(now)})
		}
	default:
		panic(fmt.Sprintf("unrecognized state = %s", sm.state))
	}
	return actions
}

// ReportReceived handles another host's report for this group.
//
// As per RFC 2236 section 3 pages 3-4,
//
//	If the host receives another host's Report (version 1 or 2) while it
//	has a timer running, it stops its timer for the specified group and
//	does not send a Report
//
// thus suppressing duplicate reports on the link.
func (sm *StateMachine[PS]) ReportReceived() Actions[PS] {
	switch sm.state {
	case nonMember, idle:
		return nil
	case delaying:
		sm.state = idle
		sm.scheduledReportTime = tcpip.MonotonicTime{}
		sm.lastReporter = false
		return Actions[PS]{{Kind: ActionStopReportTimer}}
	default:
		panic(fmt.Sprintf("unrecognized state = %s", sm.state))
	}
}

// ReportTimerExpired handles the firing of the group's delayed-report
// timer.
//
// The machine must be delaying: the driver cancels the timer on every
// transition away from the delaying state, so a fire in any other state is
// a contract violation.
func (sm *StateMachine[PS]) ReportTimerExpired() Actions[PS] {
	switch sm.state {
	case delaying:
		sm.state = idle
		sm.scheduledReportTime = tcpip.MonotonicTime{}
		sm.lastReporter = true
		return Actions[PS]{{Kind: ActionSendReport, ProtocolSpecific: sm.protocolSpecific}}
	default:
		panic(fmt.Sprintf("report timer fired in state %s", sm.state))
	}
}

// UpdateProtocolSpecific applies f to the group's protocol-specific state
// without any generic transition. Used to apply device-scoped protocol
// events (e.g. the V1 router present timeout expiring) to every group.
func (sm *StateMachine[PS]) UpdateProtocolSpecific(f func(PS) PS) {
	if sm.state == nonMember {
		return
	}
	sm.protocolSpecific = f(sm.protocolSpecific)
}

// randomDelay returns a random duration in [0, maxRespTime).
func randomDelay(rng *rand.Rand, maxRespTime time.Duration) time.Duration {
	if maxRespTime == 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(maxRespTime)))
}

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

package gmp_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gmp.dev/gmp/pkg/tcpip"
	"gmp.dev/gmp/pkg/tcpip/network/gmp"
)

const (
	unsolicitedReportInterval = 10 * time.Second
	protocolTimerDuration     = 400 * time.Second
	v1QueryMaxRespTime        = 10 * time.Second
)

// mockProtocolState mimics the shape of IGMPv2's per-group compatibility
// state.
type mockProtocolState struct {
	V1RouterPresent bool
}

type mockProtocol struct {
	sendLeaveAnyway bool
	ignoreQueries   bool
	skipGroup       tcpip.Address
}

var _ gmp.Protocol[mockProtocolState] = (*mockProtocol)(nil)

func (*mockProtocol) UnsolicitedReportInterval() time.Duration {
	return unsolicitedReportInterval
}

func (p *mockProtocol) SendLeaveAnyway() bool { return p.sendLeaveAnyway }

func (p *mockProtocol) ShouldPerformProtocol(group tcpip.Address) bool {
	return group != p.skipGroup
}

func (*mockProtocol) DefaultProtocolSpecific() mockProtocolState {
	return mockProtocolState{}
}

func (p *mockProtocol) MaxRespTime(raw uint16) (time.Duration, bool) {
	if p.ignoreQueries {
		return 0, false
	}
	if raw == 0 {
		return v1QueryMaxRespTime, true
	}
	return time.Duration(raw) * 100 * time.Millisecond, true
}

func (*mockProtocol) QueryReceivedSpecific(raw uint16, ps mockProtocolState) (mockProtocolState, gmp.Actions[mockProtocolState]) {
	if raw != 0 {
		return ps, nil
	}
	ps.V1RouterPresent = true
	return ps, gmp.Actions[mockProtocolState]{
		{Kind: gmp.ActionScheduleProtocolTimer, Delay: protocolTimerDuration},
	}
}

func TestJoinGroupTransition(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]

	actions := sm.JoinGroup(proto, rng, now, false /* gmpDisabled */)
	if got := len(actions); got != 2 {
		t.Fatalf("got len(actions) = %d, want = 2", got)
	}
	if diff := cmp.Diff(gmp.Action[mockProtocolState]{Kind: gmp.ActionSendReport}, actions[0]); diff != "" {
		t.Errorf("first action mismatch (-want +got):\n%s", diff)
	}
	if got := actions[1].Kind; got != gmp.ActionScheduleReportTimer {
		t.Errorf("got actions[1].Kind = %s, want = %s", got, gmp.ActionScheduleReportTimer)
	}
	if d := actions[1].Delay; d < 0 || d >= unsolicitedReportInterval {
		t.Errorf("got report delay = %s, want in [0, %s)", d, unsolicitedReportInterval)
	}
	if !sm.IsDelaying() {
		t.Error("got sm.IsDelaying() = false, want = true")
	}
	if !sm.LastReporter() {
		t.Error("got sm.LastReporter() = false, want = true")
	}
}

func TestJoinGroupDisabled(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]

	if actions := sm.JoinGroup(proto, rng, now, true /* gmpDisabled */); len(actions) != 0 {
		t.Fatalf("got %d actions, want = 0", len(actions))
	}
	if !sm.IsNonMember() {
		t.Error("got sm.IsNonMember() = false, want = true")
	}
}

func TestReportTimerExpired(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]
	sm.JoinGroup(proto, rng, now, false)

	actions := sm.ReportTimerExpired()
	want := gmp.Actions[mockProtocolState]{{Kind: gmp.ActionSendReport}}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
	if !sm.IsIdle() {
		t.Error("got sm.IsIdle() = false, want = true")
	}
	if !sm.LastReporter() {
		t.Error("got sm.LastReporter() = false, want = true")
	}
}

func TestReportReceivedSuppressesPendingReport(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]
	sm.JoinGroup(proto, rng, now, false)

	actions := sm.ReportReceived()
	want := gmp.Actions[mockProtocolState]{{Kind: gmp.ActionStopReportTimer}}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
	if !sm.IsIdle() {
		t.Error("got sm.IsIdle() = false, want = true")
	}
	if sm.LastReporter() {
		t.Error("got sm.LastReporter() = true, want = false")
	}

	// Further reports are a no-op once idle.
	if actions := sm.ReportReceived(); len(actions) != 0 {
		t.Errorf("got %d actions from idle, want = 0", len(actions))
	}
}

func TestLeaveGroup(t *testing.T) {
	tests := []struct {
		name            string
		sendLeaveAnyway bool
		suppress        bool
		fromDelaying    bool
		wantActions     []gmp.ActionKind
	}{
		{
			name:         "delaying last reporter",
			fromDelaying: true,
			wantActions:  []gmp.ActionKind{gmp.ActionStopReportTimer, gmp.ActionSendLeave},
		},
		{
			name:        "idle last reporter",
			wantActions: []gmp.ActionKind{gmp.ActionSendLeave},
		},
		{
			name:        "idle suppressed",
			suppress:    true,
			wantActions: nil,
		},
		{
			name:            "idle suppressed send leave anyway",
			sendLeaveAnyway: true,
			suppress:        true,
			wantActions:     []gmp.ActionKind{gmp.ActionSendLeave},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			proto := &mockProtocol{sendLeaveAnyway: test.sendLeaveAnyway}
			rng := rand.New(rand.NewSource(1))
			var now tcpip.MonotonicTime
			var sm gmp.StateMachine[mockProtocolState]
			sm.JoinGroup(proto, rng, now, false)

			if !test.fromDelaying {
				if test.suppress {
					sm.ReportReceived()
				} else {
					sm.ReportTimerExpired()
				}
			}

			actions := sm.LeaveGroup(proto)
			var kinds []gmp.ActionKind
			for _, a := range actions {
				kinds = append(kinds, a.Kind)
			}
			if diff := cmp.Diff(test.wantActions, kinds); diff != "" {
				t.Errorf("action kinds mismatch (-want +got):\n%s", diff)
			}
			if !sm.IsNonMember() {
				t.Error("got sm.IsNonMember() = false, want = true")
			}

			// A second leave is a no-op.
			if actions := sm.LeaveGroup(proto); len(actions) != 0 {
				t.Errorf("got %d actions from non-member, want = 0", len(actions))
			}
		})
	}
}

func TestQueryNeverLengthensPendingReport(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(2))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]

	actions := sm.JoinGroup(proto, rng, now, false)
	remaining := actions[1].Delay

	// Queries with a max response time well above the pending delay must
	// either leave the deadline alone or shorten it; they may never push it
	// out.
	for i := 0; i < 100; i++ {
		for _, a := range sm.QueryReceived(proto, rng, 3000 /* 300s */, now) {
			if a.Kind != gmp.ActionScheduleReportTimer {
				continue
			}
			if a.Delay > remaining {
				t.Fatalf("iteration %d: got re-armed delay = %s, want <= %s", i, a.Delay, remaining)
			}
			remaining = a.Delay
		}
		if !sm.IsDelaying() {
			t.Fatalf("iteration %d: got sm.IsDelaying() = false, want = true", i)
		}
	}
}

func TestQueryReceivedFromIdle(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]
	sm.JoinGroup(proto, rng, now, false)
	sm.ReportTimerExpired()

	// A query received while idle re-arms a report with a delay bounded by
	// the query's max response time.
	actions := sm.QueryReceived(proto, rng, 5 /* 500ms */, now)
	if got := len(actions); got != 1 {
		t.Fatalf("got len(actions) = %d, want = 1", got)
	}
	if got := actions[0].Kind; got != gmp.ActionScheduleReportTimer {
		t.Fatalf("got actions[0].Kind = %s, want = %s", got, gmp.ActionScheduleReportTimer)
	}
	if d := actions[0].Delay; d < 0 || d >= 500*time.Millisecond {
		t.Errorf("got report delay = %s, want in [0, 500ms)", d)
	}
	if !sm.IsDelaying() {
		t.Error("got sm.IsDelaying() = false, want = true")
	}
	if !sm.LastReporter() {
		t.Error("got sm.LastReporter() = false, want = true")
	}
}

func TestQueryIgnoredByProtocol(t *testing.T) {
	proto := &mockProtocol{ignoreQueries: true}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]
	sm.JoinGroup(proto, rng, now, false)
	sm.ReportTimerExpired()

	if actions := sm.QueryReceived(proto, rng, 5, now); len(actions) != 0 {
		t.Fatalf("got %d actions, want = 0", len(actions))
	}
	if !sm.IsIdle() {
		t.Error("got sm.IsIdle() = false, want = true")
	}
}

func TestQueryFoldsProtocolSpecificState(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]
	sm.JoinGroup(proto, rng, now, false)

	// A raw value of zero makes the mock protocol note a V1 router and arm
	// its device-scoped timer.
	actions := sm.QueryReceived(proto, rng, 0, now)
	found := false
	for _, a := range actions {
		if a.Kind == gmp.ActionScheduleProtocolTimer {
			found = true
			if got := a.Delay; got != protocolTimerDuration {
				t.Errorf("got protocol timer delay = %s, want = %s", got, protocolTimerDuration)
			}
		}
	}
	if !found {
		t.Error("no ActionScheduleProtocolTimer action emitted")
	}
	if got := sm.ProtocolSpecific(); !got.V1RouterPresent {
		t.Errorf("got sm.ProtocolSpecific() = %+v, want V1RouterPresent = true", got)
	}

	// The timer-fired report carries the folded state.
	reportActions := sm.ReportTimerExpired()
	want := gmp.Actions[mockProtocolState]{{
		Kind:             gmp.ActionSendReport,
		ProtocolSpecific: mockProtocolState{V1RouterPresent: true},
	}}
	if diff := cmp.Diff(want, reportActions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateProtocolSpecific(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]
	sm.JoinGroup(proto, rng, now, false)
	sm.QueryReceived(proto, rng, 0, now)

	sm.UpdateProtocolSpecific(func(mockProtocolState) mockProtocolState {
		return mockProtocolState{}
	})
	if got := sm.ProtocolSpecific(); got.V1RouterPresent {
		t.Errorf("got sm.ProtocolSpecific() = %+v, want V1RouterPresent = false", got)
	}
}

func TestQueryReceivedNonMember(t *testing.T) {
	proto := &mockProtocol{}
	rng := rand.New(rand.NewSource(1))
	var now tcpip.MonotonicTime
	var sm gmp.StateMachine[mockProtocolState]

	// A non-member group does not transition, but protocol-specific actions
	// (querier compatibility) still propagate.
	actions := sm.QueryReceived(proto, rng, 0, now)
	want := gmp.Actions[mockProtocolState]{
		{Kind: gmp.ActionScheduleProtocolTimer, Delay: protocolTimerDuration},
	}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
	if !sm.IsNonMember() {
		t.Error("got sm.IsNonMember() = false, want = true")
	}
}

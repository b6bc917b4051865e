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

// Package ipv4 implements the host side of IGMPv2 as defined by RFC 2236 on
// top of the generic multicast protocol state machine in package gmp.
package ipv4

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gmp.dev/gmp/pkg/tcpip"
	"gmp.dev/gmp/pkg/tcpip/checksum"
	"gmp.dev/gmp/pkg/tcpip/header"
	"gmp.dev/gmp/pkg/tcpip/network/gmp"
)

const (
	// UnsolicitedReportIntervalMax is the maximum delay between sending the
	// unsolicited IGMP reports.
	//
	// Obtained from RFC 2236 Section 8.10, Page 19.
	UnsolicitedReportIntervalMax = 10 * time.Second

	// v1RouterPresentTimeout from RFC 2236 Section 8.11, Page 20
	//
	// "The Version 1 Router Present Timeout is how long a host must wait
	// after hearing a Version 1 Query before it may send any IGMPv2 messages."
	v1RouterPresentTimeout = 400 * time.Second

	// v1MaxRespTime from RFC 2236 Section 4, Page 5.
	//
	// "An IGMPv1 router will send General Queries with the Max Response Time
	// set to 0. This MUST be interpreted as a value of 100 (10 seconds)."
	//
	// Note that the Max Response Time field is a value in units of
	// deciseconds.
	v1MaxRespTime = 10 * time.Second
)

// IGMPSentPacketStats counts IGMP packets sent by the endpoint, by type.
type IGMPSentPacketStats struct {
	// V1MembershipReport counts IGMPv1 Membership Reports, sent while a V1
	// router is known to be present on the link.
	V1MembershipReport tcpip.StatCounter

	// V2MembershipReport counts IGMPv2 Membership Reports.
	V2MembershipReport tcpip.StatCounter

	// LeaveGroup counts Leave Group messages.
	LeaveGroup tcpip.StatCounter

	// Dropped counts packets the device failed to transmit.
	Dropped tcpip.StatCounter
}

// IGMPReceivedPacketStats counts IGMP packets received by the endpoint.
type IGMPReceivedPacketStats struct {
	// MembershipQuery counts Membership Queries.
	MembershipQuery tcpip.StatCounter

	// V1MembershipReport counts IGMPv1 Membership Reports.
	V1MembershipReport tcpip.StatCounter

	// V2MembershipReport counts IGMPv2 Membership Reports.
	V2MembershipReport tcpip.StatCounter

	// LeaveGroup counts Leave Group messages. Hosts do not process these but
	// they are counted when observed.
	LeaveGroup tcpip.StatCounter

	// ChecksumErrors counts packets dropped for a bad checksum.
	ChecksumErrors tcpip.StatCounter

	// Invalid counts packets dropped for being malformed (truncated or
	// carrying a non-multicast group address).
	Invalid tcpip.StatCounter

	// Unrecognized counts packets with an unknown message type.
	Unrecognized tcpip.StatCounter
}

// IGMPStats are the IGMP packet counters of one endpoint.
type IGMPStats struct {
	// PacketsSent counts packets sent, by type.
	PacketsSent IGMPSentPacketStats

	// PacketsReceived counts packets received, by type.
	PacketsReceived IGMPReceivedPacketStats
}

// DeviceContext is the device an Endpoint performs IGMP on behalf of. It is
// implemented by the surrounding device layer.
type DeviceContext interface {
	// AssignedAddress returns the device's assigned IPv4 unicast address, if
	// it has one. Outgoing IGMP packets use the unspecified address as their
	// source while the device is unaddressed.
	AssignedAddress() (tcpip.Address, bool)

	// WriteFrame transmits a fully formed IPv4 packet to the given multicast
	// destination.
	WriteFrame(dst tcpip.Address, pkt []byte) tcpip.Error
}

// igmpV2ProtocolState is the per-group protocol-specific state the generic
// state machine carries for IGMPv2.
type igmpV2ProtocolState struct {
	// v1RouterPresent is true while an IGMPv1 router is known to be present
	// on the link; reports are then sent as IGMPv1 Membership Reports.
	v1RouterPresent bool
}

// igmpProtocol plugs IGMPv2 semantics into the generic state machine.
type igmpProtocol struct {
	unsolicitedReportInterval time.Duration
	sendLeaveAnyway           bool
	v1RouterPresentTimeout    time.Duration
}

var _ gmp.Protocol[igmpV2ProtocolState] = igmpProtocol{}

// UnsolicitedReportInterval implements gmp.Protocol.
func (p igmpProtocol) UnsolicitedReportInterval() time.Duration {
	return p.unsolicitedReportInterval
}

// SendLeaveAnyway implements gmp.Protocol.
func (p igmpProtocol) SendLeaveAnyway() bool { return p.sendLeaveAnyway }

// ShouldPerformProtocol implements gmp.Protocol.
func (igmpProtocol) ShouldPerformProtocol(group tcpip.Address) bool {
	// As per RFC 2236 section 6 page 10,
	//
	//	The all-systems group (address 224.0.0.1) is handled as a special
	//	case. The host starts in Idle Member state for that group on every
	//	interface, never transitions to another state, and never sends a
	//	report for that group.
	return group != header.IPv4AllSystems
}

// DefaultProtocolSpecific implements gmp.Protocol.
func (igmpProtocol) DefaultProtocolSpecific() igmpV2ProtocolState {
	return igmpV2ProtocolState{}
}

// MaxRespTime implements gmp.Protocol.
//
// The raw field is in units of deciseconds; the zero value identifies an
// IGMPv1 query and is interpreted as v1MaxRespTime. No value of the 8-bit
// field causes the query to be ignored.
func (igmpProtocol) MaxRespTime(raw uint16) (time.Duration, bool) {
	if raw == 0 {
		return v1MaxRespTime, true
	}
	return header.DecisecondToDuration(raw), true
}

// QueryReceivedSpecific implements gmp.Protocol.
//
// A query with a zero Max Response Time was sent by an IGMPv1 router; note
// its presence and (re)arm the V1 router present timeout.
func (p igmpProtocol) QueryReceivedSpecific(raw uint16, ps igmpV2ProtocolState) (igmpV2ProtocolState, gmp.Actions[igmpV2ProtocolState]) {
	if raw != 0 {
		return ps, nil
	}
	ps.v1RouterPresent = true
	return ps, gmp.Actions[igmpV2ProtocolState]{
		{Kind: gmp.ActionScheduleProtocolTimer, Delay: p.v1RouterPresentTimeout},
	}
}

// Options configures an Endpoint.
type Options struct {
	// Clock provides time and timers. If nil, tcpip.NewStdClock() is used.
	Clock tcpip.Clock

	// Rand is the source of the random report delays IGMP requires. If nil,
	// a time-seeded source is used.
	Rand *rand.Rand

	// Enabled is the initial administrative state of the endpoint.
	Enabled bool

	// Log receives send failures. If nil, logrus.StandardLogger() is used.
	Log logrus.FieldLogger

	// UnsolicitedReportInterval bounds the delay of the second unsolicited
	// report sent on join. If zero, UnsolicitedReportIntervalMax is used.
	UnsolicitedReportInterval time.Duration

	// SendLeaveAnyway makes the endpoint send a Leave Group message even
	// when it was not the last host to report for the group. RFC 2236
	// section 6 page 8 allows the message to be skipped in that case.
	SendLeaveAnyway bool

	// V1RouterPresentTimeout is how long the endpoint keeps sending IGMPv1
	// reports after last hearing an IGMPv1 query. If zero,
	// v1RouterPresentTimeout (400 s) is used.
	V1RouterPresentTimeout time.Duration
}

// Endpoint performs IGMPv2 on behalf of one device: it tracks local joins,
// answers queries, suppresses duplicate reports, and leaves groups.
//
// Endpoint is safe for concurrent use.
type Endpoint struct {
	dev   DeviceContext
	clock tcpip.Clock
	stats IGMPStats

	mu struct {
		sync.Mutex

		enabled bool
		driver  gmp.Driver[igmpV2ProtocolState]
		groups  *gmp.MulticastGroupSet[igmpV2ProtocolState]

		// reportJobs holds the delayed-report job of each group whose machine
		// is or was recently delaying. Keyed by group address; removed when
		// the group is left.
		reportJobs map[tcpip.Address]*tcpip.Job

		// igmpV1Job clears the V1 router present flag from every group when
		// the V1 router present timeout expires.
		igmpV1Job *tcpip.Job
	}
}

// NewEndpoint returns an IGMPv2 endpoint for the given device.
func NewEndpoint(dev DeviceContext, opts Options) *Endpoint {
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(opts.Clock.Now().UnixNano()))
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.UnsolicitedReportInterval == 0 {
		opts.UnsolicitedReportInterval = UnsolicitedReportIntervalMax
	}
	if opts.V1RouterPresentTimeout == 0 {
		opts.V1RouterPresentTimeout = v1RouterPresentTimeout
	}

	e := &Endpoint{
		dev:   dev,
		clock: opts.Clock,
	}
	e.mu.enabled = opts.Enabled
	e.mu.groups = gmp.NewMulticastGroupSet[igmpV2ProtocolState]()
	e.mu.reportJobs = make(map[tcpip.Address]*tcpip.Job)
	e.mu.igmpV1Job = tcpip.NewJob(opts.Clock, &e.mu, func() {
		e.mu.driver.UpdateAllProtocolSpecific(e.stateLocked(), func(igmpV2ProtocolState) igmpV2ProtocolState {
			return igmpV2ProtocolState{}
		})
	})
	e.mu.driver = gmp.NewDriver(gmp.Options[igmpV2ProtocolState]{
		Rand:  opts.Rand,
		Clock: opts.Clock,
		Protocol: igmpProtocol{
			unsolicitedReportInterval: opts.UnsolicitedReportInterval,
			sendLeaveAnyway:           opts.SendLeaveAnyway,
			v1RouterPresentTimeout:    opts.V1RouterPresentTimeout,
		},
		Host: (*igmpHost)(e),
		Log:  opts.Log,
	})
	return e
}

// stateLocked returns the gmp.State view for a driver call.
//
// Precondition: e.mu must be locked.
func (e *Endpoint) stateLocked() gmp.State[igmpV2ProtocolState] {
	return gmp.State[igmpV2ProtocolState]{
		Enabled: e.mu.enabled,
		Groups:  e.mu.groups,
	}
}

// Stats returns the endpoint's packet counters.
func (e *Endpoint) Stats() *IGMPStats {
	return &e.stats
}

// Enabled returns whether IGMP is administratively enabled.
func (e *Endpoint) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mu.enabled
}

// SetEnabled administratively enables or disables the endpoint.
//
// Disabling sends leave-style transitions for every joined group while
// keeping the local joins intact; re-enabling rejoins them. The V1 router
// present state does not survive a disable.
func (e *Endpoint) SetEnabled(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mu.enabled == v {
		return
	}
	if v {
		e.mu.enabled = true
		e.mu.driver.HandleMaybeEnabled(e.stateLocked())
		return
	}

	e.mu.driver.HandleDisabled(e.stateLocked())
	e.mu.igmpV1Job.Cancel()
	e.mu.enabled = false
}

// JoinGroup registers a local join of the group. The first join starts
// reporting membership; further joins only increment a reference count.
func (e *Endpoint) JoinGroup(group tcpip.Address) tcpip.Error {
	if !header.IsV4MulticastAddress(group) {
		return &tcpip.ErrBadAddress{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.mu.driver.JoinGroup(e.stateLocked(), group)
	return nil
}

// LeaveGroup releases one local join of the group. Releasing the last join
// stops membership reporting and sends a Leave Group message.
func (e *Endpoint) LeaveGroup(group tcpip.Address) tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, ok := e.mu.driver.LeaveGroup(e.stateLocked(), group)
	if !ok {
		return &tcpip.ErrBadLocalAddress{}
	}
	if result == gmp.Left {
		if job, ok := e.mu.reportJobs[group]; ok {
			job.Cancel()
			delete(e.mu.reportJobs, group)
		}
	}
	return nil
}

// IsLocallyJoined returns true if the group has at least one local join,
// regardless of whether IGMP is enabled.
func (e *Endpoint) IsLocallyJoined(group tcpip.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mu.groups.Contains(group)
}

// HandleIGMP dispatches a received IGMP packet. pkt is the IGMP message
// only; the caller has already stripped the IP header.
func (e *Endpoint) HandleIGMP(pkt []byte) {
	received := &e.stats.PacketsReceived

	if len(pkt) < header.IGMPMinimumSize {
		received.Invalid.Increment()
		return
	}

	// The checksum is the 16-bit one's complement of the one's complement
	// sum of the whole IGMP message (RFC 2236 section 2.3); summing a valid
	// message, checksum field included, yields all ones.
	if checksum.Checksum(pkt, 0) != 0xffff {
		received.ChecksumErrors.Increment()
		return
	}

	h := header.IGMP(pkt)
	group := h.GroupAddress()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch h.Type() {
	case header.IGMPMembershipQuery:
		if !group.Unspecified() && !header.IsV4MulticastAddress(group) {
			received.Invalid.Increment()
			return
		}
		received.MembershipQuery.Increment()
		e.mu.driver.HandleQuery(e.stateLocked(), group, uint16(h.MaxRespTime()))
	case header.IGMPv1MembershipReport:
		if !header.IsV4MulticastAddress(group) {
			received.Invalid.Increment()
			return
		}
		received.V1MembershipReport.Increment()
		e.mu.driver.HandleReport(e.stateLocked(), group)
	case header.IGMPv2MembershipReport:
		if !header.IsV4MulticastAddress(group) {
			received.Invalid.Increment()
			return
		}
		received.V2MembershipReport.Increment()
		e.mu.driver.HandleReport(e.stateLocked(), group)
	case header.IGMPLeaveGroup:
		received.LeaveGroup.Increment()
		// As per RFC 2236 section 6 page 7, "the Leave Group message is
		// addressed to the all-routers group"; hosts have nothing to do with
		// it.
	default:
		received.Unrecognized.Increment()
	}
}

// writePacket serializes and transmits an 8-byte IGMP message inside an
// IPv4 packet carrying the Router Alert option, as required by RFC 2236
// section 2.
func (e *Endpoint) writePacket(dst tcpip.Address, group tcpip.Address, igmpType header.IGMPType) tcpip.Error {
	options := header.IPv4OptionsSerializer{
		&header.IPv4SerializableRouterAlertOption{},
	}
	ipHdrLen := header.IPv4MinimumSize + int(options.Length())
	buf := make([]byte, ipHdrLen+header.IGMPMinimumSize)

	igmpH := header.IGMP(buf[ipHdrLen:])
	igmpH.SetType(igmpType)
	igmpH.SetMaxRespTime(0)
	igmpH.SetGroupAddress(group)
	igmpH.SetChecksum(header.IGMPCalculateChecksum(igmpH))

	srcAddr := header.IPv4Any
	if addr, ok := e.dev.AssignedAddress(); ok {
		srcAddr = addr
	}

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(buf)),
		TTL:         header.IGMPTTL,
		Protocol:    uint8(header.IGMPProtocolNumber),
		SrcAddr:     srcAddr,
		DstAddr:     dst,
		Options:     options,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	if err := e.dev.WriteFrame(dst, buf); err != nil {
		e.stats.PacketsSent.Dropped.Increment()
		return err
	}
	return nil
}

// igmpHost adapts Endpoint to gmp.Host. All methods are invoked by the
// driver with e.mu locked.
type igmpHost Endpoint

var _ gmp.Host[igmpV2ProtocolState] = (*igmpHost)(nil)

// SendReport implements gmp.Host.
//
// Reports are sent to the group being reported (RFC 2236 section 9 page
// 13). The report type depends on the querier version heard on the link.
func (h *igmpHost) SendReport(group tcpip.Address, ps igmpV2ProtocolState) tcpip.Error {
	e := (*Endpoint)(h)

	igmpType := header.IGMPv2MembershipReport
	if ps.v1RouterPresent {
		igmpType = header.IGMPv1MembershipReport
	}
	if err := e.writePacket(group, group, igmpType); err != nil {
		return err
	}
	switch igmpType {
	case header.IGMPv1MembershipReport:
		e.stats.PacketsSent.V1MembershipReport.Increment()
	case header.IGMPv2MembershipReport:
		e.stats.PacketsSent.V2MembershipReport.Increment()
	default:
		panic(fmt.Sprintf("unrecognized igmp type = %d", igmpType))
	}
	return nil
}

// SendLeave implements gmp.Host.
//
// Leave Group messages are addressed to the all-routers group (RFC 2236
// section 6 page 8).
func (h *igmpHost) SendLeave(group tcpip.Address) tcpip.Error {
	e := (*Endpoint)(h)
	if err := e.writePacket(header.IPv4AllRoutersGroup, group, header.IGMPLeaveGroup); err != nil {
		return err
	}
	e.stats.PacketsSent.LeaveGroup.Increment()
	return nil
}

// ScheduleReportTimer implements gmp.Host.
func (h *igmpHost) ScheduleReportTimer(group tcpip.Address, delay time.Duration) {
	e := (*Endpoint)(h)

	job, ok := e.mu.reportJobs[group]
	if !ok {
		job = tcpip.NewJob(e.clock, &e.mu, func() {
			e.mu.driver.ReportTimerExpired(e.stateLocked(), group)
		})
		e.mu.reportJobs[group] = job
	}
	job.Cancel()
	job.Schedule(delay)
}

// CancelReportTimer implements gmp.Host.
func (h *igmpHost) CancelReportTimer(group tcpip.Address) {
	e := (*Endpoint)(h)
	if job, ok := e.mu.reportJobs[group]; ok {
		job.Cancel()
	}
}

// ScheduleProtocolTimer implements gmp.Host.
func (h *igmpHost) ScheduleProtocolTimer(delay time.Duration) {
	e := (*Endpoint)(h)
	e.mu.igmpV1Job.Cancel()
	e.mu.igmpV1Job.Schedule(delay)
}

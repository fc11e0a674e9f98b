package session

import (
	"github.com/tilegw/gateway/report"
	"github.com/tilegw/gateway/tile"
)

// PatternKind selects which form a BroadcastPattern takes: everything, one
// device, or a stream-id mask.
type PatternKind uint8

const (
	PatternAll PatternKind = iota
	PatternDevice
	PatternStreamMask
)

// BroadcastCallback receives a matching broadcast event: either a raw
// adapter-level advertisement (selector 0) or a decoded broadcast-keyed
// report's wire bytes tagged with its selector.
type BroadcastCallback func(deviceID tile.DeviceID, selector uint16, payload []byte)

// BroadcastPattern selects which broadcast events a monitor receives.
type BroadcastPattern struct {
	Kind       PatternKind
	DeviceID   tile.DeviceID
	StreamMask uint16
}

func (p BroadcastPattern) matchesDevice(deviceID tile.DeviceID) bool {
	switch p.Kind {
	case PatternAll:
		return true
	case PatternDevice:
		return p.DeviceID == deviceID
	case PatternStreamMask:
		return true
	default:
		return false
	}
}

func (p BroadcastPattern) matchesSelector(selector uint16) bool {
	if p.Kind != PatternStreamMask {
		return true
	}
	return selector&p.StreamMask == p.StreamMask
}

type broadcastMonitor struct {
	owner    SessionID
	pattern  BroadcastPattern
	callback BroadcastCallback
}

// BroadcastMonitor registers cb to receive broadcast events (both raw
// adapter advertisements and broadcast-keyed reports) matching pattern.
// The returned handle is used to cancel the monitor.
func (s *Session) BroadcastMonitor(pattern BroadcastPattern, cb BroadcastCallback) *BroadcastMonitorHandle {
	mon := &broadcastMonitor{owner: s.id, pattern: pattern, callback: cb}

	s.mgr.mu.Lock()
	s.mgr.broadcastMonitors[s.id] = append(s.mgr.broadcastMonitors[s.id], mon)
	s.mgr.mu.Unlock()

	return &BroadcastMonitorHandle{session: s, mon: mon}
}

// BroadcastMonitorHandle cancels a single registered monitor.
type BroadcastMonitorHandle struct {
	session *Session
	mon     *broadcastMonitor
}

// Cancel removes this monitor; it is a no-op if already cancelled.
func (h *BroadcastMonitorHandle) Cancel() {
	m := h.session.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.broadcastMonitors[h.session.id]
	for i, mon := range list {
		if mon == h.mon {
			m.broadcastMonitors[h.session.id] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// dispatchBroadcast is the manager's adapter.EventSink.OnBroadcast handler:
// it snapshots matching monitors under lock, then invokes callbacks with no
// lock held.
func (m *Manager) dispatchBroadcast(deviceID tile.DeviceID, payload []byte) {
	m.dispatchBroadcastEvent(deviceID, 0, payload)
}

// dispatchBroadcastReport additionally routes a decoded broadcast-keyed
// SignedList report's selector to PatternStreamMask monitors, which a raw
// OnBroadcast advertisement cannot carry.
func (m *Manager) dispatchBroadcastReport(decoded report.Decoded) {
	if decoded.SignedList == nil || decoded.SignedList.Flags.KeyType != tile.KeyBroadcast {
		return
	}
	m.dispatchBroadcastEvent(decoded.SignedList.DeviceID, decoded.SignedList.Flags.Selector, decoded.Raw)
}

func (m *Manager) dispatchBroadcastEvent(deviceID tile.DeviceID, selector uint16, payload []byte) {
	m.mu.Lock()
	var matched []*broadcastMonitor
	for _, monitors := range m.broadcastMonitors {
		for _, mon := range monitors {
			if mon.pattern.matchesDevice(deviceID) && mon.pattern.matchesSelector(selector) {
				matched = append(matched, mon)
			}
		}
	}
	m.mu.Unlock()

	for _, mon := range matched {
		mon.callback(deviceID, selector, payload)
	}
}

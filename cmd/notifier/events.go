package main

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/pkg/monitor"
	"main/pkg/socket"
	"main/pkg/stream"
)

// eventForwarder translates transport lifecycle callbacks into monitor events.
// The first successful open counts as a connect; every later open counts as a
// reconnect with the outage duration attached.
type eventForwarder struct {
	mon *monitor.Monitor

	mu        sync.Mutex
	opened    bool
	downSince time.Time
}

func newEventForwarder(mon *monitor.Monitor) *eventForwarder {
	return &eventForwarder{mon: mon}
}

func (f *eventForwarder) onOpen() {
	f.mu.Lock()
	first := !f.opened
	downSince := f.downSince
	f.opened = true
	f.downSince = time.Time{}
	f.mu.Unlock()

	if first {
		f.mon.RecordEvent(monitor.EventConnect, true)
		return
	}
	if downSince.IsZero() {
		f.mon.RecordEvent(monitor.EventReconnect, true)
		return
	}
	f.mon.RecordEvent(monitor.EventReconnect, true, time.Since(downSince))
}

func (f *eventForwarder) onClose(err error) {
	f.mu.Lock()
	if f.downSince.IsZero() {
		f.downSince = time.Now()
	}
	f.mu.Unlock()

	if err != nil {
		logs.Warnf("connection closed, err: %+v", err)
	}
	f.mon.RecordEvent(monitor.EventDisconnect, err == nil)
}

func (f *eventForwarder) onError(err error) {
	logs.Errorf("transport, err: %+v", err)
	// exhaustion is a one-shot notification about attempts already counted,
	// not a connect attempt of its own
	if err == socket.ErrRetriesExhausted || err == stream.ErrRetriesExhausted {
		return
	}
	f.mon.RecordEvent(monitor.EventConnect, false)
}

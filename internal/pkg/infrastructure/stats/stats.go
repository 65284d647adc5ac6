// Package stats holds the gateway counters. Values are read and modified atomically, but not
// consistently with each other.
package stats

import (
	"expvar"
	"fmt"
	"sync"
)

type Stats struct {
	Connections expvar.Int
	Overtakes   expvar.Int

	Frames          expvar.Int
	MalformedFrames expvar.Int
	UnknownDevices  expvar.Int
	Unrecognized    expvar.Int
	Acks            expvar.Int

	Enqueued            expvar.Int
	QueueDrops          expvar.Int
	Persisted           expvar.Int
	PersistenceFailures expvar.Int
	PublishFailures     expvar.Int

	SMSInbound expvar.Map

	DispatchSent   expvar.Int
	DispatchFailed expvar.Int
}

func New() *Stats {
	s := &Stats{}
	s.SMSInbound.Init()
	return s
}

func (s *Stats) String() string {
	return fmt.Sprintf(`{"connections":%d,"overtakes":%d,"frames":%d,"malformed_frames":%d,"unknown_devices":%d,`+
		`"unrecognized":%d,"acks":%d,"enqueued":%d,"queue_drops":%d,"persisted":%d,"persistence_failures":%d,`+
		`"publish_failures":%d,"sms_inbound":%s,"dispatch_sent":%d,"dispatch_failed":%d}`,
		s.Connections.Value(), s.Overtakes.Value(), s.Frames.Value(), s.MalformedFrames.Value(), s.UnknownDevices.Value(),
		s.Unrecognized.Value(), s.Acks.Value(), s.Enqueued.Value(), s.QueueDrops.Value(), s.Persisted.Value(),
		s.PersistenceFailures.Value(), s.PublishFailures.Value(), s.SMSInbound.String(), s.DispatchSent.Value(),
		s.DispatchFailed.Value())
}

var publishOnce sync.Once

// Publish exposes s under name on /debug/vars. Only the first call in a process has effect,
// expvar panics on duplicate names.
func Publish(name string, s *Stats) {
	publishOnce.Do(func() { expvar.Publish(name, s) })
}

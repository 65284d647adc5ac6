// Package registry keeps the one live stream session of every canonical device together with its
// liveness, and is the only path acknowledgements are written through.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/stats"
	"github.com/juju/errors"
)

const (
	DefaultOnlineWindow    = 10 * time.Minute
	DefaultPresenceTimeout = 2 * time.Second

	presenceQueueSize = 256
)

//ErrNotCurrent is returned when writing through a session that was replaced or unregistered
var ErrNotCurrent = errors.New("session is not the current session of the device")

//Session is one live stream connection
type Session interface {
	RemoteAddr() string
	Write(frame []byte) error
	Close() error
}

//Presence mirrors liveness outside the process
type Presence interface {
	Touch(ctx context.Context, imei string, at time.Time) error
	LastSeen(ctx context.Context, imei string) (time.Time, bool, error)
}

//Status is the liveness of one device as seen by this process
type Status struct {
	Connected bool
	LastSeen  *time.Time
	Online    bool
}

type Options struct {
	OnlineWindow    time.Duration
	Presence        Presence
	PresenceTimeout time.Duration
	Log             logging.Logger
	Stat            *stats.Stats
}

type presenceTouch struct {
	imei string
	at   time.Time
}

type Registry struct {
	sessions sync.Map // imei -> Session
	lastSeen sync.Map // imei -> time.Time
	window   time.Duration
	presence Presence
	log      logging.Logger
	stat     *stats.Stats
	now      func() time.Time

	// presence writes happen off the frame handlers, in order, on one goroutine
	mirror      chan presenceTouch
	mirrorDone  chan struct{}
	mirrorWG    sync.WaitGroup
	mirrorOnce  sync.Once
	mirrorLimit time.Duration
}

func New(opt Options) *Registry {
	if opt.OnlineWindow <= 0 {
		opt.OnlineWindow = DefaultOnlineWindow
	}
	if opt.Log == nil {
		opt.Log = logging.NewLogger()
	}
	if opt.Stat == nil {
		opt.Stat = stats.New()
	}
	if opt.PresenceTimeout <= 0 {
		opt.PresenceTimeout = DefaultPresenceTimeout
	}
	r := &Registry{
		window:      opt.OnlineWindow,
		presence:    opt.Presence,
		log:         opt.Log,
		stat:        opt.Stat,
		now:         time.Now,
		mirrorDone:  make(chan struct{}),
		mirrorLimit: opt.PresenceTimeout,
	}
	if r.presence != nil {
		r.mirror = make(chan presenceTouch, presenceQueueSize)
		r.mirrorWG.Add(1)
		go r.mirrorLoop()
	}
	return r
}

func (r *Registry) mirrorLoop() {
	defer r.mirrorWG.Done()
	for {
		select {
		case t := <-r.mirror:
			ctx, cancel := context.WithTimeout(context.Background(), r.mirrorLimit)
			if err := r.presence.Touch(ctx, t.imei, t.at); err != nil {
				r.log.WithField("imei", t.imei).Warnf("failed to mirror presence: %s", err.Error())
			}
			cancel()
		case <-r.mirrorDone:
			return
		}
	}
}

//Close stops mirroring presence. Touches queued but not yet written are dropped.
func (r *Registry) Close() {
	r.mirrorOnce.Do(func() {
		close(r.mirrorDone)
	})
	r.mirrorWG.Wait()
}

//Register makes s the current session of imei. A superseded session is closed before Register returns.
func (r *Registry) Register(imei string, s Session) {
	prev, loaded := r.sessions.Swap(imei, s)
	if !loaded || prev == s {
		return
	}

	ex := prev.(Session)
	r.stat.Overtakes.Add(1)
	r.log.WithField("imei", imei).Infof("client overtake ex=%s new=%s", ex.RemoteAddr(), s.RemoteAddr())
	if err := ex.Close(); err != nil {
		r.log.WithField("imei", imei).Debugf("close superseded session: %s", err.Error())
	}
}

//Unregister removes s if it is still current and reports whether it was
func (r *Registry) Unregister(imei string, s Session) bool {
	return r.sessions.CompareAndDelete(imei, s)
}

//IsCurrent reports whether s is the registered session of imei
func (r *Registry) IsCurrent(imei string, s Session) bool {
	cur, ok := r.sessions.Load(imei)
	return ok && cur == s
}

//Current returns the registered session of imei, if any
func (r *Registry) Current(imei string) (Session, bool) {
	cur, ok := r.sessions.Load(imei)
	if !ok {
		return nil, false
	}
	return cur.(Session), true
}

//Ack writes frame to s only while s is the current session of imei
func (r *Registry) Ack(imei string, s Session, frame []byte) error {
	if !r.IsCurrent(imei, s) {
		return errors.Annotatef(ErrNotCurrent, "imei=%s addr=%s", imei, s.RemoteAddr())
	}
	if err := s.Write(frame); err != nil {
		return errors.Annotatef(err, "ack imei=%s", imei)
	}
	r.stat.Acks.Add(1)
	return nil
}

//Touch records that imei was heard from at. Last-seen never moves backwards.
//The presence mirror is written in the background and never delays the caller.
func (r *Registry) Touch(imei string, at time.Time) {
	for {
		prev, loaded := r.lastSeen.LoadOrStore(imei, at)
		if !loaded {
			break
		}
		if !at.After(prev.(time.Time)) {
			return
		}
		if r.lastSeen.CompareAndSwap(imei, prev, at) {
			break
		}
	}

	if r.presence == nil {
		return
	}
	select {
	case <-r.mirrorDone:
	case r.mirror <- presenceTouch{imei: imei, at: at}:
	default:
		r.log.WithField("imei", imei).Warnf("presence mirror is behind, skipped touch")
	}
}

//Status returns the liveness of imei. Last-seen is the newest of this process and the presence mirror.
func (r *Registry) Status(ctx context.Context, imei string) Status {
	st := Status{}
	_, st.Connected = r.sessions.Load(imei)

	if v, ok := r.lastSeen.Load(imei); ok {
		seen := v.(time.Time)
		st.LastSeen = &seen
	}

	if r.presence != nil {
		seen, ok, err := r.presence.LastSeen(ctx, imei)
		if err != nil {
			r.log.WithField("imei", imei).Warnf("failed to read presence: %s", err.Error())
		} else if ok && (st.LastSeen == nil || seen.After(*st.LastSeen)) {
			st.LastSeen = &seen
		}
	}

	st.Online = r.IsOnline(st.LastSeen)
	return st
}

//IsOnline reports whether lastSeen lies within the online window
func (r *Registry) IsOnline(lastSeen *time.Time) bool {
	return lastSeen != nil && r.now().Sub(*lastSeen) <= r.window
}

//Window is the online window
func (r *Registry) Window() time.Duration {
	return r.window
}

//CloseAll closes every registered session
func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, value interface{}) bool {
		_ = value.(Session).Close()
		return true
	})
}

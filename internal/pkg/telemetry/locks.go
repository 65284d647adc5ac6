package telemetry

import "sync"

//DeviceLocks serializes read-modify-write of one device's cache across the stream and sms paths
type DeviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	sync.Mutex
	refs int
}

func NewDeviceLocks() *DeviceLocks {
	return &DeviceLocks{locks: make(map[string]*deviceLock)}
}

//Lock blocks until the lock for imei is held and returns the matching unlock
func (l *DeviceLocks) Lock(imei string) func() {
	l.mu.Lock()
	dl, ok := l.locks[imei]
	if !ok {
		dl = &deviceLock{}
		l.locks[imei] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.Lock()

	return func() {
		dl.Unlock()

		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, imei)
		}
		l.mu.Unlock()
	}
}

//WithLock runs fn while holding the lock for imei
func (l *DeviceLocks) WithLock(imei string, fn func() error) error {
	unlock := l.Lock(imei)
	defer unlock()
	return fn()
}

package core

import "sync"

// deviceLocks holds one exclusive lock per device id.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the lock of the device and returns the function releasing it.
func (l *deviceLocks) lock(deviceId string) func() {
	l.mu.Lock()
	m, ok := l.locks[deviceId]
	if !ok {
		m = &sync.Mutex{}
		l.locks[deviceId] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

package sequence

import (
	"context"
	"sync"
)

// Memory is an in-process Sequencer guarded by a mutex.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	serial   *Record
	clock    Clock
}

// NewMemory returns an empty in-memory sequencer. A nil clock uses time.Now.
func NewMemory(clock Clock) *Memory {
	return &Memory{counters: map[string]int64{}, clock: clock}
}

func (m *Memory) Ensure(_ context.Context, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		if _, ok := m.counters[n]; !ok {
			m.counters[n] = 0
		}
	}
	if m.serial == nil {
		m.serial = &Record{Name: SerialRecordName, Today: m.clock.Today()}
	}
	return nil
}

func (m *Memory) NextID(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.counters[name]
	if !ok {
		return 0, missing(name)
	}
	v++
	m.counters[name] = v
	return v, nil
}

func (m *Memory) NextSerial(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serial == nil {
		return "", missing(SerialRecordName)
	}
	today := m.clock.Today()
	if m.serial.Today == today {
		m.serial.ID++
	} else {
		m.serial.ID = 1
		m.serial.Today = today
	}
	return FormatSerial(today, m.serial.ID), nil
}

// Raise lifts the named counter to at least floor.
func (m *Memory) Raise(_ context.Context, name string, floor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] < floor {
		m.counters[name] = floor
	}
	return nil
}

// Reset forgets every counter.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = map[string]int64{}
	m.serial = nil
	return nil
}

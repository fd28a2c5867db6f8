package clock

import (
	"sync"
	"time"
)

// Clock выдаёт текущее время. Компоненты с таймерной логикой (lease у слайсов,
// staleness у watcher'а, debounce) получают Clock извне, чтобы тесты могли
// управлять временем без time.Sleep.
type Clock interface {
	Now() time.Time
}

// Real ...
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// System — общий экземпляр для продакшн-кода.
var System Clock = Real{}

// Manual — управляемые часы для тестов.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает время вперёд и возвращает новое значение.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set выставляет абсолютное время.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

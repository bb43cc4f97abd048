package subscriber

import (
	"sync"
	"time"
)

// Stats is a point-in-time copy of the consumer counters.
type Stats struct {
	StartTime            time.Time
	Uptime               time.Duration
	MessagesReceived     int64
	MessagesProcessed    int64
	MessagesFailed       int64
	MessagesDeadLettered int64
	LastMessageTime      time.Time
}

// SuccessRate returns the share of processed messages, in percent.
func (s Stats) SuccessRate() float64 {
	if s.MessagesReceived == 0 {
		return 0
	}
	return float64(s.MessagesProcessed) / float64(s.MessagesReceived) * 100
}

// Throughput returns received messages per second of uptime.
func (s Stats) Throughput() float64 {
	if s.Uptime.Seconds() <= 0 {
		return 0
	}
	return float64(s.MessagesReceived) / s.Uptime.Seconds()
}

type stats struct {
	mu sync.RWMutex
	s  Stats
}

func newStats() *stats {
	return &stats{s: Stats{StartTime: time.Now()}}
}

func (st *stats) record(processed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.MessagesReceived++
	if processed {
		st.s.MessagesProcessed++
	} else {
		st.s.MessagesFailed++
	}
	st.s.LastMessageTime = time.Now()
}

func (st *stats) recordDeadLettered() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.MessagesDeadLettered++
}

func (st *stats) snapshot() Stats {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := st.s
	out.Uptime = time.Since(out.StartTime)
	return out
}

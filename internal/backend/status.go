package backend

import (
	"sync/atomic"
	"time"
)

// EndpointStatus is the live status of one input stream.
//
// It is written by the backend's own thread and by the drift compensator on
// the real-time thread, and read by monitoring code. Every field is atomic, so
// a Snapshot may be momentarily inconsistent across fields but never invalid.
type EndpointStatus struct {
	connected         atomic.Bool
	lastDataUnixNano  atomic.Int64
	bufferedBytes     atomic.Int64
	totalBytes        atomic.Int64
	totalFrames       atomic.Int64
	consecutiveErrors atomic.Int64
	totalErrors       atomic.Int64
	discardedBytes    atomic.Int64
	insertedFrames    atomic.Int64
	droppedFrames     atomic.Int64
}

// A point-in-time copy of an EndpointStatus.
type StatusSnapshot struct {
	Connected         bool
	LastData          time.Time
	BufferedBytes     int64
	TotalBytes        int64
	TotalFrames       int64
	ConsecutiveErrors int64
	TotalErrors       int64
	DiscardedBytes    int64
	InsertedFrames    int64
	DroppedFrames     int64
}

func (s *EndpointStatus) SetConnected(connected bool) {
	s.connected.Store(connected)
}

func (s *EndpointStatus) Connected() bool {
	return s.connected.Load()
}

// Record the arrival of received bytes, of which discarded did not fit the buffer.
func (s *EndpointStatus) recordData(received, frames, discarded, buffered int) {
	s.lastDataUnixNano.Store(time.Now().UnixNano())
	s.totalBytes.Add(int64(received))
	s.totalFrames.Add(int64(frames))
	s.discardedBytes.Add(int64(discarded))
	s.bufferedBytes.Store(int64(buffered))
	s.consecutiveErrors.Store(0)
}

// Record a failed read and return the number of consecutive failures.
func (s *EndpointStatus) recordError() int64 {
	s.totalErrors.Add(1)
	return s.consecutiveErrors.Add(1)
}

func (s *EndpointStatus) clearErrors() {
	s.consecutiveErrors.Store(0)
}

// AddInserted counts frames a drift compensator synthesized.
func (s *EndpointStatus) AddInserted(frames int) {
	s.insertedFrames.Add(int64(frames))
}

// AddDropped counts frames a drift compensator discarded.
func (s *EndpointStatus) AddDropped(frames int) {
	s.droppedFrames.Add(int64(frames))
}

func (s *EndpointStatus) Snapshot() StatusSnapshot {
	snapshot := StatusSnapshot{
		Connected:         s.connected.Load(),
		BufferedBytes:     s.bufferedBytes.Load(),
		TotalBytes:        s.totalBytes.Load(),
		TotalFrames:       s.totalFrames.Load(),
		ConsecutiveErrors: s.consecutiveErrors.Load(),
		TotalErrors:       s.totalErrors.Load(),
		DiscardedBytes:    s.discardedBytes.Load(),
		InsertedFrames:    s.insertedFrames.Load(),
		DroppedFrames:     s.droppedFrames.Load(),
	}
	if nanos := s.lastDataUnixNano.Load(); nanos != 0 {
		snapshot.LastData = time.Unix(0, nanos)
	}
	return snapshot
}

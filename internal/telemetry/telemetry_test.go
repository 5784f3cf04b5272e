package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"telemetry", `{"type":"telemetry","speed":12.5,"accel":-3,"elytra":true}`, true},
		{"event", `{"type":"event","kind":"hit","intensity":0.5}`, true},
		{"event without kind", `{"type":"event","intensity":0.5}`, false},
		{"haptic", `{"type":"haptic","f0":40,"f1":80,"ms":120,"gain":0.8}`, true},
		{"haptic without duration", `{"type":"haptic","f0":40}`, false},
		{"haptic negative frequency", `{"type":"haptic","f0":-1,"ms":10}`, false},
		{"unknown type", `{"type":"chat","text":"hi"}`, false},
		{"missing type", `{"speed":1}`, false},
		{"not json", `speed=1`, false},
		{"wrong field type", `{"type":"telemetry","speed":"fast"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseMessage([]byte(tt.data))
			assert.Equal(t, tt.ok, ok)
		})
	}

	m, ok := ParseMessage([]byte(`{"type":"haptic","f0":40,"ms":120,"pattern":"pulse","pulsePeriodMs":20,"pulseWidthMs":10,"delayMs":5}`))
	require.True(t, ok)
	assert.Equal(t, Message{Type: TypeHaptic, F0: 40, Ms: 120, Pattern: "pulse", PulsePeriodMs: 20, PulseWidthMs: 10, DelayMs: 5}, m)
}

func TestEventFrequency(t *testing.T) {
	assert.Equal(t, 45.0, EventFrequency("damage"))
	assert.Equal(t, 30.0, EventFrequency("explosion"))
	assert.Equal(t, 50.0, EventFrequency("something else"))
}

// --------------------------------------------------------------------------------

// A synthesizer at 1 kHz with a controllable clock.
func testSynthesizer() (*Synthesizer, *time.Time) {
	s := NewSynthesizer(1000, nil)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func peak(samples frame.PCMFrame) float64 {
	var p float64
	for _, v := range samples {
		p = max(p, math.Abs(float64(v)))
	}
	return p
}

func TestSynthesizerSilentWithoutMessages(t *testing.T) {
	s, _ := testSynthesizer()
	assert.False(t, s.Alive())
	assert.Equal(t, 2, s.GetDeviceProperties().NumChannels)

	dst := make(frame.PCMFrame, 2*100)
	assert.Equal(t, 100, s.Read(dst))
	assert.Zero(t, peak(dst))
}

func TestSynthesizerRumble(t *testing.T) {
	s, now := testSynthesizer()
	s.Handle([]byte(`{"type":"telemetry","speed":40}`))
	assert.True(t, s.Alive())

	// One second settles the smoothing completely.
	dst := make(frame.PCMFrame, 2*1000)
	s.Read(dst)
	tail := dst[2*800:]
	assert.InDelta(t, 1.0, peak(tail), 0.05)
	for f := 0; f < len(dst)/2; f++ {
		assert.Equal(t, dst[2*f], dst[2*f+1], "both channels carry the same signal")
	}

	// Stale telemetry fades to silence.
	*now = now.Add(StaleAfter + time.Millisecond)
	assert.False(t, s.Alive())
	s.Read(dst)
	assert.Less(t, peak(dst[2*900:]), 1e-3)
}

func TestSynthesizerEventOneShot(t *testing.T) {
	s, _ := testSynthesizer()
	s.Handle([]byte(`{"type":"event","kind":"hit","intensity":1}`))

	dst := make(frame.PCMFrame, 2*180)
	s.Read(dst)
	assert.Greater(t, peak(dst), 0.5)
	assert.LessOrEqual(t, peak(dst), 1.0)
	assert.Empty(t, s.pool, "finished one-shots are released")

	s.Read(dst)
	assert.Zero(t, peak(dst))
}

func TestSynthesizerHapticDelayAndPulse(t *testing.T) {
	s, _ := testSynthesizer()
	s.Handle([]byte(`{"type":"haptic","f0":100,"ms":100,"gain":1,"pulsePeriodMs":20,"pulseWidthMs":10,"delayMs":10}`))

	dst := make(frame.PCMFrame, 2*120)
	s.Read(dst)
	assert.Zero(t, peak(dst[:2*10]), "nothing before the delay")
	assert.Greater(t, peak(dst[2*10:2*20]), 0.0)
	assert.Zero(t, peak(dst[2*20:2*30]), "pulse gap")
	assert.Greater(t, peak(dst[2*30:2*40]), 0.0)
	assert.Zero(t, peak(dst[2*110:]), "nothing after the end")
}

func TestSynthesizerEvictsOldestOneShot(t *testing.T) {
	s, _ := testSynthesizer()
	for i := range MaxOneShots + 6 {
		s.Handle(fmt.Appendf(nil, `{"type":"haptic","f0":%d,"ms":500,"gain":0.01}`, i+1))
	}
	_, _, evicted := s.Stats()
	assert.Equal(t, int64(6), evicted)

	s.Read(make(frame.PCMFrame, 2))
	require.Len(t, s.pool, MaxOneShots)
	assert.Equal(t, 7.0, s.pool[0].f0, "the oldest were evicted")

	s.Handle([]byte(`{"type":"haptic","f0":1000,"ms":500}`))
	s.Read(make(frame.PCMFrame, 2))
	_, _, evicted = s.Stats()
	assert.Equal(t, int64(7), evicted)
	assert.Equal(t, 1000.0, s.pool[MaxOneShots-1].f0)
}

func TestSynthesizerCountsDroppedMessages(t *testing.T) {
	s, _ := testSynthesizer()
	s.Handle([]byte(`not json`))
	s.Handle([]byte(`{"type":"event"}`))
	s.Handle([]byte(`{"type":"telemetry"}`))

	received, dropped, _ := s.Stats()
	assert.Equal(t, int64(1), received)
	assert.Equal(t, int64(2), dropped)
	assert.True(t, s.Alive(), "only valid messages count as liveness")
}

// --------------------------------------------------------------------------------

func websocketURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientSubscribesAndReconnects(t *testing.T) {
	subscriptions := make(chan map[string]any, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		var subscription map[string]any
		if err := wsjson.Read(r.Context(), conn, &subscription); err != nil {
			return
		}
		select {
		case subscriptions <- subscription:
		default:
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"event","kind":"hit","intensity":1}`))
		_ = conn.Write(r.Context(), websocket.MessageBinary, []byte{0xff})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	var mu sync.Mutex
	var messages []string
	client := NewClient(websocketURL(server), map[string]any{"subscribe": "all"}, func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, string(p))
	}, nil)
	client.backoff = 10 * time.Millisecond

	client.Start(context.Background())
	defer client.Close()

	assert.Eventually(t, func() bool { return client.Connects() >= 2 }, 3*time.Second, 5*time.Millisecond)

	select {
	case subscription := <-subscriptions:
		assert.Equal(t, map[string]any{"subscribe": "all"}, subscription)
	case <-time.After(time.Second):
		t.Fatal("no subscription received")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, messages)
	assert.Equal(t, `{"type":"event","kind":"hit","intensity":1}`, messages[0])
	for _, m := range messages {
		assert.True(t, strings.HasPrefix(m, "{"), "binary messages are ignored")
	}
}

func TestClientWithoutServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := websocketURL(server)
	server.Close()

	client := NewClient(url, nil, nil, nil)
	client.backoff = 10 * time.Millisecond
	client.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, client.Connected())
	assert.Zero(t, client.Connects())

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

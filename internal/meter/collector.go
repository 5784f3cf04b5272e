package meter

import (
	"strconv"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/backend"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shakerrouter"

// StatusFunc reports the status of an input stream, if it exists.
type StatusFunc func(id backend.StreamID) (backend.StatusSnapshot, bool)

// SynthesizerStats is the view of the telemetry synthesizer the collector exports.
type SynthesizerStats interface {
	Alive() bool
	Stats() (received, dropped, evicted int64)
}

// Collector implements prometheus.Collector over the taps and endpoint statuses
// of one session. Peaks are held between scrapes and reset by each scrape.
type Collector struct {
	taps   []*Tap
	status StatusFunc
	synth  SynthesizerStats

	peak              *prometheus.Desc
	connected         *prometheus.Desc
	lastDataAge       *prometheus.Desc
	bufferedBytes     *prometheus.Desc
	bytesTotal        *prometheus.Desc
	framesTotal       *prometheus.Desc
	consecutiveErrors *prometheus.Desc
	errorsTotal       *prometheus.Desc
	discardedBytes    *prometheus.Desc
	insertedFrames    *prometheus.Desc
	droppedFrames     *prometheus.Desc
	telemetryAlive    *prometheus.Desc
	telemetryMessages *prometheus.Desc
	telemetryEvicted  *prometheus.Desc
}

// Create a Collector. status and synth may be nil.
func NewCollector(taps []*Tap, status StatusFunc, synth SynthesizerStats) *Collector {
	stream := []string{"stream"}
	return &Collector{
		taps:   taps,
		status: status,
		synth:  synth,

		peak: prometheus.NewDesc(namespace+"_peak_level",
			"Absolute peak sample level since the last scrape", []string{"tap", "channel"}, nil),
		connected: prometheus.NewDesc(namespace+"_endpoint_connected",
			"Whether the input endpoint is connected (1=connected, 0=disconnected)", stream, nil),
		lastDataAge: prometheus.NewDesc(namespace+"_endpoint_last_data_age_seconds",
			"Seconds since the input endpoint last delivered data", stream, nil),
		bufferedBytes: prometheus.NewDesc(namespace+"_endpoint_buffered_bytes",
			"Bytes waiting in the input ring buffer", stream, nil),
		bytesTotal: prometheus.NewDesc(namespace+"_endpoint_bytes_total",
			"Total bytes received from the input endpoint", stream, nil),
		framesTotal: prometheus.NewDesc(namespace+"_endpoint_frames_total",
			"Total frames received from the input endpoint", stream, nil),
		consecutiveErrors: prometheus.NewDesc(namespace+"_endpoint_consecutive_errors",
			"Consecutive failed reads of the input endpoint", stream, nil),
		errorsTotal: prometheus.NewDesc(namespace+"_endpoint_errors_total",
			"Total failed reads of the input endpoint", stream, nil),
		discardedBytes: prometheus.NewDesc(namespace+"_endpoint_discarded_bytes_total",
			"Total bytes discarded because the ring buffer was full", stream, nil),
		insertedFrames: prometheus.NewDesc(namespace+"_drift_inserted_frames_total",
			"Total frames inserted by the drift compensator", stream, nil),
		droppedFrames: prometheus.NewDesc(namespace+"_drift_dropped_frames_total",
			"Total frames dropped by the drift compensator", stream, nil),
		telemetryAlive: prometheus.NewDesc(namespace+"_telemetry_alive",
			"Whether a telemetry message arrived recently (1=alive, 0=stale)", nil, nil),
		telemetryMessages: prometheus.NewDesc(namespace+"_telemetry_messages_total",
			"Total telemetry messages by outcome", []string{"outcome"}, nil),
		telemetryEvicted: prometheus.NewDesc(namespace+"_telemetry_evicted_oneshots_total",
			"Total one-shot effects evicted from a full pool", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.peak, c.connected, c.lastDataAge, c.bufferedBytes, c.bytesTotal, c.framesTotal,
		c.consecutiveErrors, c.errorsTotal, c.discardedBytes, c.insertedFrames, c.droppedFrames,
		c.telemetryAlive, c.telemetryMessages, c.telemetryEvicted,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, tap := range c.taps {
		for i, peak := range tap.Peaks() {
			ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(peak), tap.Name(), channelName(i))
		}
	}

	if c.status != nil {
		for _, id := range backend.StreamIDs {
			if snapshot, ok := c.status(id); ok {
				c.collectStatus(ch, id.String(), snapshot)
			}
		}
	}

	if c.synth != nil {
		received, dropped, evicted := c.synth.Stats()
		ch <- prometheus.MustNewConstMetric(c.telemetryAlive, prometheus.GaugeValue, boolValue(c.synth.Alive()))
		ch <- prometheus.MustNewConstMetric(c.telemetryMessages, prometheus.CounterValue, float64(received), "accepted")
		ch <- prometheus.MustNewConstMetric(c.telemetryMessages, prometheus.CounterValue, float64(dropped), "dropped")
		ch <- prometheus.MustNewConstMetric(c.telemetryEvicted, prometheus.CounterValue, float64(evicted))
	}
}

func (c *Collector) collectStatus(ch chan<- prometheus.Metric, stream string, s backend.StatusSnapshot) {
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, boolValue(s.Connected), stream)
	if !s.LastData.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastDataAge, prometheus.GaugeValue, time.Since(s.LastData).Seconds(), stream)
	}
	ch <- prometheus.MustNewConstMetric(c.bufferedBytes, prometheus.GaugeValue, float64(s.BufferedBytes), stream)
	ch <- prometheus.MustNewConstMetric(c.bytesTotal, prometheus.CounterValue, float64(s.TotalBytes), stream)
	ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.CounterValue, float64(s.TotalFrames), stream)
	ch <- prometheus.MustNewConstMetric(c.consecutiveErrors, prometheus.GaugeValue, float64(s.ConsecutiveErrors), stream)
	ch <- prometheus.MustNewConstMetric(c.errorsTotal, prometheus.CounterValue, float64(s.TotalErrors), stream)
	ch <- prometheus.MustNewConstMetric(c.discardedBytes, prometheus.CounterValue, float64(s.DiscardedBytes), stream)
	ch <- prometheus.MustNewConstMetric(c.insertedFrames, prometheus.CounterValue, float64(s.InsertedFrames), stream)
	ch <- prometheus.MustNewConstMetric(c.droppedFrames, prometheus.CounterValue, float64(s.DroppedFrames), stream)
}

func channelName(i int) string {
	if i < len(frame.ChannelNames) {
		return frame.ChannelNames[i]
	}
	return "ch" + strconv.Itoa(i)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

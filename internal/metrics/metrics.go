package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// EngineProvider exposes the campaign engine's live state.
type EngineProvider interface {
	RunningCampaigns() []string
}

// BridgeStatsProvider exposes aggregate media bridge statistics.
type BridgeStatsProvider interface {
	Len() int
	FramesForwarded() int64
	FramesDropped() int64
}

// CallStatusCounter returns call counts grouped by status.
type CallStatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error)
}

// SubscriberCounter returns the number of live event bus subscribers.
type SubscriberCounter interface {
	SubscriberCount() int
}

// Collector is a prometheus.Collector that gathers platform metrics at scrape time.
type Collector struct {
	engine      EngineProvider
	bridges     BridgeStatsProvider
	calls       CallStatusCounter
	subscribers SubscriberCounter
	startTime   time.Time

	// Metric descriptors.
	runningCampaignsDesc *prometheus.Desc
	activeBridgesDesc    *prometheus.Desc
	framesForwardedDesc  *prometheus.Desc
	framesDroppedDesc    *prometheus.Desc
	callsTotalDesc       *prometheus.Desc
	subscribersDesc      *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	engine EngineProvider,
	bridges BridgeStatsProvider,
	calls CallStatusCounter,
	subscribers SubscriberCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		engine:      engine,
		bridges:     bridges,
		calls:       calls,
		subscribers: subscribers,
		startTime:   startTime,

		runningCampaignsDesc: prometheus.NewDesc(
			"voiceplatform_running_campaigns",
			"Number of campaigns with a live execution loop",
			nil, nil,
		),
		activeBridgesDesc: prometheus.NewDesc(
			"voiceplatform_active_bridges",
			"Number of live media bridges",
			nil, nil,
		),
		framesForwardedDesc: prometheus.NewDesc(
			"voiceplatform_bridge_frames_forwarded_total",
			"Total frames delivered to a peer socket across all bridges",
			nil, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"voiceplatform_bridge_frames_dropped_total",
			"Total media frames dropped by overloaded bridge send queues",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voiceplatform_calls_total",
			"Total number of calls by current status",
			[]string{"status"}, nil,
		),
		subscribersDesc: prometheus.NewDesc(
			"voiceplatform_event_subscribers",
			"Number of live event stream subscribers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voiceplatform_uptime_seconds",
			"Seconds since the server process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.runningCampaignsDesc
	ch <- c.activeBridgesDesc
	ch <- c.framesForwardedDesc
	ch <- c.framesDroppedDesc
	ch <- c.callsTotalDesc
	ch <- c.subscribersDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.engine != nil {
		ch <- prometheus.MustNewConstMetric(
			c.runningCampaignsDesc, prometheus.GaugeValue,
			float64(len(c.engine.RunningCampaigns())),
		)
	}

	if c.bridges != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeBridgesDesc, prometheus.GaugeValue,
			float64(c.bridges.Len()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesForwardedDesc, prometheus.CounterValue,
			float64(c.bridges.FramesForwarded()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesDroppedDesc, prometheus.CounterValue,
			float64(c.bridges.FramesDropped()),
		)
	}

	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by status", "error", err)
		} else {
			for status, count := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(count), string(status),
				)
			}
		}
	}

	if c.subscribers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.subscribersDesc, prometheus.GaugeValue,
			float64(c.subscribers.SubscriberCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/sipconnector/internal/call"
)

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	ActiveCalls(ctx context.Context) (int, error)
}

// MNCCStatusProvider reports whether the MNCC connection is usable.
type MNCCStatusProvider interface {
	MNCCConnected(ctx context.Context) (bool, error)
}

// DialogCounter returns the number of open SIP dialogs.
type DialogCounter interface {
	DialogCount() int
}

// HistoryCounter returns call history counts grouped by origin protocol.
type HistoryCounter interface {
	CountByOrigin(ctx context.Context) (map[string]int64, error)
}

// Counters tracks call lifecycle events. It is registered as the
// registry's observer and only counts, so it is safe on the event loop.
type Counters struct {
	initiated *prometheus.CounterVec
	failed    *prometheus.CounterVec
	connected *prometheus.CounterVec
	released  *prometheus.CounterVec
}

var _ call.Observer = (*Counters)(nil)

// NewCounters creates the call counters and registers them with reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	newVec := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipconnector",
			Subsystem: "call",
			Name:      name,
			Help:      help,
		}, []string{"origin"})
	}
	c := &Counters{
		initiated: newVec("initiated_total", "Calls initiated, by protocol of the initial leg"),
		failed:    newVec("failed_total", "Calls that could not be routed"),
		connected: newVec("connected_total", "Calls answered end to end"),
		released:  newVec("released_total", "Calls released"),
	}
	reg.MustRegister(c.initiated, c.failed, c.connected, c.released)
	return c
}

func origin(c *call.Call) string { return c.Origin.String() }

func (m *Counters) CallInitiated(c *call.Call) { m.initiated.WithLabelValues(origin(c)).Inc() }
func (m *Counters) CallFailed(c *call.Call)    { m.failed.WithLabelValues(origin(c)).Inc() }
func (m *Counters) CallConnected(c *call.Call) { m.connected.WithLabelValues(origin(c)).Inc() }
func (m *Counters) CallReleased(c *call.Call)  { m.released.WithLabelValues(origin(c)).Inc() }

// Collector is a prometheus.Collector that gathers gateway state at scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	mncc        MNCCStatusProvider
	dialogs     DialogCounter
	history     HistoryCounter
	startTime   time.Time

	// Metric descriptors.
	activeCallsDesc   *prometheus.Desc
	mnccConnectedDesc *prometheus.Desc
	sipDialogsDesc    *prometheus.Desc
	historyDesc       *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	mncc MNCCStatusProvider,
	dialogs DialogCounter,
	history HistoryCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		mncc:        mncc,
		dialogs:     dialogs,
		history:     history,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"sipconnector_active_calls",
			"Number of calls currently registered",
			nil, nil,
		),
		mnccConnectedDesc: prometheus.NewDesc(
			"sipconnector_mncc_connected",
			"MNCC connection state (1=ready, 0=other)",
			nil, nil,
		),
		sipDialogsDesc: prometheus.NewDesc(
			"sipconnector_sip_dialogs",
			"Number of open SIP dialogs",
			nil, nil,
		),
		historyDesc: prometheus.NewDesc(
			"sipconnector_history_calls_total",
			"Calls recorded in the call history",
			[]string{"origin"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipconnector_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.mnccConnectedDesc
	ch <- c.sipDialogsDesc
	ch <- c.historyDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		n, err := c.activeCalls.ActiveCalls(ctx)
		if err != nil {
			slog.Error("metrics: failed to count active calls", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.activeCallsDesc, prometheus.GaugeValue, float64(n),
			)
		}
	}

	if c.mncc != nil {
		ok, err := c.mncc.MNCCConnected(ctx)
		if err != nil {
			slog.Error("metrics: failed to read mncc state", "error", err)
		} else {
			val := 0.0
			if ok {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.mnccConnectedDesc, prometheus.GaugeValue, val,
			)
		}
	}

	if c.dialogs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sipDialogsDesc, prometheus.GaugeValue,
			float64(c.dialogs.DialogCount()),
		)
	}

	// Call history by origin.
	if c.history != nil {
		counts, err := c.history.CountByOrigin(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call history", "error", err)
		} else {
			for _, o := range []string{call.KindMNCC.String(), call.KindSIP.String()} {
				ch <- prometheus.MustNewConstMetric(
					c.historyDesc, prometheus.CounterValue,
					float64(counts[o]), o,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

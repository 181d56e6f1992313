// Package metrics exports the purifier mirror and the discovery supervisor
// as Prometheus metrics.
package metrics

import (
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"purifier-go-home/internal/discovery"
	"purifier-go-home/internal/mirror"
)

// Supervisor is the part of the discovery supervisor the collector reads.
type Supervisor interface {
	State() discovery.State
	Attempts() int64
}

// Collector collects purifier metrics on every scrape.
type Collector struct {
	mirror     *mirror.Mirror
	supervisor Supervisor

	reachable     prometheus.Gauge
	active        prometheus.Gauge
	targetState   prometheus.Gauge
	currentState  prometheus.Gauge
	rotationSpeed prometheus.Gauge
	favoriteLevel prometheus.Gauge
	childLock     prometheus.Gauge
	airQuality    prometheus.Gauge
	pm25          prometheus.Gauge
	temperature   prometheus.Gauge
	humidity      prometheus.Gauge
	led           prometheus.Gauge
	buzzer        prometheus.Gauge
	info          *prometheus.GaugeVec

	searching *prometheus.Desc
	attempts  *prometheus.Desc
}

// NewCollector creates a collector over m. sup may be nil.
func NewCollector(m *mirror.Mirror, sup Supervisor) *Collector {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: "purifier_" + name, Help: help})
	}
	return &Collector{
		mirror:        m,
		supervisor:    sup,
		reachable:     gauge("reachable", "1 if a device session is attached"),
		active:        gauge("active", "1 if the purifier is running"),
		targetState:   gauge("target_state", "Target purifier state (0=manual, 1=auto)"),
		currentState:  gauge("current_state", "Current purifier state (0=inactive, 1=idle, 2=purifying)"),
		rotationSpeed: gauge("rotation_speed_percent", "Favorite fan level as a percentage"),
		favoriteLevel: gauge("favorite_level", "Favorite fan level (0-16)"),
		childLock:     gauge("child_lock", "1 if the physical controls are locked"),
		airQuality:    gauge("air_quality", "Air quality band (1=excellent .. 5=poor)"),
		pm25:          gauge("pm25_ugm3", "PM2.5 density (ug/m3)"),
		temperature:   gauge("temperature_celsius", "Temperature (C)"),
		humidity:      gauge("humidity_percent", "Relative humidity (%)"),
		led:           gauge("led", "1 if the LED is on"),
		buzzer:        gauge("buzzer", "1 if the buzzer is on"),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "purifier_info",
			Help: "Purifier model and mode",
		}, []string{"model", "mode"}),
		searching: prometheus.NewDesc("purifier_discovery_searching",
			"1 while the supervisor is searching for the device", nil, nil),
		attempts: prometheus.NewDesc("purifier_connect_attempts_total",
			"Device open attempts", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges() {
		g.Describe(ch)
	}
	c.info.Describe(ch)
	ch <- c.searching
	ch <- c.attempts
}

// Collect reads the mirror snapshot. Fields that were never observed are
// not exported.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.mirror.Snapshot()
	known := func(f mirror.Field) bool { return slices.Contains(st.Known, f) }

	c.reachable.Set(boolFloat(st.Reachable))
	c.reachable.Collect(ch)

	if known(mirror.FieldActive) {
		c.active.Set(boolFloat(st.Active))
		c.targetState.Set(float64(st.TargetState))
		c.currentState.Set(float64(st.CurrentState))
		c.active.Collect(ch)
		c.targetState.Collect(ch)
		c.currentState.Collect(ch)
	}
	if known(mirror.FieldRotationSpeed) {
		c.rotationSpeed.Set(float64(st.RotationSpeed))
		c.favoriteLevel.Set(float64(st.FavoriteLevel))
		c.rotationSpeed.Collect(ch)
		c.favoriteLevel.Collect(ch)
	}
	collectIf(ch, known(mirror.FieldLockPhysicalControls), c.childLock, boolFloat(st.ChildLock))
	if known(mirror.FieldAirQuality) {
		c.airQuality.Set(float64(st.AirQuality))
		c.pm25.Set(st.AirQualityIndex)
		c.airQuality.Collect(ch)
		c.pm25.Collect(ch)
	}
	collectIf(ch, known(mirror.FieldTemperature), c.temperature, st.Temperature)
	collectIf(ch, known(mirror.FieldHumidity), c.humidity, st.Humidity)
	collectIf(ch, known(mirror.FieldLED), c.led, boolFloat(st.LED))
	collectIf(ch, known(mirror.FieldBuzzer), c.buzzer, boolFloat(st.Buzzer))

	c.info.Reset()
	if st.Model != "" || st.Mode != "" {
		c.info.WithLabelValues(st.Model, st.Mode).Set(1)
	}
	c.info.Collect(ch)

	if c.supervisor != nil {
		ch <- prometheus.MustNewConstMetric(c.searching, prometheus.GaugeValue,
			boolFloat(c.supervisor.State() == discovery.Searching))
		ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.CounterValue,
			float64(c.supervisor.Attempts()))
	}
}

func (c *Collector) gauges() []prometheus.Gauge {
	return []prometheus.Gauge{
		c.reachable, c.active, c.targetState, c.currentState,
		c.rotationSpeed, c.favoriteLevel, c.childLock, c.airQuality,
		c.pm25, c.temperature, c.humidity, c.led, c.buzzer,
	}
}

// Calls counts device calls. It implements mirror.Journal and is
// registered next to the Collector.
type Calls struct {
	*prometheus.CounterVec
}

// NewCalls creates the purifier_device_calls_total counter.
func NewCalls() *Calls {
	return &Calls{prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "purifier_device_calls_total",
		Help: "Device calls by method, delivery and outcome",
	}, []string{"method", "delivery", "outcome"})}
}

// Record counts one device call.
func (c *Calls) Record(rec mirror.CallRecord) {
	outcome := "ok"
	if rec.Error != "" {
		outcome = "error"
	}
	c.WithLabelValues(rec.Method, rec.Delivery, outcome).Inc()
}

// Handler exposes the registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func collectIf(ch chan<- prometheus.Metric, ok bool, g prometheus.Gauge, v float64) {
	if !ok {
		return
	}
	g.Set(v)
	g.Collect(ch)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

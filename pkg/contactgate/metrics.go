package contactgate

import (
	"fmt"
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type MetricReporter interface {
	HandledRateLimit(allowed bool, failedOpen bool, duration time.Duration)
	EmailSent(ok bool, duration time.Duration)
	MemoryStorePruned(duration time.Duration, size float64, pruned float64)
	RequestHandled(route string, status int, duration time.Duration)
}

const (
	rateLimitMetricName    = "rate_limit.duration"
	emailSentMetricName    = "email.send.duration"
	memoryPruneMetricName  = "memory_store.prune.duration"
	memorySizeMetricName   = "memory_store.size"
	memoryPrunedMetricName = "memory_store.pruned"
	requestMetricName      = "request.duration"

	allowedKey    = "allowed"
	failedOpenKey = "failed_open"
	successKey    = "success"
	routeKey      = "route"
	statusKey     = "status"
)

func NewDataDogReporter(client *statsd.Client, defaultTags []string, logger logrus.FieldLogger) *DataDogReporter {
	return &DataDogReporter{client: client, defaultTags: defaultTags, logger: logger}
}

// DataDogReporter sends metrics over dogstatsd
type DataDogReporter struct {
	client      *statsd.Client
	defaultTags []string
	logger      logrus.FieldLogger
}

func (d *DataDogReporter) HandledRateLimit(allowed bool, failedOpen bool, duration time.Duration) {
	tags := d.tags(fmt.Sprintf("%v:%v", allowedKey, allowed), fmt.Sprintf("%v:%v", failedOpenKey, failedOpen))
	d.report(d.client.Timing(rateLimitMetricName, duration, tags, 1))
}

func (d *DataDogReporter) EmailSent(ok bool, duration time.Duration) {
	tags := d.tags(fmt.Sprintf("%v:%v", successKey, ok))
	d.report(d.client.Timing(emailSentMetricName, duration, tags, 1))
}

func (d *DataDogReporter) MemoryStorePruned(duration time.Duration, size float64, pruned float64) {
	tags := d.tags()
	d.report(d.client.Timing(memoryPruneMetricName, duration, tags, 1))
	d.report(d.client.Gauge(memorySizeMetricName, size, tags, 1))
	d.report(d.client.Gauge(memoryPrunedMetricName, pruned, tags, 1))
}

func (d *DataDogReporter) RequestHandled(route string, status int, duration time.Duration) {
	tags := d.tags(fmt.Sprintf("%v:%v", routeKey, route), fmt.Sprintf("%v:%v", statusKey, status))
	d.report(d.client.Timing(requestMetricName, duration, tags, 1))
}

func (d *DataDogReporter) tags(tags ...string) []string {
	return append(append([]string{}, d.defaultTags...), tags...)
}

func (d *DataDogReporter) report(err error) {
	if err != nil {
		d.logger.WithError(err).Warn("error reporting metric")
	}
}

// NewPrometheusReporter registers its collectors on reg
func NewPrometheusReporter(reg prometheus.Registerer) *PrometheusReporter {
	factory := promauto.With(reg)

	return &PrometheusReporter{
		rateLimit: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contactgate",
			Name:      "rate_limit_duration_seconds",
			Help:      "Time spent deciding whether a request is rate limited.",
			Buckets:   prometheus.DefBuckets,
		}, []string{allowedKey, failedOpenKey}),
		emailSent: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contactgate",
			Name:      "email_send_duration_seconds",
			Help:      "Time spent handing a contact message to the email provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{successKey}),
		memorySize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "contactgate",
			Name:      "memory_store_keys",
			Help:      "Keys held by the in-process counter store before the last sweep.",
		}),
		memoryPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contactgate",
			Name:      "memory_store_pruned_total",
			Help:      "Expired keys removed from the in-process counter store.",
		}),
		requests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contactgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{routeKey, statusKey}),
	}
}

type PrometheusReporter struct {
	rateLimit    *prometheus.HistogramVec
	emailSent    *prometheus.HistogramVec
	memorySize   prometheus.Gauge
	memoryPruned prometheus.Counter
	requests     *prometheus.HistogramVec
}

func (p *PrometheusReporter) HandledRateLimit(allowed bool, failedOpen bool, duration time.Duration) {
	p.rateLimit.WithLabelValues(strconv.FormatBool(allowed), strconv.FormatBool(failedOpen)).Observe(duration.Seconds())
}

func (p *PrometheusReporter) EmailSent(ok bool, duration time.Duration) {
	p.emailSent.WithLabelValues(strconv.FormatBool(ok)).Observe(duration.Seconds())
}

func (p *PrometheusReporter) MemoryStorePruned(duration time.Duration, size float64, pruned float64) {
	p.memorySize.Set(size)
	p.memoryPruned.Add(pruned)
}

func (p *PrometheusReporter) RequestHandled(route string, status int, duration time.Duration) {
	p.requests.WithLabelValues(route, strconv.Itoa(status)).Observe(duration.Seconds())
}

type NullReporter struct{}

func (n NullReporter) HandledRateLimit(allowed bool, failedOpen bool, duration time.Duration) {}

func (n NullReporter) EmailSent(ok bool, duration time.Duration) {}

func (n NullReporter) MemoryStorePruned(duration time.Duration, size float64, pruned float64) {}

func (n NullReporter) RequestHandled(route string, status int, duration time.Duration) {}

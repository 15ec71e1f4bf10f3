// Package metrics экспортирует метрики жизненного цикла заказов в Prometheus.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer собирает телеметрию заказов и мониторов оплаты.
type Observer interface {
	OrderCreated(kind string)
	OrderResolved(state string)
	MonitorStarted()
	MonitorStopped()
	PollFailed()
}

// PrometheusObserver экспортирует метрики заказов в Prometheus.
type PrometheusObserver struct {
	created        *prometheus.CounterVec
	resolved       *prometheus.CounterVec
	activeMonitors prometheus.Gauge
	pollErrors     prometheus.Counter
}

// NewPrometheusObserver регистрирует метрики в reg.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "licensebot"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders created, by kind.",
		}, []string{"kind"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_resolved_total",
			Help:      "Orders that reached a terminal state, by state.",
		}, []string{"state"}),
		activeMonitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_monitors_active",
			Help:      "Payment monitors currently polling the gateway.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_poll_errors_total",
			Help:      "Failed payment status lookups.",
		}),
	}

	var err error
	if o.created, err = register(reg, o.created); err != nil {
		return nil, err
	}
	if o.resolved, err = register(reg, o.resolved); err != nil {
		return nil, err
	}
	if o.activeMonitors, err = register(reg, o.activeMonitors); err != nil {
		return nil, err
	}
	if o.pollErrors, err = register(reg, o.pollErrors); err != nil {
		return nil, err
	}

	return o, nil
}

// register возвращает уже зарегистрированный коллектор, если такой есть.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) OrderCreated(kind string) {
	o.created.WithLabelValues(kind).Inc()
}

func (o *PrometheusObserver) OrderResolved(state string) {
	o.resolved.WithLabelValues(state).Inc()
}

func (o *PrometheusObserver) MonitorStarted() {
	o.activeMonitors.Inc()
}

func (o *PrometheusObserver) MonitorStopped() {
	o.activeMonitors.Dec()
}

func (o *PrometheusObserver) PollFailed() {
	o.pollErrors.Inc()
}

// Nop реализует Observer, который ничего не делает.
type Nop struct{}

func (Nop) OrderCreated(string)  {}
func (Nop) OrderResolved(string) {}
func (Nop) MonitorStarted()      {}
func (Nop) MonitorStopped()      {}
func (Nop) PollFailed()          {}

package telemetry

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is a prometheus.Registerer-backed Meter. Unlike the generic Meter
// contract, Prometheus requires the label *names* for a given metric to stay
// fixed across calls, so Recorder lazily creates one CounterVec/GaugeVec/
// HistogramVec per (name, sorted label keys) the first time it is observed
// and reuses it afterwards.
type Recorder struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRecorder creates a Recorder registering vectors on reg. Pass
// prometheus.DefaultRegisterer to publish on the default /metrics handler.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Recorder{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (r *Recorder) IncCounter(_ context.Context, name string, delta int64, labels Labels) error {
	keys, vals := labelKV(labels)
	r.mu.Lock()
	vec, ok := r.counters[vecKey(name, keys)]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
		if err := r.reg.Register(vec); err != nil {
			if are, ok2 := err.(prometheus.AlreadyRegisteredError); ok2 {
				vec = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				r.mu.Unlock()
				return err
			}
		}
		r.counters[vecKey(name, keys)] = vec
	}
	r.mu.Unlock()
	vec.WithLabelValues(vals...).Add(float64(delta))
	return nil
}

func (r *Recorder) SetGauge(_ context.Context, name string, value float64, labels Labels) error {
	keys, vals := labelKV(labels)
	r.mu.Lock()
	vec, ok := r.gauges[vecKey(name, keys)]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
		if err := r.reg.Register(vec); err != nil {
			if are, ok2 := err.(prometheus.AlreadyRegisteredError); ok2 {
				vec = are.ExistingCollector.(*prometheus.GaugeVec)
			} else {
				r.mu.Unlock()
				return err
			}
		}
		r.gauges[vecKey(name, keys)] = vec
	}
	r.mu.Unlock()
	vec.WithLabelValues(vals...).Set(value)
	return nil
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, buckets []float64, labels Labels) error {
	keys, vals := labelKV(labels)
	r.mu.Lock()
	vec, ok := r.histograms[vecKey(name, keys)]
	if !ok {
		if len(buckets) == 0 {
			buckets = DefaultHistogramBuckets()
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: buckets}, keys)
		if err := r.reg.Register(vec); err != nil {
			if are, ok2 := err.(prometheus.AlreadyRegisteredError); ok2 {
				vec = are.ExistingCollector.(*prometheus.HistogramVec)
			} else {
				r.mu.Unlock()
				return err
			}
		}
		r.histograms[vecKey(name, keys)] = vec
	}
	r.mu.Unlock()
	vec.WithLabelValues(vals...).Observe(value)
	return nil
}

func labelKV(labels Labels) (keys, vals []string) {
	nl, err := NormalizeLabels(labels)
	if err != nil || len(nl) == 0 {
		return nil, nil
	}
	keys = make([]string, 0, len(nl))
	for k := range nl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals = make([]string, 0, len(keys))
	for _, k := range keys {
		vals = append(vals, nl[k])
	}
	return keys, vals
}

func vecKey(name string, keys []string) string {
	s := name
	for _, k := range keys {
		s += "," + k
	}
	return s
}

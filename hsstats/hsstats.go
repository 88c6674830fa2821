/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
/*
Package hsstats exposes per-connection HotSync counters and timing
statistics as Prometheus metrics, grounded on the exporter pattern in
ptp/sptp/stats and the welford running-variance accumulators used in
fbclock/daemon/math.go and ptp/c4u/clock/math.go.
*/
package hsstats

import (
	"fmt"
	"net/http"
	"time"

	"github.com/eclesh/welford"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Conn collects the counters and latency samples for a single HotSync
// session. A nil *Conn is valid everywhere it's accepted as a parameter;
// callers that don't care about metrics simply never construct one.
type Conn struct {
	registry *prometheus.Registry

	retransmits prometheus.Counter
	timeouts    prometheus.Counter
	bytesSent   prometheus.Counter
	bytesRecv   prometheus.Counter

	ackRTT *welford.Stats
}

// New creates a Conn registered against its own registry, so multiple
// concurrent sessions (e.g. under cmd/coldnamed) never collide on metric
// names.
func New(deviceLabel string) *Conn {
	registry := prometheus.NewRegistry()
	c := &Conn{
		registry: registry,
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hotsync_padp_retransmits_total",
			Help:        "PADP fragments retransmitted after an ack timeout",
			ConstLabels: prometheus.Labels{"device": deviceLabel},
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hotsync_padp_timeouts_total",
			Help:        "PADP fragments abandoned after exhausting all retries",
			ConstLabels: prometheus.Labels{"device": deviceLabel},
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hotsync_bytes_sent_total",
			Help:        "Bytes written to the transport",
			ConstLabels: prometheus.Labels{"device": deviceLabel},
		}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hotsync_bytes_received_total",
			Help:        "Bytes read from the transport",
			ConstLabels: prometheus.Labels{"device": deviceLabel},
		}),
		ackRTT: welford.New(),
	}
	registry.MustRegister(c.retransmits, c.timeouts, c.bytesSent, c.bytesRecv)
	return c
}

// IncRetransmit records one PADP fragment retransmission.
func (c *Conn) IncRetransmit() {
	if c == nil {
		return
	}
	c.retransmits.Inc()
}

// IncTimeout records one PADP fragment abandoned after exhausting retries.
func (c *Conn) IncTimeout() {
	if c == nil {
		return
	}
	c.timeouts.Inc()
}

// AddBytesSent/AddBytesRecv track raw transport traffic.
func (c *Conn) AddBytesSent(n int) {
	if c == nil {
		return
	}
	c.bytesSent.Add(float64(n))
}

func (c *Conn) AddBytesRecv(n int) {
	if c == nil {
		return
	}
	c.bytesRecv.Add(float64(n))
}

// ObserveAckRTT folds one ACK round-trip latency sample into the running
// mean/variance accumulator.
func (c *Conn) ObserveAckRTT(d time.Duration) {
	if c == nil {
		return
	}
	c.ackRTT.Add(float64(d.Microseconds()))
}

// AckRTTMean and AckRTTStddev report the current running statistics in
// microseconds. Both return 0 if no samples have been observed yet.
func (c *Conn) AckRTTMean() float64 {
	if c == nil {
		return 0
	}
	return c.ackRTT.Mean()
}

func (c *Conn) AckRTTStddev() float64 {
	if c == nil {
		return 0
	}
	return c.ackRTT.Stddev()
}

// Serve exposes this connection's registry on /metrics at the given
// listen port until the process exits or the listener fails, mirroring
// PrometheusExporter.Start's fire-and-forget http.ListenAndServe pattern.
func (c *Conn) Serve(listenPort int) {
	if c == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", listenPort), mux))
}

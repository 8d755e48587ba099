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

package stats

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusExporter scrapes a JSONStats reporter's counters on an interval
// and republishes them as Prometheus gauges. Grounded verbatim on
// ptp/sptp/stats.PrometheusExporter's scrape-then-republish shape.
type PrometheusExporter struct {
	registry   *prometheus.Registry
	listenPort int
	source     *JSONStats
	interval   time.Duration
}

// NewPrometheusExporter builds an exporter that republishes source's
// counters on listenPort every scrapeInterval.
func NewPrometheusExporter(listenPort int, source *JSONStats, scrapeInterval time.Duration) *PrometheusExporter {
	return &PrometheusExporter{
		registry:   prometheus.NewRegistry(),
		listenPort: listenPort,
		source:     source,
		interval:   scrapeInterval,
	}
}

// Start runs the scrape loop and the /metrics HTTP server. Blocks.
func (e *PrometheusExporter) Start() {
	go func() {
		for {
			e.scrapeMetrics()
			time.Sleep(e.interval)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", e.listenPort), mux))
}

func (e *PrometheusExporter) scrapeMetrics() {
	e.source.Snapshot()
	for mkey, mval := range e.source.report.toMap() {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: flattenKey(mkey), Help: mkey})
		if err := e.registry.Register(g); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				g = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.Errorf("stats: failed to register metric %s: %v", mkey, err)
				continue
			}
		}
		g.Set(float64(mval))
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}

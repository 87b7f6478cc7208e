// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

type Metrics struct {
	InstantaneousWatts prometheus.Gauge
	SamplesTotal       prometheus.Counter
	SessionConnected   prometheus.Gauge
	WebsocketClients   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstantaneousWatts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartmeter_instantaneous_power_watts",
			Help: "Latest instantaneous electric power reported by the smart meter.",
		}),
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartmeter_samples_total",
			Help: "Total instantaneous power samples received.",
		}),
		SessionConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartmeter_session_connected",
			Help: "1 while the PANA session is established.",
		}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartmeter_websocket_clients",
			Help: "Current number of websocket clients.",
		}),
	}
	reg.MustRegister(m.InstantaneousWatts, m.SamplesTotal, m.SessionConnected, m.WebsocketClients)
	return m
}

/*
Copyright 2024 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the Prometheus collectors for the DHCP lease
// engine and the TFTP transfer engine, wired the same way
// cmd/dranet/app.go exposes its own /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DHCPPacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pxeboot",
		Subsystem: "dhcp",
		Name:      "packets_total",
		Help:      "DHCP datagrams processed, by message type.",
	}, []string{"type"})

	DHCPLeasesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pxeboot",
		Subsystem: "dhcp",
		Name:      "leases_active",
		Help:      "Number of confirmed leases currently held.",
	})

	DHCPPendingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pxeboot",
		Subsystem: "dhcp",
		Name:      "pending_active",
		Help:      "Number of outstanding offers awaiting a Request.",
	})

	TFTPSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pxeboot",
		Subsystem: "tftp",
		Name:      "sessions_active",
		Help:      "Number of in-flight TFTP read sessions.",
	})

	TFTPBlocksSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pxeboot",
		Subsystem: "tftp",
		Name:      "blocks_sent_total",
		Help:      "DATA blocks transmitted across all sessions.",
	})

	TFTPRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pxeboot",
		Subsystem: "tftp",
		Name:      "retries_total",
		Help:      "DATA retransmissions due to ACK timeout.",
	})

	TFTPSessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pxeboot",
		Subsystem: "tftp",
		Name:      "session_duration_seconds",
		Help:      "Wall-clock duration of completed TFTP read sessions.",
		Buckets:   prometheus.DefBuckets,
	})
)

// MustRegister registers every collector in this package against reg.
// Call once at startup before serving /metrics.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DHCPPacketsTotal,
		DHCPLeasesActive,
		DHCPPendingActive,
		TFTPSessionsActive,
		TFTPBlocksSentTotal,
		TFTPRetriesTotal,
		TFTPSessionDuration,
	)
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beodeck_api_requests_total",
		Help: "Total HTTP requests handled.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beodeck_api_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beodeck_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	// WSSubscribers tracks connected websocket subscribers per topic.
	WSSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beodeck_ws_subscribers",
		Help: "Connected websocket subscribers.",
	}, []string{"topic"})

	// WSDroppedMessages counts messages dropped to slow subscribers.
	WSDroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beodeck_ws_dropped_messages_total",
		Help: "Messages dropped because a subscriber queue overflowed.",
	}, []string{"topic"})

	// InputEventsTotal counts decoded input events by type and origin.
	InputEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beodeck_input_events_total",
		Help: "Decoded input events.",
	}, []string{"type", "origin"})

	// RouterMediaPosts counts media snapshot posts by outcome.
	RouterMediaPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beodeck_router_media_posts_total",
		Help: "Media snapshot posts by gating outcome.",
	}, []string{"status"})

	// RouterTakeovers counts ownership transfers by kind.
	RouterTakeovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beodeck_router_takeovers_total",
		Help: "Active source ownership transfers.",
	}, []string{"kind"})

	// CommandForwards counts forwarded commands by target and outcome.
	CommandForwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beodeck_router_command_forwards_total",
		Help: "Commands forwarded to sources and players.",
	}, []string{"target", "outcome"})

	// BLEReconnects counts bluetooth ingress reconnect attempts by level.
	BLEReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beodeck_ble_reconnects_total",
		Help: "Bluetooth ingress reconnect attempts by escalation level.",
	}, []string{"level"})

	// SupervisorRestarts counts peer restarts issued by the supervisor.
	SupervisorRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beodeck_supervisor_restarts_total",
		Help: "Peer restarts issued by the health supervisor.",
	}, []string{"peer"})
)

// Handler exposes the prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// RequestsTotal counts every request the HTTP server finishes serving,
// labeled by protocol and final status code.
var RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tavern",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total number of HTTP requests served, by protocol and status code.",
}, []string{"proto", "code"})

// RequestUnexpectedClosed counts responses whose body copy to the client
// failed partway through (client disconnect, broken pipe).
var RequestUnexpectedClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tavern",
	Subsystem: "http",
	Name:      "request_unexpected_closed_total",
	Help:      "Total number of requests whose response body copy was interrupted.",
}, []string{"proto", "method"})

func init() {
	prometheus.MustRegister(RequestsTotal, RequestUnexpectedClosed)
}

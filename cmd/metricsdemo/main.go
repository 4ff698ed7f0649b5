// metricsdemo starts a single stack instance, registers a loopback
// interface, and serves its Prometheus collector over HTTP, in the
// style of the teacher's exporter_example commands.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/nodestack/pkg/linkdrv"
	"github.com/runZeroInc/nodestack/pkg/stack"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

func main() {
	log := logrus.New()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	s, err := stack.New(stack.Config{LocalNode: 1, Logger: log})
	if err != nil {
		log.Fatalf("stack.New: %v", err)
	}
	if err := s.RegisterInterface(linkdrv.NewLoopback("lo0", 1, wire.MTU+wire.HeaderSize)); err != nil {
		log.Fatalf("register loopback: %v", err)
	}
	if err := s.LoadRoutes("1:lo0"); err != nil {
		log.Fatalf("load routes: %v", err)
	}

	prometheus.WrapRegistererWith(prometheus.Labels{"hostname": hostname}, prometheus.DefaultRegisterer).
		MustRegister(s.Metrics())

	addr := ":18080"
	http.Handle("/metrics", promhttp.Handler())
	fmt.Printf("serving /metrics on %s\n", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

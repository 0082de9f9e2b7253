// Package metrics exposes the server's operational counters. Exposition is
// opt-in: with no metrics address configured nothing listens and the
// counters are free to bump.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// CommandsTotal counts processed commands by name.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yknd_commands_total",
		Help: "Commands processed, by command name.",
	}, []string{"command"})

	// CommandErrorsTotal counts commands that replied with an error.
	CommandErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yknd_command_errors_total",
		Help: "Commands that produced an error reply.",
	})

	// ConnectionsAccepted counts accepted client connections.
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yknd_connections_accepted_total",
		Help: "Client connections accepted by the listener.",
	})

	// ConnectionsActive tracks currently open client sessions.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yknd_connections_active",
		Help: "Currently open client sessions.",
	})

	// WALBytesTotal counts bytes appended to write-ahead logs.
	WALBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yknd_wal_bytes_total",
		Help: "Bytes appended to write-ahead logs.",
	})

	// CheckpointsTotal counts completed checkpoints.
	CheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yknd_checkpoints_total",
		Help: "Completed table checkpoints.",
	})
)

// Serve starts the exposition listener on addr. It returns immediately; the
// listener runs until the process exits.
func Serve(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error("metrics listener failed", zap.Error(err))
		}
	}()

	log.Info("metrics listening", zap.String("addr", addr))
}

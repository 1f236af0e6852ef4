package wsdb

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PoolStats is a point-in-time snapshot of the pool's bookkeeping.
type PoolStats struct {
	Total   int `json:"total_jobs"`
	Busy    int `json:"busy_jobs"`
	Idle    int `json:"idle_jobs"`
	MaxSize int `json:"max_size"`

	SSLCache *CacheStats `json:"ssl_cache,omitempty"`
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	s := PoolStats{
		Total:   len(p.jobs),
		Busy:    p.busy.Len(),
		Idle:    p.ready.Len(),
		MaxSize: p.opts.MaxSize,
	}
	p.mu.Unlock()

	if p.cache != nil {
		cs := p.cache.Stats()
		s.SSLCache = &cs
	}
	return s
}

// StartStatsServer serves pool stats and prometheus metrics on addr for
// long-running processes that want to watch the pool. The caller owns
// the returned server's shutdown.
func StartStatsServer(addr string, p *Pool) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		str, err := json.Marshal(p.Stats())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, string(str))
	})

	r.HandleFunc("/ping", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok"}`)
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Error("stats server stopped")
		}
	}()
	return srv
}

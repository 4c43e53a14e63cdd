package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/Nya-Foundation/nyaproxy-go/internal/credential"
	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
	"github.com/Nya-Foundation/nyaproxy-go/internal/queue"
)

// newAdminMux builds the routes spec §6 names as "exposed to dashboard
// collaborator": queue introspection/clearing and rate-limit reset.
func newAdminMux(qm *queue.Manager, cm *credential.Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/admin/queue/sizes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, qm.GetAllQueueSizes())
	})

	mux.HandleFunc("/admin/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, qm.Stats())
	})

	mux.HandleFunc("/admin/queue/clear", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		upstream := r.URL.Query().Get("upstream")
		if upstream == "" {
			writeJSON(w, http.StatusOK, map[string]int{"cleared": qm.ClearAll(&errs.QueueCleared{Upstream: "*"})})
			return
		}
		cleared := qm.Clear(upstream, &errs.QueueCleared{Upstream: upstream})
		writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
	})

	mux.HandleFunc("/admin/credentials/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		names := r.URL.Query()["upstream"]
		cm.ResetRateLimits(names...)
		writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
	})

	mux.HandleFunc("/admin/credentials/stats", func(w http.ResponseWriter, r *http.Request) {
		upstream := r.URL.Query().Get("upstream")
		if upstream == "" {
			writeError(w, &errs.ConfigError{Upstream: "admin", Reason: "missing upstream query parameter"})
			return
		}
		writeJSON(w, http.StatusOK, cm.GetKeyStats(upstream))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

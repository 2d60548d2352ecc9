package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dagrun/dagrun/internal/log"
	"github.com/dagrun/dagrun/pkg/storage"
)

// StartServer exposes the persisted run history over HTTP.
func StartServer(port string, store storage.Store) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/runs", RunsHandler(store))
	mux.HandleFunc("/runs/", RunByIDHandler(store))

	log.GetLogger().Infof("Starting dagrun server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "dagrun server is running")
}

// RunsHandler lists run history, optionally filtered by ?workflow=name.
func RunsHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runs, err := store.ListRuns(r.URL.Query().Get("workflow"))
		if err != nil {
			log.GetLogger().Errorf("Failed to list runs: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(runs); err != nil {
			log.GetLogger().Errorf("Failed to encode runs: %v", err)
		}
	}
}

// RunByIDHandler returns one run, including its task execution records.
func RunByIDHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/runs/")
		if id == "" {
			http.Error(w, "Missing run ID", http.StatusBadRequest)
			return
		}
		run, err := store.GetRun(id)
		if err == storage.ErrNotFound {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to get run %s: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to get run: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(run); err != nil {
			log.GetLogger().Errorf("Failed to encode run: %v", err)
		}
	}
}

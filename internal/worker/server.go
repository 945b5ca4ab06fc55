package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
)

const archiveContentType = "application/zstd"

// Server exposes a Renderer over HTTP so a farm can reach it with HTTPClient.
type Server struct {
	renderer    Renderer
	scratchRoot string
	log         *slog.Logger
}

// NewServer creates a worker server rendering into per-request scratch
// directories under scratchRoot.
func NewServer(renderer Renderer, scratchRoot string) *Server {
	return &Server{
		renderer:    renderer,
		scratchRoot: scratchRoot,
		log:         logging.Component("worker_server"),
	}
}

// Routes returns the worker's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/render", s.handleRender)
	return r
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid render request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SceneRef == "" {
		http.Error(w, "scene_ref is required", http.StatusBadRequest)
		return
	}

	log := s.log.With("frame", req.Frame, "scene_ref", req.SceneRef, "request_id", middleware.GetReqID(r.Context()))

	if err := os.MkdirAll(s.scratchRoot, 0755); err != nil {
		http.Error(w, "scratch unavailable", http.StatusInternalServerError)
		return
	}
	scratch, err := os.MkdirTemp(s.scratchRoot, fmt.Sprintf("frame_%04d_*", req.Frame))
	if err != nil {
		log.Error("create scratch dir", "error", err)
		http.Error(w, "scratch unavailable", http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(scratch)

	outputs := req.Outputs.Clone()
	_, err = graph.WithRedirect(&outputs, scratch, log, func() error {
		return s.renderer.Render(r.Context(), Job{
			SceneRef:   req.SceneRef,
			Frame:      req.Frame,
			GPU:        req.GPU,
			Outputs:    outputs,
			ScratchDir: scratch,
		})
	})
	if err != nil {
		log.Error("render failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	files, err := graph.Collect(scratch)
	if err != nil {
		log.Error("collect results", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", archiveContentType)
	w.Header().Set("X-Frame", strconv.Itoa(req.Frame))
	w.Header().Set("X-File-Count", strconv.Itoa(len(files)))
	w.WriteHeader(http.StatusOK)
	if err := WriteArchive(w, scratch); err != nil {
		// headers are already sent; the client sees a truncated stream
		log.Error("stream results", "error", err)
		return
	}
	log.Info("frame rendered", "files", len(files))
}

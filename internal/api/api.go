// Package api is the operator control surface of a running watch: face
// management, thresholds, the alert stream and the annotated snapshot.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/andresmejia3/facewatch/internal/emotion"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/types"
)

// maxUpload bounds enrollment uploads.
const maxUpload = 16 << 20

const errInvalidRequestBody = "invalid request body"

// Session is the part of *session.Session the API drives.
type Session interface {
	Status() session.Status
	Start(ctx context.Context) error
	Stop()
	Registry() *registry.Registry
	Thresholds() *emotion.ThresholdStore
	SaveFace(ctx context.Context, name string, img []byte) (types.Identity, error)
	SaveCurrentFace(ctx context.Context, name string) (types.Identity, error)
	DeleteFace(ctx context.Context, name string) error
	ClearFaces(ctx context.Context) (int, error)
}

// Snapshotter returns the latest annotated frame as JPEG.
type Snapshotter interface {
	Snapshot() ([]byte, bool)
}

// Broadcaster hands out alert subscriptions; *notify.Hub satisfies it.
type Broadcaster interface {
	Subscribe() (<-chan types.AlertEvent, func())
}

// Server wires the control routes. Canvas and Events are optional.
type Server struct {
	Session Session
	Canvas  Snapshotter
	Events  Broadcaster
	Origins []string
	// KeepAlive is the SSE comment interval; zero means 15s.
	KeepAlive time.Duration
}

// Router builds the control API handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	origins := s.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Get("/status", s.handleStatus)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/events", s.handleEvents)

	r.Route("/session", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
	})

	r.Route("/faces", func(r chi.Router) {
		r.Get("/", s.handleListFaces)
		r.Post("/", s.handleSaveFace)
		r.Delete("/", s.handleClearFaces)
		r.Delete("/{name}", s.handleDeleteFace)
	})

	r.Get("/thresholds", s.handleGetThresholds)
	r.Put("/thresholds", s.handlePutThresholds)
	r.Post("/alerts/pause", s.handlePause(true))
	r.Post("/alerts/resume", s.handlePause(false))
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Session.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.Start(r.Context()); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.Session.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.Session.Stop()
	respondJSON(w, http.StatusOK, s.Session.Status())
}

func (s *Server) handleListFaces(w http.ResponseWriter, r *http.Request) {
	faces := s.Session.Registry().List()
	if faces == nil {
		faces = []types.Identity{}
	}
	respondJSON(w, http.StatusOK, faces)
}

type saveFaceRequest struct {
	Name string `json:"name"`
}

// handleSaveFace enrolls from an uploaded image (multipart "image" + "name")
// or, for a JSON body, from the camera's current frame.
func (s *Server) handleSaveFace(w http.ResponseWriter, r *http.Request) {
	var (
		id  types.Identity
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		name, img, ok := readUpload(w, r)
		if !ok {
			return
		}
		id, err = s.Session.SaveFace(r.Context(), name, img)
	} else {
		var req saveFaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			respondError(w, http.StatusBadRequest, "name is required")
			return
		}
		id, err = s.Session.SaveCurrentFace(r.Context(), req.Name)
	}
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, id)
}

func readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return "", nil, false
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return "", nil, false
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "image is required")
		return "", nil, false
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		respondError(w, http.StatusBadRequest, "failed to read image")
		return "", nil, false
	}
	return name, buf.Bytes(), true
}

func (s *Server) handleDeleteFace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Session.DeleteFace(r.Context(), name); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearFaces(w http.ResponseWriter, r *http.Request) {
	n, err := s.Session.ClearFaces(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type thresholdsResponse struct {
	Thresholds emotion.Thresholds `json:"thresholds"`
	Paused     bool               `json:"paused"`
}

func (s *Server) thresholds() thresholdsResponse {
	th := s.Session.Thresholds()
	return thresholdsResponse{Thresholds: th.Snapshot(), Paused: th.Paused()}
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.thresholds())
}

// handlePutThresholds replaces the whole threshold map. Labels left out stop
// alerting.
func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var req map[types.Emotion]float64
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if err := s.Session.Thresholds().Replace(emotion.Thresholds(req)); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.thresholds())
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Session.Thresholds().SetPaused(paused)
		respondJSON(w, http.StatusOK, s.thresholds())
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.Canvas == nil {
		respondError(w, http.StatusNotFound, "no display configured")
		return
	}
	img, ok := s.Canvas.Snapshot()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no frame rendered yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// handleEvents streams alerts as server-sent events until the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		respondError(w, http.StatusNotFound, "alert stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.Events.Subscribe()
	defer unsubscribe()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	every := s.KeepAlive
	if every <= 0 {
		every = 15 * time.Second
	}
	keepAlive := time.NewTicker(every)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, "alert", ev)
		}
	}
}

func sendSSEEvent(w io.Writer, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(jsonData)
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateName),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrAlreadyActive),
		errors.Is(err, session.ErrStartAborted),
		errors.Is(err, session.ErrNoFrame):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoFaceDetected),
		errors.Is(err, session.ErrMultipleFacesDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrEmptyName),
		errors.Is(err, session.ErrBadImage),
		errors.Is(err, emotion.ErrInvalidThreshold):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Package relay is the notification relay: it accepts alerts over HTTP and
// forwards each one as an e-mail.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// Response messages, kept identical for existing clients.
const (
	MsgSent       = "Alert received and email sent"
	MsgMailFailed = "Alert received but email failed"
	MsgNoMailer   = "Alert received"
)

// Alert is the body of POST /notify.
type Alert struct {
	Name      string    `json:"name"`
	Emotion   string    `json:"emotion"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is one outgoing e-mail.
type Message struct {
	Subject string
	Body    string
}

// Mailer sends a message to the configured recipients.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Reporter receives relay log lines.
type Reporter interface {
	Alertf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Server handles relay requests. A nil Mailer logs alerts without mailing.
type Server struct {
	Mailer   Mailer
	Reporter Reporter
	Origins  []string
}

// Router builds the relay's HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	origins := s.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/notify", s.handleNotify)
	return r
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var a Alert
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid alert body"})
		return
	}
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" || a.Emotion == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"message": "name and emotion are required"})
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	if s.Reporter != nil {
		s.Reporter.Alertf("[ALERT] %s - %s: %s (%s)", a.Timestamp.Format(time.RFC3339), a.Name, a.Emotion, percent(a.Value))
	}

	if s.Mailer == nil {
		respondJSON(w, http.StatusOK, map[string]string{"message": MsgNoMailer})
		return
	}
	if err := s.Mailer.Send(r.Context(), Compose(a)); err != nil {
		if s.Reporter != nil {
			s.Reporter.Errorf("Email error: %v", err)
		}
		respondJSON(w, http.StatusInternalServerError, map[string]string{"message": MsgMailFailed})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": MsgSent})
}

// Compose renders the e-mail for an alert.
func Compose(a Alert) Message {
	return Message{
		Subject: "Emotion Alert: " + a.Name,
		Body:    fmt.Sprintf("At %s, %s showed %s (%s)", a.Timestamp.Format(time.RFC3339), a.Name, a.Emotion, percent(a.Value)),
	}
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

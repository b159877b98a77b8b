// Package http is the REST surface for meeting lifecycle and observability.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hango-video/hango/model"
	"github.com/hango-video/hango/store"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// Coordinator is the slice of the meeting core this surface needs.
type Coordinator interface {
	Stats() model.AdminStats
	SystemMessage(roomCode, text string)
}

type CreateMeetingRequest struct {
	Title  string `json:"title"`
	HostID string `json:"host_id"`
}

type EndMeetingRequest struct {
	EndedBy string `json:"ended_by"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	store  store.MeetingStore
	coord  Coordinator
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	Store       store.MeetingStore
	Coordinator Coordinator
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		store:  cfg.Store,
		coord:  cfg.Coordinator,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/meeting", srv.createMeeting)
	r.HandleFunc("GET /api/meeting/{code}", srv.getMeeting)
	r.HandleFunc("DELETE /api/meeting/{code}", srv.endMeeting)
	r.HandleFunc("GET /api/stats", srv.stats)
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) createMeeting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var (
		body []byte
		req  CreateMeetingRequest
	)
	body, _ = io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()
	rec, err := srv.store.CreateRoom(ctx, req.Title, req.HostID)
	if err != nil {
		srv.logger.Error().Err(err).Msg("meeting creation failed")
		srv.writeError(w, http.StatusBadGateway, err)
		return
	}
	srv.logger.Debug().Str("roomCode", rec.Code).Msg("meeting created")
	srv.writeJSON(w, http.StatusCreated, &GenericResponse{Message: "OK", Data: rec})
}

func (srv *Server) getMeeting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()
	rec, err := srv.store.FindRoomByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			srv.writeError(w, http.StatusNotFound, err)
			return
		}
		srv.writeError(w, http.StatusBadGateway, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: rec})
}

// endMeeting is the explicit end-of-meeting operation. Members still in the
// room are told via a system chat message; the in-memory room itself lives
// until its last member leaves.
func (srv *Server) endMeeting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")

	var req EndMeetingRequest
	body, _ := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	_ = json.Unmarshal(body, &req)

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()
	err := srv.store.EndRoom(ctx, code, req.EndedBy)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		srv.writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, store.ErrRoomEnded):
		srv.writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		srv.writeError(w, http.StatusBadGateway, err)
		return
	}

	srv.coord.SystemMessage(code, "This meeting has been ended by the host")
	srv.logger.Debug().Str("roomCode", code).Msg("meeting ended")
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.coord.Stats()})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeError(w http.ResponseWriter, code int, err error) {
	srv.writeJSON(w, code, &GenericResponse{Error: err.Error()})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

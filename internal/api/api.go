package api

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/db"
	"github.com/thatsimonsguy/fluidics-controller/internal/model"
)

// Server exposes the inventory mirror read-only. It never talks to the rig.
type Server struct {
	db         *sql.DB
	runID      string
	experiment string
}

type ValveResponse struct {
	Index         int    `json:"index"`
	Address       string `json:"address"`
	Configuration string `json:"configuration"`
	NumPorts      int    `json:"num_ports"`
	CurrentPort   int    `json:"current_port"`
}

type PumpResponse struct {
	Flow      string    `json:"flow"`
	Speed     float64   `json:"speed"`
	Direction string    `json:"direction"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RunResponse struct {
	RunID      string `json:"run_id"`
	Experiment string `json:"experiment"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(database *sql.DB, runID, experiment string) *Server {
	return &Server{
		db:         database,
		runID:      runID,
		experiment: experiment,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/valves", s.handleValves)
	mux.HandleFunc("/api/valves/", s.handleValve)
	mux.HandleFunc("/api/pump", s.handlePump)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting status API server")

	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, RunResponse{RunID: s.runID, Experiment: s.experiment})
}

func (s *Server) handleValves(w http.ResponseWriter, r *http.Request) {
	valves, err := db.GetValves(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get valves")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := []ValveResponse{}
	for _, v := range valves {
		response = append(response, toValveResponse(v))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleValve(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/api/valves/"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Valve index required")
		return
	}

	valves, err := db.GetValves(s.db)
	if err != nil {
		log.Error().Err(err).Int("valve", idx).Msg("Failed to get valve")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, v := range valves {
		if v.Index == idx {
			s.writeJSON(w, http.StatusOK, toValveResponse(v))
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "Valve not found")
}

func (s *Server) handlePump(w http.ResponseWriter, r *http.Request) {
	state, ok, err := db.GetPumpState(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get pump state")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "Pump state not recorded yet")
		return
	}

	s.writeJSON(w, http.StatusOK, PumpResponse{
		Flow:      string(state.Flow),
		Speed:     state.Speed,
		Direction: string(state.Direction),
		UpdatedAt: state.UpdatedAt,
	})
}

func toValveResponse(v model.Valve) ValveResponse {
	return ValveResponse{
		Index:         v.Index,
		Address:       v.Address,
		Configuration: string(v.Configuration),
		NumPorts:      v.NumPorts,
		CurrentPort:   v.CurrentPort,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

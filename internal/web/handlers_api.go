package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"purifier-go-home/internal/accessory"
	"purifier-go-home/internal/device"
	"purifier-go-home/internal/discovery"
	"purifier-go-home/internal/mirror"
	"purifier-go-home/internal/store"
)

type stateResponse struct {
	mirror.State
	Discovery string `json:"discovery,omitempty"`
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{State: s.acc.Mirror().Snapshot()}
	if s.supervisor != nil {
		resp.Discovery = s.supervisor.State().String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type accessoryResponse struct {
	Name      string               `json:"name"`
	Info      accessory.Info       `json:"info"`
	Features  mirror.Features      `json:"features"`
	Reachable bool                 `json:"reachable"`
	Services  []*accessory.Service `json:"services"`
}

func (s *Server) handleAPIAccessory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, accessoryResponse{
		Name:      s.acc.Name(),
		Info:      s.acc.Info(),
		Features:  s.acc.Features(),
		Reachable: s.acc.Reachable(),
		Services:  s.acc.Services(),
	})
}

type characteristicValue struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Value          any    `json:"value"`
}

func (s *Server) handleAPIGetCharacteristic(w http.ResponseWriter, r *http.Request) {
	service, char := r.PathValue("service"), r.PathValue("characteristic")
	v, err := s.acc.Get(service, char)
	if err != nil {
		s.writeAccessoryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, characteristicValue{Service: service, Characteristic: char, Value: v})
}

type setCharacteristicRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleAPISetCharacteristic(w http.ResponseWriter, r *http.Request) {
	service, char := r.PathValue("service"), r.PathValue("characteristic")

	var req setCharacteristicRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == nil {
		s.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.acc.Set(r.Context(), service, char, req.Value); err != nil {
		s.writeAccessoryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.acc.Mirror().Refresh(r.Context()); err != nil {
		s.writeAccessoryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.acc.Mirror().Snapshot())
}

// writeAccessoryError maps accessory and device errors to HTTP statuses.
func (s *Server) writeAccessoryError(w http.ResponseWriter, err error) {
	var (
		resErr *device.ResultError
		devErr *device.Error
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, accessory.ErrUnknownCharacteristic):
		status = http.StatusNotFound
	case errors.Is(err, accessory.ErrReadOnly):
		status = http.StatusMethodNotAllowed
	case errors.Is(err, accessory.ErrInvalidValue):
		status = http.StatusBadRequest
	case errors.Is(err, device.ErrNotDiscovered), errors.Is(err, device.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &resErr), errors.As(err, &devErr):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("accessory request", "err", err)
	}
	s.writeError(w, status, err.Error())
}

type discoveryResponse struct {
	State      string                `json:"state"`
	Attempts   int64                 `json:"attempts"`
	Session    string                `json:"session,omitempty"`
	Candidates []discovery.Candidate `json:"candidates"`
}

func (s *Server) handleAPIDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		s.writeError(w, http.StatusNotFound, "discovery not available")
		return
	}
	resp := discoveryResponse{
		State:      s.supervisor.State().String(),
		Attempts:   s.supervisor.Attempts(),
		Candidates: s.supervisor.Table().List(),
	}
	if sess := s.supervisor.Session(); sess != nil {
		resp.Session = sess.ID()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	devices, err := s.store.ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	dev, err := s.store.GetDevice(r.PathValue("key"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	key := r.PathValue("key")
	if err := s.store.DeleteDevice(key); err != nil {
		s.logger.Error("delete device", "err", err, "key", key)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIJournal(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.store.ListJournal(limit)
	if err != nil {
		s.logger.Error("list journal", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []*store.JournalEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

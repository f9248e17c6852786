package api

import (
	"net/http"
)

type createOrderRequest struct {
	Points int64 `json:"points" validate:"required,gt=0"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.Payment.CreateOrder(r.Context(), caller(r), req.Points)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, o)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Payment.Order(r.Context(), caller(r), chiParam(r, "orderNo"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, o)
}

func (s *Server) closeOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Payment.Close(r.Context(), caller(r), chiParam(r, "orderNo"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, o)
}

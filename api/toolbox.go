package api

import (
	"net/http"

	"storystudio/toolbox"
)

func (s *Server) toolboxText(w http.ResponseWriter, r *http.Request) {
	var req toolbox.TextRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UserID = caller(r)
	res, err := s.Toolbox.GenerateText(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) toolboxImage(w http.ResponseWriter, r *http.Request) {
	var req toolbox.ImageRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UserID = caller(r)
	res, err := s.Toolbox.GenerateImage(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, res)
}

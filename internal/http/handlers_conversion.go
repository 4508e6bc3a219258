package http

import "net/http"

func (s *Server) handleCreateConversion(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, r, err)
		return
	}

	fallback := in.From.AddedBy
	if fallback == 0 {
		fallback = in.From.PaidBy
	}
	actor, err := actorFrom(r, fallback)
	if err != nil {
		writeError(w, r, err)
		return
	}

	pair, err := s.conversions.CreateConversion(r.Context(), in, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/conversions/"+string(pair.From.ID))
	writeJSON(w, http.StatusCreated, newConversionResponse(pair))
}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	id, err := expenseIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := s.conversions.GetConversion(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConversionResponse(pair))
}

func (s *Server) handleEditConversion(w http.ResponseWriter, r *http.Request) {
	id, err := expenseIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req conversionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, r, err)
		return
	}
	actor, err := actorFrom(r, in.From.AddedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}

	pair, err := s.conversions.EditConversion(r.Context(), id, in, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConversionResponse(pair))
}

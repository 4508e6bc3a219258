package http

import (
	"net/http"

	"splitledger/internal/core"
)

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input(false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if in.AddedBy == 0 {
		if in.AddedBy, err = actorFrom(r, in.PaidBy); err != nil {
			writeError(w, r, err)
			return
		}
	}

	e, err := s.expenses.CreateExpense(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, shares, err := s.expenses.GetExpense(r.Context(), e.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/expenses/"+string(e.ID))
	writeJSON(w, http.StatusCreated, newExpenseResponse(e, shares))
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	id, err := expenseIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, shares, err := s.expenses.GetExpense(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newExpenseResponse(e, shares))
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if scope == nil {
		scope = &core.DirectScope
	}
	list, err := s.expenses.ListExpenses(r.Context(), *scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]expenseResponse, 0, len(list))
	for _, e := range list {
		out = append(out, newExpenseResponse(e, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEditExpense(w http.ResponseWriter, r *http.Request) {
	id, err := expenseIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req expenseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input(false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	actor, err := actorFrom(r, in.AddedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}

	e, err := s.expenses.EditExpense(r.Context(), id, in, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, shares, err := s.expenses.GetExpense(r.Context(), e.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newExpenseResponse(e, shares))
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	id, err := expenseIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	actor, err := actorFrom(r, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.expenses.DeleteExpense(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := deleteResponse{Deleted: make([]string, 0, len(res.Deleted))}
	for _, d := range res.Deleted {
		resp.Deleted = append(resp.Deleted, string(d))
	}
	for _, rec := range res.CancelledRecurrences {
		resp.CancelledRecurrences = append(resp.CancelledRecurrences, int64(rec.ID))
	}
	writeJSON(w, http.StatusOK, resp)
}

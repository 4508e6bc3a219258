package http

import (
	"net/http"
	"strings"

	"splitledger/internal/core"
)

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	user, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	scope, err := scopeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := core.BalanceFilter{Scope: scope}
	if c := strings.TrimSpace(r.URL.Query().Get("currency")); c != "" {
		if filter.Currency, err = core.ParseCurrency(c); err != nil {
			writeError(w, r, err)
			return
		}
	}

	rows, err := s.expenses.Balances(r.Context(), user, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponses(rows))
}

// handleRecalculate rebuilds one scope, or every scope when no group is given.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := recalculateResponse{Scopes: make(map[string]int)}
	if scope != nil {
		n, err := s.expenses.Recalculate(r.Context(), *scope)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Scopes[scope.String()] = n
	} else {
		all, err := s.expenses.RecalculateAll(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		for sc, n := range all {
			resp.Scopes[sc.String()] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

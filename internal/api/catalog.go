package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func handleDataTypes(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		notConfigured(r.Context(), w, "CATALOG_NOT_CONFIGURED", "catalog")
		return
	}
	tables, err := deps.Queries.DataTypes(r.Context())
	if err != nil {
		writeAppError(r.Context(), deps.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func handleFilters(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		notConfigured(r.Context(), w, "CATALOG_NOT_CONFIGURED", "catalog")
		return
	}
	filters, err := deps.Queries.Filters(r.Context(), chi.URLParam(r, "data_type"))
	if err != nil {
		writeAppError(r.Context(), deps.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, filters)
}

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ensembl/lakehouse/internal/export"
)

const defaultExportFormat = "csv"

type exportResponse struct {
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Exports == nil {
		notConfigured(r.Context(), w, "EXPORT_NOT_CONFIGURED", "export")
		return
	}
	formatName := strings.TrimSpace(r.URL.Query().Get("file_format"))
	if formatName == "" {
		formatName = defaultExportFormat
	}
	status, err := deps.Exports.RequestExport(r.Context(), chi.URLParam(r, "ref"), formatName)
	if err != nil {
		writeAppError(r.Context(), deps.Logger, w, err)
		return
	}

	body := exportResponse{Status: status.State, Result: status.URL}
	if status.Message != "" {
		body.Status = status.Message
	}
	code := http.StatusOK
	if status.State == export.StateAccepted {
		code = http.StatusAccepted
	}
	writeJSON(w, code, body)
}

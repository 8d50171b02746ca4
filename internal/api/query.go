package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ensembl/lakehouse/internal/export/format"
)

const halContentType = "application/hal+json"

type link struct {
	Href string `json:"href"`
}

type exportLink struct {
	Href                 string   `json:"href"`
	SupportedFileFormats []string `json:"supported_file_formats"`
}

type queryLinks struct {
	Self    link       `json:"self"`
	Status  link       `json:"status"`
	Preview link       `json:"preview"`
	Export  exportLink `json:"export"`
}

type queryHandle struct {
	QueryID string     `json:"queryID"`
	Links   queryLinks `json:"_links"`
}

func handleSubmitQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		notConfigured(r.Context(), w, "QUERY_NOT_CONFIGURED", "query")
		return
	}
	params := r.URL.Query()
	fields := params.Get("fields")
	if strings.TrimSpace(fields) == "" {
		fields = "*"
	}
	submission, err := deps.Queries.SubmitQuery(r.Context(),
		chi.URLParam(r, "ref"),
		chi.URLParam(r, "species"),
		fields,
		params.Get("condition"),
	)
	if err != nil {
		writeAppError(r.Context(), deps.Logger, w, err)
		return
	}

	base := "/query/" + url.PathEscape(submission.QueryID)
	writeJSONAs(w, halContentType, http.StatusOK, queryHandle{
		QueryID: submission.QueryID,
		Links: queryLinks{
			Self:    link{Href: r.URL.Path},
			Status:  link{Href: base + "/status"},
			Preview: link{Href: base + "/preview"},
			Export:  exportLink{Href: base + "/export", SupportedFileFormats: format.Names()},
		},
	})
}

func handleQueryStatus(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		notConfigured(r.Context(), w, "QUERY_NOT_CONFIGURED", "query")
		return
	}
	status, err := deps.Queries.QueryStatus(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeAppError(r.Context(), deps.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func handlePreview(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		notConfigured(r.Context(), w, "QUERY_NOT_CONFIGURED", "query")
		return
	}
	maxResults := deps.Queries.PreviewDefault()
	if raw := strings.TrimSpace(r.URL.Query().Get("maxResults")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_INPUT", "maxResults must be an integer", false, map[string]any{"maxResults": raw})
			return
		}
		maxResults = parsed
	}
	preview, err := deps.Queries.Preview(r.Context(), chi.URLParam(r, "ref"), maxResults)
	if err != nil {
		writeAppError(r.Context(), deps.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

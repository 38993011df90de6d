package api

import (
	"context"
	"net/http"

	"github.com/Priya8975/posting-relay/internal/domain"
	"github.com/go-chi/chi/v5"
)

// PostingReader reads ingested postings.
type PostingReader interface {
	FindPosting(ctx context.Context, externalID string) (*domain.Posting, error)
	ListPostings(ctx context.Context, status domain.PostingStatus, limit int) ([]domain.Posting, error)
}

type PostingHandler struct {
	store PostingReader
}

func NewPostingHandler(s PostingReader) *PostingHandler {
	return &PostingHandler{store: s}
}

type postingListResponse struct {
	OK       bool             `json:"ok"`
	Postings []domain.Posting `json:"postings"`
	Count    int              `json:"count"`
}

type postingResponse struct {
	OK      bool            `json:"ok"`
	Posting *domain.Posting `json:"posting"`
}

// List handles GET /api/v1/postings?status=active|archived|all&limit=.
// Unknown statuses are treated as all.
func (h *PostingHandler) List(w http.ResponseWriter, r *http.Request) {
	var status domain.PostingStatus
	switch s := domain.PostingStatus(r.URL.Query().Get("status")); s {
	case domain.StatusActive, domain.StatusArchived:
		status = s
	}

	postings, err := h.store.ListPostings(r.Context(), status, queryLimit(r, 50, 200))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list postings")
		return
	}
	respondJSON(w, http.StatusOK, postingListResponse{OK: true, Postings: postings, Count: len(postings)})
}

func (h *PostingHandler) Get(w http.ResponseWriter, r *http.Request) {
	posting, err := h.store.FindPosting(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get posting")
		return
	}
	if posting == nil {
		respondError(w, http.StatusNotFound, "posting not found")
		return
	}
	respondJSON(w, http.StatusOK, postingResponse{OK: true, Posting: posting})
}

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"forge/internal/landing"
	"forge/internal/models"
)

type LandingRouter struct {
	ctx   context.Context
	queue *landing.Queue
}

func NewLandingRouter(ctx context.Context, queue *landing.Queue, router chi.Router) *LandingRouter {
	r := &LandingRouter{ctx: ctx, queue: queue}

	router.Post("/repos/{repoID}/landing", r.Submit)
	router.Get("/repos/{repoID}/landing", r.List)
	router.Get("/landing/{id}", r.Get)
	router.Post("/landing/{id}/check", r.CheckConflicts)
	router.Post("/landing/{id}/reviews", r.AddReview)
	router.Get("/landing/{id}/reviews", r.GetReviews)
	router.Post("/landing/{id}/comments", r.AddLineComment)
	router.Get("/landing/{id}/comments", r.GetLineComments)
	router.Patch("/landing/{id}/comments/{commentID}", r.EditLineComment)
	router.Post("/landing/{id}/comments/{commentID}/resolve", r.ResolveLineComment)
	router.Post("/landing/{id}/land", r.Land)
	router.Post("/landing/{id}/cancel", r.Cancel)

	return r
}

func (t *LandingRouter) Submit(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "repoID")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload SubmitLanding
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	request, err := t.queue.Submit(t.ctx, landing.SubmitParams{
		RepoID:         repoID,
		ChangeID:       payload.ChangeID,
		TargetBookmark: payload.TargetBookmark,
		Title:          payload.Title,
		Description:    payload.Description,
		Author:         Actor(r),
	})
	if err != nil {
		serveError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, request)
}

func (t *LandingRouter) List(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "repoID")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := models.LandingStatus(r.URL.Query().Get("status"))
	requests, err := t.queue.List(t.ctx, repoID, status)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, requests)
}

// LandingDetail aggregates a request with its reviews and line comments
type LandingDetail struct {
	Request  *models.LandingRequest `json:"request"`
	Reviews  []models.LandingReview `json:"reviews"`
	Comments []models.LineComment   `json:"comments"`
}

func (t *LandingRouter) Get(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	request, err := t.queue.Get(t.ctx, requestID)
	if err != nil {
		serveError(w, err)
		return
	}

	reviews, err := t.queue.GetReviews(t.ctx, requestID)
	if err != nil {
		serveError(w, err)
		return
	}

	comments, err := t.queue.GetLineComments(t.ctx, requestID)
	if err != nil {
		serveError(w, err)
		return
	}

	serveJson(w, LandingDetail{Request: request, Reviews: reviews, Comments: comments})
}

func (t *LandingRouter) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	request, err := t.queue.CheckConflicts(t.ctx, requestID)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, request)
}

func (t *LandingRouter) AddReview(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload AddReview
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	review, err := t.queue.AddReview(t.ctx, requestID, Actor(r), payload.Type, payload.Content)
	if err != nil {
		serveError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, review)
}

func (t *LandingRouter) GetReviews(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reviews, err := t.queue.GetReviews(t.ctx, requestID)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, reviews)
}

func (t *LandingRouter) AddLineComment(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload AddLineComment
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	comment, err := t.queue.AddLineComment(t.ctx, requestID, Actor(r), payload.FilePath, payload.Line, payload.Content)
	if err != nil {
		serveError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, comment)
}

func (t *LandingRouter) GetLineComments(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	comments, err := t.queue.GetLineComments(t.ctx, requestID)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, comments)
}

func (t *LandingRouter) EditLineComment(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	commentID, err := pathID(r, "commentID")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload EditLineComment
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	comment, err := t.queue.EditLineComment(t.ctx, requestID, commentID, payload.Content)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, comment)
}

func (t *LandingRouter) ResolveLineComment(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	commentID, err := pathID(r, "commentID")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	comment, err := t.queue.ResolveLineComment(t.ctx, requestID, commentID)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, comment)
}

func (t *LandingRouter) Land(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	request, err := t.queue.Land(t.ctx, requestID, Actor(r))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, request)
}

func (t *LandingRouter) Cancel(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	request, err := t.queue.Cancel(t.ctx, requestID, Actor(r))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, request)
}

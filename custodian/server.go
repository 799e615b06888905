package custodian

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"

	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/shamir"
)

// maxFragmentSize bounds request bodies; a fragment of a 1 MiB secret is well below it.
const maxFragmentSize = 4 * 1024 * 1024

type storeResponse struct {
	ContentID interfaces.ContentID `json:"content_id"`
}

// Server exposes a Node over HTTP. Fragment routes only answer requests
// signed by a key auth accepts.
type Server struct {
	node *Node
	auth *Authorizer
	log  *slog.Logger
}

func NewServer(node *Node, auth *Authorizer, log *slog.Logger) *Server {
	if auth == nil {
		auth = NewAuthorizer()
	}
	return &Server{node: node, auth: auth, log: log}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(s.node.ID(), s.log))
		r.Put("/fragments/{unit_id}", s.HandleStore)
		r.Get("/fragments/{unit_id}", s.HandleFetch)
		r.Delete("/fragments/{unit_id}", s.HandleDelete)
	})
	r.Get("/info", s.HandleInfo)
}

// Router returns the node's full routing table with request logging.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(s.log, next)
		})
		s.RegisterRoutes(r)
	})
	mux.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"alive"}`))
	})
	return mux
}

// HandleStore stores the JSON fragment in the request body.
//
// URL format: PUT /fragments/{unit_id}
func (s *Server) HandleStore(w http.ResponseWriter, r *http.Request) {
	unitID := interfaces.ReleaseUnitID(chi.URLParam(r, "unit_id"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFragmentSize))
	if err != nil {
		http.Error(w, "could not read request body", http.StatusRequestEntityTooLarge)
		return
	}

	f, err := shamir.DecodeFragment(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.ReleaseUnitID != unitID {
		http.Error(w, "fragment does not belong to "+string(unitID), http.StatusBadRequest)
		return
	}

	id, err := s.node.Store(r.Context(), *f)
	switch {
	case errors.Is(err, interfaces.ErrCapacityExhausted):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	case err != nil:
		s.log.Error("could not store fragment", "err", err, slog.String("unit", string(unitID)))
		http.Error(w, "could not store fragment", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, storeResponse{ContentID: id})
}

// HandleFetch returns the unit's fragment.
//
// URL format: GET /fragments/{unit_id}
func (s *Server) HandleFetch(w http.ResponseWriter, r *http.Request) {
	unitID := interfaces.ReleaseUnitID(chi.URLParam(r, "unit_id"))

	f, err := s.node.Fetch(r.Context(), unitID)
	switch {
	case errors.Is(err, interfaces.ErrFragmentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("could not fetch fragment", "err", err, slog.String("unit", string(unitID)))
		http.Error(w, "could not fetch fragment", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, f)
}

// HandleDelete drops the unit's fragment.
//
// URL format: DELETE /fragments/{unit_id}
func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	unitID := interfaces.ReleaseUnitID(chi.URLParam(r, "unit_id"))

	if err := s.node.Delete(r.Context(), unitID); err != nil {
		s.log.Error("could not delete fragment", "err", err, slog.String("unit", string(unitID)))
		http.Error(w, "could not delete fragment", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Describe())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/providers"
	"github.com/platinummonkey/warden/pkg/repository"
	"github.com/platinummonkey/warden/pkg/resolver"
	"github.com/platinummonkey/warden/pkg/roles"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var invalid *authz.InvalidArgumentError
	var timeout *repository.PermissionReadTimeoutError
	var providerErr *providers.ProviderError
	var resolutionErr *resolver.PermissionResolutionError

	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, authz.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.As(err, &timeout):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	case errors.As(err, &providerErr), errors.As(err, &resolutionErr):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		logrus.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// loadView fetches a user's merged permission and projects it. A false
// ok means the response was already written.
func (s *Server) loadView(w http.ResponseWriter, r *http.Request) (*authz.UserView, bool) {
	id := mux.Vars(r)["id"]
	permission, err := s.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if permission == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "user not found"})
		return nil, false
	}
	view := permission.View()
	return &view, true
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	view, ok := s.loadView(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetAllViews(w http.ResponseWriter, r *http.Request) {
	all, err := s.repo.GetAllByID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]authz.UserView, 0, len(all))
	for _, permission := range all {
		views = append(views, permission.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAccounts(w http.ResponseWriter, r *http.Request) {
	view, ok := s.loadView(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view.Accounts)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	view, ok := s.loadView(w, r)
	if !ok {
		return
	}
	writeNamedResource(w, r, view.Accounts)
}

func (s *Server) handleGetApplications(w http.ResponseWriter, r *http.Request) {
	view, ok := s.loadView(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view.Applications)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	view, ok := s.loadView(w, r)
	if !ok {
		return
	}
	writeNamedResource(w, r, view.Applications)
}

func (s *Server) handleGetServiceAccounts(w http.ResponseWriter, r *http.Request) {
	view, ok := s.loadView(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view.ServiceAccounts)
}

func (s *Server) handleGetServiceAccount(w http.ResponseWriter, r *http.Request) {
	view, ok := s.loadView(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	for _, sa := range view.ServiceAccounts {
		if sa.Name == name {
			writeJSON(w, http.StatusOK, sa)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "service account not found"})
}

func writeNamedResource(w http.ResponseWriter, r *http.Request, views []authz.ResourceView) {
	name := mux.Vars(r)["name"]
	for _, v := range views {
		if v.Name == name {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "resource not found"})
}

// handleSyncUser resolves and persists one user with no external roles.
func (s *Server) handleSyncUser(w http.ResponseWriter, r *http.Request) {
	s.syncUser(w, r, nil)
}

// handlePutExternalRoles resolves and persists one user, merging the
// request body's role names as EXTERNAL roles.
func (s *Server) handlePutExternalRoles(w http.ResponseWriter, r *http.Request) {
	var roleNames []string
	if err := json.NewDecoder(r.Body).Decode(&roleNames); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be a JSON array of role names"})
		return
	}
	external := make([]*authz.Role, 0, len(roleNames))
	for _, name := range roleNames {
		external = append(external, &authz.Role{Name: authz.NormalizeGroup(name), Source: authz.RoleSourceExternal})
	}
	s.syncUser(w, r, external)
}

func (s *Server) syncUser(w http.ResponseWriter, r *http.Request, external []*authz.Role) {
	id := mux.Vars(r)["id"]
	started := time.Now()

	permission, err := s.resolver.ResolveAndMerge(r.Context(), roles.NewExternalUser(id, external...))
	if err != nil {
		writeError(w, err)
		return
	}
	observability.ObserveResolve("single", time.Since(started))

	if err := s.repo.Put(r.Context(), permission); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, permission.View())
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repo.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

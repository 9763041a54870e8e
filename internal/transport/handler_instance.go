package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/statera-io/statera/internal/tenant"
	"github.com/statera-io/statera/model"
)

// tenantContext resolves the tenant from the URL. Unknown tenants are 404s.
func tenantContext(tenants tenant.Provider, r *http.Request) (*tenant.Context, error) {
	tenantID := chi.URLParam(r, "tenantId")
	tc, ok := tenants.Tenant(tenantID)
	if !ok {
		return nil, model.NewNotFoundError("tenant not found")
	}
	if tc.Orchestrator == nil {
		return nil, model.NewConflictError("workflow execution is disabled")
	}
	return tc, nil
}

func handleInstancesPending(tenants tenant.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc, err := tenantContext(tenants, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		pending, err := tc.Orchestrator.ListPending(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": pending})
	}
}

func handleInstanceGet(tenants tenant.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc, err := tenantContext(tenants, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		inst, err := tc.Orchestrator.Instance(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceResolve(tenants tenant.Provider, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc, err := tenantContext(tenants, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		var body struct {
			ActorID string `json:"actor_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.ActorID == "" {
			WriteError(w, model.NewBadRequestError("actor_id is required"))
			return
		}

		inst, err := tc.Orchestrator.ResolveAction(r.Context(), chi.URLParam(r, "instanceId"), verb, body.ActorID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

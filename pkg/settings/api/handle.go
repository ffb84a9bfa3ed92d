package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/settings"
)

// SettingsHandler returns a http.Handler for the module permission table.
func SettingsHandler(h *Handle) http.Handler {
	r := chi.NewRouter()
	r.Get("/modules", h.ListModules)
	r.Get("/modules/{module}", h.GetModule)
	r.Get("/permissions/{module}/{role}", h.GetPermission)
	return r
}

type Handle struct {
	table *settings.Table
}

func NewHandle(table *settings.Table) *Handle {
	return &Handle{table: table}
}

type ModulesResponse struct {
	Version int               `json:"version"`
	Modules []settings.Module `json:"modules"`
}

type PermissionResponse struct {
	Module string        `json:"module"`
	Role   settings.Role `json:"role"`
	settings.Permission
}

// (GET /modules)
func (h *Handle) ListModules(w http.ResponseWriter, r *http.Request) {
	ids := h.table.Modules()
	resp := ModulesResponse{Version: h.table.Version(), Modules: make([]settings.Module, 0, len(ids))}
	for _, id := range ids {
		m, err := h.table.Module(id)
		if err != nil {
			errors.Render(w, r, err)
			return
		}
		resp.Modules = append(resp.Modules, m)
	}
	render.JSON(w, r, resp)
}

// (GET /modules/{module})
func (h *Handle) GetModule(w http.ResponseWriter, r *http.Request) {
	m, err := h.table.Module(chi.URLParam(r, "module"))
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	render.JSON(w, r, m)
}

// GetPermission returns what a role may do in a module.
// (GET /permissions/{module}/{role})
func (h *Handle) GetPermission(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	role := settings.Role(chi.URLParam(r, "role"))

	p, err := h.table.Lookup(module, role)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	render.JSON(w, r, PermissionResponse{Module: module, Role: role, Permission: p})
}

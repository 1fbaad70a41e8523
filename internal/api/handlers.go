package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	rtr "github.com/julienschmidt/httprouter"

	"PluginHub/internal/auth"
	xerrors "PluginHub/internal/errors"
	"PluginHub/pkg/plugin"
)

const maxBodyBytes = 1 << 20

// InstallRequest 是安装接口的请求体。
type InstallRequest struct {
	Version  string `json:"version,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// UpdateRequest 是更新接口的请求体。
type UpdateRequest struct {
	Version string `json:"version,omitempty"`
}

// ErrorResponse 是所有错误响应的格式。
type ErrorResponse struct {
	Code         string                          `json:"code"`
	Message      string                          `json:"message"`
	Missing      []plugin.Dependency             `json:"missing,omitempty"`
	Incompatible []plugin.IncompatibleDependency `json:"incompatible,omitempty"`
	Cycle        []string                        `json:"cycle,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ rtr.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "installed": len(s.manager.ListInstalled())})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, _ rtr.Params) {
	q := r.URL.Query()
	filters := plugin.SearchFilters{
		Category:      q.Get("category"),
		Tag:           q.Get("tag"),
		Author:        q.Get("author"),
		Compatibility: q.Get("compatibility"),
		SortBy:        plugin.SortKey(q.Get("sort")),
		Ascending:     strings.EqualFold(q.Get("order"), "asc"),
	}
	var err error
	if filters.MinRating, err = floatParam(q.Get("min_rating")); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "min_rating 必须是数字"))
		return
	}
	if filters.MaxPrice, err = floatParam(q.Get("max_price")); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "max_price 必须是数字"))
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Search(q.Get("q"), filters))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, _ rtr.Params) {
	if err := s.manager.RefreshCatalog(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"catalogSize": len(s.manager.Registry().Catalog())})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	entry, err := s.manager.Details(ps.ByName("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	recs, err := s.manager.Recommendations(ps.ByName("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleListInstalled(w http.ResponseWriter, _ *http.Request, _ rtr.Params) {
	writeJSON(w, http.StatusOK, s.manager.ListInstalled())
}

func (s *Server) handleInstalled(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	rec, err := s.manager.Installed(ps.ByName("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	var req InstallRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := plugin.InstallOptions{Version: req.Version}
	switch strings.ToLower(req.Strategy) {
	case "", "install":
		opts.Strategy = plugin.DependenciesInstall
	case "fail":
		opts.Strategy = plugin.DependenciesFail
	default:
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "strategy 只能是 install 或 fail"))
		return
	}
	rec, err := s.manager.Install(r.Context(), ps.ByName("id"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, "plugin_install", ps.ByName("id"))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	var req UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.manager.Update(r.Context(), ps.ByName("id"), req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, "plugin_update", ps.ByName("id"))
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))
	if err := s.manager.Uninstall(r.Context(), ps.ByName("id"), cascade); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, "plugin_uninstall", ps.ByName("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	s.toggle(w, r, ps.ByName("id"), true)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	s.toggle(w, r, ps.ByName("id"), false)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, id string, active bool) {
	op, fn := "plugin_disable", s.manager.Disable
	if active {
		op, fn = "plugin_enable", s.manager.Enable
	}
	if err := fn(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, op, id)
	rec, err := s.manager.Installed(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSandbox(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	sb, err := s.manager.SandboxStats(ps.ByName("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	s.permission(w, r, ps, true)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	s.permission(w, r, ps, false)
}

func (s *Server) permission(w http.ResponseWriter, r *http.Request, ps rtr.Params, grant bool) {
	id, perm := ps.ByName("id"), plugin.Permission(ps.ByName("permission"))
	op, fn := "permission_revoke", s.manager.Revoke
	if grant {
		op, fn = "permission_grant", s.manager.Grant
	}
	if err := fn(id, perm); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, op, id, slog.String("permission", string(perm)))
	s.handleSandbox(w, r, ps)
}

func (s *Server) handleUpdates(w http.ResponseWriter, _ *http.Request, _ rtr.Params) {
	writeJSON(w, http.StatusOK, s.manager.Updates())
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request, _ rtr.Params) {
	updates, err := s.manager.CheckUpdates(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updates)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ rtr.Params) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

func (s *Server) handleExecuteHook(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
	var data any
	if err := decodeBody(r, &data); err != nil {
		s.writeError(w, r, err)
		return
	}
	out := s.manager.ExecuteHook(r.Context(), ps.ByName("name"), data)
	writeJSON(w, http.StatusOK, map[string]any{"hook": ps.ByName("name"), "data": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ rtr.Params) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []plugin.Event{})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.events.Recent(limit))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request, _ rtr.Params) {
	writeJSON(w, http.StatusOK, s.manager.Config())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request, _ rtr.Params) {
	var patch plugin.ConfigPatch
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.manager.UpdateConfig(r.Context(), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, "config_update", "")
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) audit(r *http.Request, op, pluginID string, attrs ...any) {
	attrs = append([]any{
		slog.String("op", op),
		slog.String("plugin_id", pluginID),
		slog.String("user", auth.Actor(r.Context())),
	}, attrs...)
	s.log.Info("lifecycle mutation", attrs...)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	var depErr *plugin.DependencyError
	if errors.As(err, &depErr) {
		resp.Missing = depErr.Report.Missing
		resp.Incompatible = depErr.Report.Incompatible
		resp.Cycle = depErr.Cycle
	}
	status := http.StatusInternalServerError
	if e, ok := xerrors.From(err); ok {
		status = e.HTTPStatus()
	}
	if status >= 500 {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", resp.Code),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func floatParam(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

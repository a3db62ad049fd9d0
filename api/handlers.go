package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/snaplinked/auth"
	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/kit"
	"github.com/hazyhaar/snaplinked/observability"
	"github.com/hazyhaar/snaplinked/vault"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	hb, err := s.eng.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"running":   s.eng.Scheduler().Running(),
		"heartbeat": hb,
	})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var spec core.JobSpec
	if err := decode(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.eng.Enqueue(r.Context(), uid, spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(core.StatusPending)})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	var f core.JobFilter
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, core.JobStatus(st))
	}
	if k := q.Get("kind"); k != "" {
		f.Kind = core.JobKind(k)
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.eng.ListJobs(r.Context(), uid, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Errorf("invalid integer %q", v))
	}
	return n, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.eng.GetJob(r.Context(), scope(r), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.eng.ActionLogs(r.Context(), scope(r), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []core.ActionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	st, err := s.eng.Cancel(r.Context(), scope(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(st)})
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.eng.DailyUsage(r.Context(), uid, r.URL.Query().Get("date"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.eng.QueueStats(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.eng.Dashboard(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) weeklyReport(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.eng.WeeklyReport(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.eng.SessionStatus(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.eng.CloseSession(r.Context(), uid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credentialsReq struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=256"`
}

func (s *Server) setCredentials(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req credentialsReq
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := core.Validator().Struct(req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	c := vault.Credentials{Kind: vault.KindPassword, Email: req.Email, Password: req.Password}
	if err := s.eng.SetCredentials(r.Context(), uid, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteCredentials(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.eng.DeleteCredentials(r.Context(), uid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setAutomation(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, r, badRequest(fmt.Errorf("enabled is required")))
		return
	}
	if err := s.eng.SetAutomationEnabled(r.Context(), uid, *req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"automation_enabled": *req.Enabled})
}

func (s *Server) setLimits(w http.ResponseWriter, r *http.Request) {
	uid, err := subject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var l core.DailyLimits
	if err := decode(r, &l); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.eng.SetDailyLimits(r.Context(), uid, l); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, err := s.eng.GetUser(r.Context(), kit.GetUserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u, "role": kit.GetRole(r.Context())})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string           `json:"email"`
		DisplayName string           `json:"display_name"`
		DailyLimits core.DailyLimits `json:"daily_limits"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u := &core.User{Email: req.Email, DisplayName: req.DisplayName, DailyLimits: req.DailyLimits}
	if err := s.eng.CreateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	u, err := s.eng.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	switch req.Role {
	case "":
		req.Role = "user"
	case "user", kit.RoleAdmin:
	default:
		s.writeError(w, r, badRequest(fmt.Errorf("unknown role %q", req.Role)))
		return
	}
	now := s.now()
	tok, err := auth.GenerateToken(s.secret, &auth.Claims{UserID: u.ID, Email: u.Email, Role: req.Role}, s.cfg.Auth.TokenTTL, now)
	s.eng.Record(r.Context(), "issue_token", u.ID, map[string]string{"role": req.Role}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      tok,
		"expires_at": now.Add(s.cfg.Auth.TokenTTL).UTC(),
	})
}

func (s *Server) auditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := observability.AuditFilter{UserID: q.Get("user_id"), Operation: q.Get("operation")}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, badRequest(fmt.Errorf("since: %w", err)))
			return
		}
		f.Since = t
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.eng.AuditLog(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*observability.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/config"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/crypto"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/model"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/repository"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/session"
)

type Server struct {
	cfg      config.Config
	store    *repository.Store
	sessions session.Store
}

func NewServer(cfg config.Config, store *repository.Store, sessions session.Store) *Server {
	return &Server{cfg: cfg, store: store, sessions: sessions}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/me", s.handleMe)
		r.Put("/me", s.handleUpdateProfile)
	})

	r.Route("/api/alerts", func(r chi.Router) {
		r.With(s.requireRole(model.RoleDriver)).Post("/", s.handleCreateAlert)
		r.With(s.requireRole()).Get("/", s.handleListAlerts)
		r.With(s.requireRole(model.RoleDriver)).Get("/mine", s.handleMyAlerts)
		r.With(s.requireRole(model.RoleDriver, model.RolePatrol, model.RoleAdmin)).Put("/{alertID}", s.handleUpdateAlert)
		r.With(s.requireRole(model.RoleDriver, model.RoleAdmin)).Delete("/{alertID}", s.handleDeleteAlert)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireRole(model.RoleAdmin))
		r.Post("/patrols", s.handleCreatePatrol)
		r.Get("/users", s.handleListUsers)
		r.Delete("/users/{userID}", s.handleDeleteUser)
		r.Get("/alerts", s.handleAdminListAlerts)
		r.Delete("/alerts/{alertID}", s.handleAdminDeleteAlert)
		r.Post("/assign-patrol", s.handleAssignPatrol)
	})

	r.Route("/api/patrol", func(r chi.Router) {
		r.Use(s.requireRole(model.RolePatrol))
		r.Get("/assigned-alerts", s.handleAssignedAlerts)
		r.Patch("/alerts/{alertID}/status", s.handleUpdateStatus)
	})

	return r
}

type registerRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing or invalid fields")
		return
	}
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.FullName == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing or invalid fields")
		return
	}

	if _, err := s.store.GetUserByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusBadRequest, "Email already exists")
		return
	} else if !errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		FullName:     req.FullName,
		Email:        &req.Email,
		PasswordHash: hash,
		Role:         model.RoleDriver,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "Email already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	principal := model.Principal{
		ID:       user.ID,
		Role:     user.Role,
		Email:    req.Email,
		FullName: user.FullName,
	}
	sess, err := s.sessions.Create(r.Context(), principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	s.setSessionCookie(w, sess)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Driver registered successfully",
		"user":    principal,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	PatrolID string `json:"patrolID"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing or invalid fields")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.PatrolID = strings.TrimSpace(req.PatrolID)

	var (
		user    model.User
		err     error
		message string
	)
	switch {
	case req.PatrolID != "":
		user, err = s.store.GetUserByPatrolID(r.Context(), req.PatrolID)
		message = "Patrol login successful"
	case req.Email != "":
		user, err = s.store.GetUserByEmail(r.Context(), req.Email)
		message = "Login successful"
	default:
		writeError(w, http.StatusBadRequest, "Missing credentials")
		return
	}

	// Same answer whether the account exists or the password is wrong.
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "Invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}

	sess, err := s.sessions.Create(r.Context(), principalOf(user))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	s.setSessionCookie(w, sess)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": message,
		"user":    sess.Principal,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if !ok {
		// "Not logged in" is an answer here, not an error.
		writeJSON(w, http.StatusOK, map[string]interface{}{"user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": sess.Principal})
}

type updateProfileRequest struct {
	FullName *string `json:"fullName,omitempty"`
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	sess, ok, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not logged in")
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing or invalid fields")
		return
	}

	update := repository.UserUpdate{}
	if req.FullName != nil {
		name := strings.TrimSpace(*req.FullName)
		if name != "" {
			update.FullName = &name
		}
	}
	if req.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*req.Email))
		if email != "" {
			update.Email = &email
		}
	}
	if req.Password != nil && strings.TrimSpace(*req.Password) != "" {
		hash, err := crypto.HashPassword(*req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Server error")
			return
		}
		update.PasswordHash = &hash
	}

	user, err := s.store.UpdateUser(r.Context(), sess.Principal.ID, update)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		if isUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "Email already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	// Mirror the directory change into the live session so /me reflects it
	// without a re-login. A fresh snapshot replaces the stored one.
	principal := sess.Principal
	principal.FullName = user.FullName
	if user.Email != nil {
		principal.Email = *user.Email
	}
	if _, err := s.sessions.Replace(r.Context(), sess.Token, principal); err != nil && !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Profile updated"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.cfg.SessionCookie); err == nil && cookie.Value != "" {
		if err := s.sessions.Delete(r.Context(), cookie.Value); err != nil {
			writeError(w, http.StatusInternalServerError, "Server error")
			return
		}
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

type createAlertRequest struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Location    *model.GeoPoint `json:"location"`
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())

	var req createAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing or invalid fields")
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	if !model.AlertTypes[req.Type] || req.Description == "" || req.Location == nil || !validLocation(*req.Location) {
		writeError(w, http.StatusBadRequest, "Missing or invalid fields")
		return
	}

	now := time.Now().UTC()
	alert := model.Alert{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Description: req.Description,
		Longitude:   req.Location.Longitude(),
		Latitude:    req.Location.Latitude(),
		ReportedBy:  principal.ID,
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAlert(r.Context(), alert); err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusCreated, mapAlert(repository.AlertWithReporter{
		Alert:         alert,
		ReporterName:  principal.FullName,
		ReporterEmail: optional(principal.Email),
	}))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDateRange(r.URL.Query().Get("startDate"), r.URL.Query().Get("endDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range")
		return
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, mapAlerts(alerts))
}

func (s *Server) handleMyAlerts(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())

	alerts, err := s.store.ListAlertsByReporter(r.Context(), principal.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, mapAlerts(alerts))
}

func (s *Server) handleAssignedAlerts(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())

	alerts, err := s.store.ListAlertsByAssignee(r.Context(), principal.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, mapAlerts(alerts))
}

type updateAlertRequest struct {
	Type              *string         `json:"type,omitempty"`
	Description       *string         `json:"description,omitempty"`
	Location          *model.GeoPoint `json:"location,omitempty"`
	Status            *string         `json:"status,omitempty"`
	RerouteSuggestion *string         `json:"rerouteSuggestion,omitempty"`
	AssignedTo        *string         `json:"assignedTo,omitempty"`
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	alertID := chi.URLParam(r, "alertID")

	existing, err := s.store.GetAlertByID(r.Context(), alertID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	var req updateAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing or invalid fields")
		return
	}

	update, errMsg := alertPatchForRole(principal, existing.Alert, req)
	if errMsg != "" {
		status := http.StatusBadRequest
		if errMsg == "Not authorized" {
			status = http.StatusForbidden
		}
		writeError(w, status, errMsg)
		return
	}

	// Reassignment is admin-only and must point at a real patrol officer.
	if update.AssignedTo != nil {
		patrol, err := s.store.GetUserByID(r.Context(), *update.AssignedTo)
		if err != nil || patrol.Role != model.RolePatrol {
			writeError(w, http.StatusNotFound, "Patrol officer not found")
			return
		}
		update.VerifiedBy = update.AssignedTo
	}

	updated, err := s.store.UpdateAlert(r.Context(), alertID, update)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, mapAlert(repository.AlertWithReporter{
		Alert:         updated,
		ReporterName:  existing.ReporterName,
		ReporterEmail: existing.ReporterEmail,
	}))
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	alertID := chi.URLParam(r, "alertID")

	existing, err := s.store.GetAlertByID(r.Context(), alertID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if principal.Role == model.RoleDriver && existing.ReportedBy != principal.ID {
		writeError(w, http.StatusForbidden, "Not authorized")
		return
	}

	deleted, err := s.store.DeleteAlert(r.Context(), alertID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Alert deleted"})
}

type createPatrolRequest struct {
	Name     string `json:"name"`
	PatrolID string `json:"patrolID"`
	Password string `json:"password"`
}

func (s *Server) handleCreatePatrol(w http.ResponseWriter, r *http.Request) {
	var req createPatrolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.PatrolID = strings.TrimSpace(req.PatrolID)
	if req.Name == "" || req.PatrolID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing fields")
		return
	}

	if _, err := s.store.GetUserByPatrolID(r.Context(), req.PatrolID); err == nil {
		writeError(w, http.StatusBadRequest, "Patrol ID already exists")
		return
	} else if !errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	now := time.Now().UTC()
	patrol := model.User{
		ID:           uuid.NewString(),
		FullName:     req.Name,
		PatrolID:     &req.PatrolID,
		PasswordHash: hash,
		Role:         model.RolePatrol,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(r.Context(), patrol); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "Patrol ID already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Patrol officer created"})
}

type userSummary struct {
	ID        string     `json:"id"`
	FullName  string     `json:"fullName"`
	Email     string     `json:"email,omitempty"`
	PatrolID  string     `json:"patrolID,omitempty"`
	Role      model.Role `json:"role"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	// Admin accounts are excluded from the listing by query.
	users, err := s.store.ListUsersByRoles(r.Context(), []model.Role{model.RoleDriver, model.RolePatrol})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	summaries := make([]userSummary, 0, len(users))
	for _, user := range users {
		summary := userSummary{
			ID:        user.ID,
			FullName:  user.FullName,
			Role:      user.Role,
			CreatedAt: user.CreatedAt,
		}
		if user.Email != nil {
			summary.Email = *user.Email
		}
		if user.PatrolID != nil {
			summary.PatrolID = *user.PatrolID
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	userID := chi.URLParam(r, "userID")

	if userID == principal.ID {
		writeError(w, http.StatusForbidden, "Cannot delete self")
		return
	}

	deleted, err := s.store.DeleteUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted"})
}

func (s *Server) handleAdminListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(r.Context(), repository.AlertFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, mapAlerts(alerts))
}

func (s *Server) handleAdminDeleteAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	deleted, err := s.store.DeleteAlert(r.Context(), alertID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Alert deleted"})
}

type assignPatrolRequest struct {
	AlertID  string `json:"alertId"`
	PatrolID string `json:"patrolId"`
}

func (s *Server) handleAssignPatrol(w http.ResponseWriter, r *http.Request) {
	var req assignPatrolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing alertId or patrolId")
		return
	}
	if req.AlertID == "" || req.PatrolID == "" {
		writeError(w, http.StatusBadRequest, "Missing alertId or patrolId")
		return
	}

	if _, err := s.store.GetAlertByID(r.Context(), req.AlertID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	patrol, err := s.store.GetUserByID(r.Context(), req.PatrolID)
	if err != nil || patrol.Role != model.RolePatrol {
		writeError(w, http.StatusNotFound, "Patrol officer not found")
		return
	}

	verified := string(model.StatusVerified)
	_, err = s.store.UpdateAlert(r.Context(), req.AlertID, repository.AlertUpdate{
		AssignedTo: &patrol.ID,
		VerifiedBy: &patrol.ID,
		Status:     &verified,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Patrol assigned to alert"})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	alertID := chi.URLParam(r, "alertID")

	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}
	status, err := normalizeStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	existing, err := s.store.GetAlertByID(r.Context(), alertID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if !patrolOnAlert(principal.ID, existing.Alert) {
		writeError(w, http.StatusForbidden, "Not authorized")
		return
	}

	value := string(status)
	updated, err := s.store.UpdateAlert(r.Context(), alertID, repository.AlertUpdate{Status: &value})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, mapAlert(repository.AlertWithReporter{
		Alert:         updated,
		ReporterName:  existing.ReporterName,
		ReporterEmail: existing.ReporterEmail,
	}))
}

// requireRole gates a route on an authenticated session; with no arguments
// any authenticated role passes. The resolved principal lands in the request
// context and is the only way handlers learn who is calling.
func (s *Server) requireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok, err := s.sessionFromRequest(r)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Server error")
				return
			}
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if len(roles) > 0 && !roleAllowed(sess.Principal.Role, roles) {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, sess.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := strings.Split(s.cfg.CORSOrigins, ",")
	for i := range allowed {
		allowed[i] = strings.TrimSpace(allowed[i])
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowed) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
	}
	return false
}

func (s *Server) sessionFromRequest(r *http.Request) (model.Session, bool, error) {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil || cookie.Value == "" {
		return model.Session{}, false, nil
	}
	return s.sessions.Get(r.Context(), cookie.Value)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type principalKey struct{}

func principalFromContext(ctx context.Context) model.Principal {
	principal, _ := ctx.Value(principalKey{}).(model.Principal)
	return principal
}

func principalOf(user model.User) model.Principal {
	principal := model.Principal{
		ID:       user.ID,
		Role:     user.Role,
		FullName: user.FullName,
	}
	if user.Email != nil {
		principal.Email = *user.Email
	}
	if user.PatrolID != nil {
		principal.PatrolID = *user.PatrolID
	}
	return principal
}

func roleAllowed(role model.Role, allowed []model.Role) bool {
	for _, candidate := range allowed {
		if role == candidate {
			return true
		}
	}
	return false
}

// alertPatchForRole filters the requested patch down to the fields the
// caller may touch. Fields outside the caller's set are dropped, not
// rejected. Returns a message only for forbidden callers or invalid values.
func alertPatchForRole(principal model.Principal, alert model.Alert, req updateAlertRequest) (repository.AlertUpdate, string) {
	update := repository.AlertUpdate{}

	switch principal.Role {
	case model.RoleDriver:
		if alert.ReportedBy != principal.ID {
			return update, "Not authorized"
		}
	case model.RolePatrol:
		if !patrolOnAlert(principal.ID, alert) {
			return update, "Not authorized"
		}
	case model.RoleAdmin:
		// Admin may patch everything.
	default:
		return update, "Not authorized"
	}

	if principal.Role == model.RoleDriver || principal.Role == model.RoleAdmin {
		if req.Type != nil {
			if !model.AlertTypes[*req.Type] {
				return repository.AlertUpdate{}, "Missing or invalid fields"
			}
			update.Type = req.Type
		}
		if req.Description != nil {
			description := strings.TrimSpace(*req.Description)
			if description == "" {
				return repository.AlertUpdate{}, "Missing or invalid fields"
			}
			update.Description = &description
		}
		if req.Location != nil {
			if !validLocation(*req.Location) {
				return repository.AlertUpdate{}, "Missing or invalid fields"
			}
			lng, lat := req.Location.Longitude(), req.Location.Latitude()
			update.Longitude = &lng
			update.Latitude = &lat
		}
	}

	if principal.Role == model.RolePatrol || principal.Role == model.RoleAdmin {
		if req.Status != nil {
			status, err := normalizeStatus(*req.Status)
			if err != nil {
				return repository.AlertUpdate{}, "Invalid status"
			}
			value := string(status)
			update.Status = &value
		}
		if req.RerouteSuggestion != nil {
			update.RerouteSuggestion = req.RerouteSuggestion
		}
	}

	if principal.Role == model.RoleAdmin && req.AssignedTo != nil {
		update.AssignedTo = req.AssignedTo
	}

	return update, ""
}

func patrolOnAlert(patrolID string, alert model.Alert) bool {
	if alert.AssignedTo != nil && *alert.AssignedTo == patrolID {
		return true
	}
	if alert.VerifiedBy != nil && *alert.VerifiedBy == patrolID {
		return true
	}
	return false
}

func normalizeStatus(raw string) (model.AlertStatus, error) {
	status := model.AlertStatus(strings.TrimSpace(strings.ToLower(raw)))
	if !status.Valid() {
		return "", errInvalidStatus
	}
	return status, nil
}

var errInvalidStatus = errors.New("invalid status")

func validLocation(point model.GeoPoint) bool {
	if point.Type != "Point" || len(point.Coordinates) != 2 {
		return false
	}
	lng, lat := point.Coordinates[0], point.Coordinates[1]
	if math.IsNaN(lng) || math.IsInf(lng, 0) || math.IsNaN(lat) || math.IsInf(lat, 0) {
		return false
	}
	return lng >= -180 && lng <= 180 && lat >= -90 && lat <= 90
}

func parseDateRange(startRaw, endRaw string) (repository.AlertFilter, error) {
	filter := repository.AlertFilter{}
	if startRaw == "" || endRaw == "" {
		return filter, nil
	}
	start, err := parseDate(startRaw)
	if err != nil {
		return filter, err
	}
	end, err := parseDate(endRaw)
	if err != nil {
		return filter, err
	}
	filter.Start = &start
	filter.End = &end
	return filter, nil
}

func parseDate(raw string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

type reporterRef struct {
	ID       string `json:"id"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
}

type alertResponse struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Description       string            `json:"description"`
	Location          model.GeoPoint    `json:"location"`
	ReportedBy        reporterRef       `json:"reportedBy"`
	Status            model.AlertStatus `json:"status"`
	AssignedTo        *string           `json:"assignedTo,omitempty"`
	VerifiedBy        *string           `json:"verifiedBy,omitempty"`
	RerouteSuggestion *string           `json:"rerouteSuggestion,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func mapAlert(alert repository.AlertWithReporter) alertResponse {
	reporter := reporterRef{
		ID:       alert.ReportedBy,
		FullName: alert.ReporterName,
	}
	if alert.ReporterEmail != nil {
		reporter.Email = *alert.ReporterEmail
	}
	return alertResponse{
		ID:                alert.ID,
		Type:              alert.Type,
		Description:       alert.Description,
		Location:          model.NewGeoPoint(alert.Longitude, alert.Latitude),
		ReportedBy:        reporter,
		Status:            alert.Status,
		AssignedTo:        alert.AssignedTo,
		VerifiedBy:        alert.VerifiedBy,
		RerouteSuggestion: alert.RerouteSuggestion,
		CreatedAt:         alert.CreatedAt,
		UpdatedAt:         alert.UpdatedAt,
	}
}

func mapAlerts(alerts []repository.AlertWithReporter) []alertResponse {
	responses := make([]alertResponse, 0, len(alerts))
	for _, alert := range alerts {
		responses = append(responses, mapAlert(alert))
	}
	return responses
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aquarium/internal/auth"
	"aquarium/internal/device"
	"aquarium/internal/dispatch"
	"aquarium/internal/mqtt"
	"aquarium/internal/shadowstate"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
	maxBodyBytes    = 64 << 10
)

// Placeholders shown on the dashboard until the board reports its new network.
const (
	resettingSSID = "Resetting..."
	resettingIP   = "..."
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "login required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "admin role required")
	default:
		writeError(w, http.StatusInternalServerError, "authorization failed")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, strict bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// handleGetState returns the device state as JSON
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.State())
}

type healthResponse struct {
	Status        string  `json:"status"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	MQTTConnected bool    `json:"mqttConnected"`
}

// handleHealth reports uptime and broker connectivity
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Clock.Now()
	resp := healthResponse{
		Status:        "ok",
		Uptime:        strings.TrimSpace(humanize.RelTime(s.startedAt, now, "", "")),
		UptimeSeconds: now.Sub(s.startedAt).Seconds(),
	}
	if s.deps.Device != nil {
		resp.MQTTConnected = s.deps.Device.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	states := map[string]shadowstate.ComponentShadowState{}
	if s.deps.Shadow != nil {
		states = s.deps.Shadow.All()
	}
	writeJSON(w, http.StatusOK, states)
}

// parseLevel accepts 0/1 or a JSON boolean.
func parseLevel(raw json.RawMessage) (int, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		if x == 0 || x == 1 {
			return int(x), nil
		}
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, dispatch.ErrInvalidValue
}

type updateResponse struct {
	Success bool                           `json:"success"`
	Results map[device.Key]dispatch.Result `json:"results,omitempty"`
	Changed []string                       `json:"changed,omitempty"`
	State   device.State                   `json:"state"`
}

// updateFailure reports a storage failure part way through an update.
// Changed and Results list what was already written and stays written.
type updateFailure struct {
	Success bool                           `json:"success"`
	Error   string                         `json:"error"`
	Results map[device.Key]dispatch.Result `json:"results,omitempty"`
	Changed []string                       `json:"changed,omitempty"`
}

// handleUpdate writes any mix of control and configuration keys. The whole
// body is validated before anything is applied. Configuration is written
// first, then controls in ControlKeys order; a store failure stops there
// without undoing earlier writes.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := decodeBody(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	controls := make(map[device.Key]int)
	var change dispatch.ConfigChange
	for name, raw := range body {
		switch name {
		case "threshold":
			var t *float64
			if err := json.Unmarshal(raw, &t); err != nil || t == nil {
				writeError(w, http.StatusBadRequest, "threshold must be a number")
				return
			}
			change.Threshold = t
		case "lightSchedule":
			var sch *device.Schedule
			if err := json.Unmarshal(raw, &sch); err != nil || sch == nil {
				writeError(w, http.StatusBadRequest, "lightSchedule must be {on, off}")
				return
			}
			change.LightSchedule = sch
		default:
			key, err := device.ParseKey(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			v, err := parseLevel(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", name, dispatch.ErrInvalidValue))
				return
			}
			controls[key] = v
		}
	}

	hasConfig := change.Threshold != nil || change.LightSchedule != nil
	if hasConfig {
		if err := s.deps.Controller.Validate(change); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	resp := updateResponse{Success: true}
	if hasConfig {
		changed, err := s.deps.Controller.Configure(ctx, change, device.SourceWeb)
		if err != nil {
			s.logger.Error("Configuration update failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to save configuration")
			return
		}
		resp.Changed = changed
	}

	if len(controls) > 0 {
		resp.Results = make(map[device.Key]dispatch.Result, len(controls))
	}
	for _, key := range device.ControlKeys {
		v, ok := controls[key]
		if !ok {
			continue
		}
		res, err := s.deps.Controller.Apply(ctx, key, v, device.SourceWeb)
		resp.Results[key] = res
		if err != nil {
			s.logger.Error("Control update failed",
				zap.String("key", string(key)),
				zap.Strings("config_saved", resp.Changed),
				zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, updateFailure{
				Error:   fmt.Sprintf("failed to apply %s", key),
				Results: resp.Results,
				Changed: resp.Changed,
			})
			return
		}
	}

	resp.State = s.deps.Controller.State()
	writeJSON(w, http.StatusOK, resp)
}

type configResponse struct {
	Success bool         `json:"success"`
	Changed []string     `json:"changed"`
	State   device.State `json:"state"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var change dispatch.ConfigChange
	if err := decodeBody(w, r, &change, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changed, err := s.deps.Controller.Configure(r.Context(), change, device.SourceWeb)
	switch {
	case errors.Is(err, dispatch.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("Configuration update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}

	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, configResponse{Success: true, Changed: changed, State: s.deps.Controller.State()})
}

type toggleResponse struct {
	Success bool `json:"success"`
	dispatch.Result
	State device.State `json:"state"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	key, err := device.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Input.OnToggle(r.Context(), key, device.SourceWeb)
	if err != nil {
		s.logger.Error("Toggle failed", zap.String("key", string(key)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to toggle %s", key))
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Success: true, Result: res, State: s.deps.Controller.State()})
}

func parseLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxLogLimit {
		n = maxLogLimit
	}
	return n, nil
}

// handleLog returns recent audit records, newest first
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.deps.Logs.RecentLogs(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read log")
		return
	}
	if logs == nil {
		logs = []device.LogRecord{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleLogExport(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.deps.Logs.RecentLogs(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read log")
		return
	}

	data, err := buildLogWorkbook(logs)
	if err != nil {
		s.logger.Error("Failed to build log export", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export log")
		return
	}

	filename := fmt.Sprintf("aquarium-log-%s.xlsx", s.deps.Clock.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	Role      auth.Role `json:"role"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, err := s.deps.Auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	case err != nil:
		s.logger.Error("Login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Success:   true,
		Token:     sess.Token,
		Role:      sess.Role,
		Username:  sess.Username,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}
	if err := s.deps.Auth.Logout(r.Context(), token); err != nil {
		s.logger.Error("Logout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// registerRequest accepts both the plain field names and the new* names
// used by the dashboard's user form.
type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	NewUsername string `json:"newUsername"`
	NewPassword string `json:"newPassword"`
	NewRole     string `json:"newRole"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	username := firstNonEmpty(req.NewUsername, req.Username)
	err := s.deps.Auth.Register(r.Context(),
		username,
		firstNonEmpty(req.NewPassword, req.Password),
		firstNonEmpty(req.NewRole, req.Role))
	switch {
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "user already exists")
		return
	case errors.Is(err, auth.ErrInvalidUser), errors.Is(err, auth.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("Registration failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "username": username})
}

// handleResetWifi asks the board to drop its WiFi credentials and marks the
// network fields as pending until the next status report.
func (s *Server) handleResetWifi(w http.ResponseWriter, r *http.Request) {
	if s.deps.Device == nil || !s.deps.Device.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "MQTT broker not connected")
		return
	}

	err := s.deps.Device.ResetWifi(r.Context())
	switch {
	case errors.Is(err, mqtt.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "MQTT broker not connected")
		return
	case err != nil:
		s.logger.Error("WiFi reset publish failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to reach device")
		return
	}

	if _, err := s.deps.Controller.Record(r.Context(), device.Patch{
		WifiSSID: device.String(resettingSSID),
		IP:       device.String(resettingIP),
	}); err != nil {
		s.logger.Error("Failed to record WiFi reset", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save state")
		return
	}

	s.logger.Info("WiFi reset requested")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

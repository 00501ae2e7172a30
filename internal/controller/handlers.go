package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/internal/service"
	"github.com/JonnyShabli/mediagrab/internal/storage"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/go-chi/chi/v5"
)

const serviceName = "mediagrab"

type HandlerObj struct {
	Engine   service.EngineInterface
	Settings *service.Settings
	Gate     *service.Gate
	Root     *storage.Root
	Logger   logster.Logger
	cookie   CookieConfig
}

func NewHandlers(engine service.EngineInterface, settings *service.Settings, gate *service.Gate, root *storage.Root, cookie CookieConfig, logger logster.Logger) *HandlerObj {
	if cookie.Name == "" {
		cookie.Name = "mediagrab_session"
	}
	return &HandlerObj{
		Engine:   engine,
		Settings: settings,
		Gate:     gate,
		Root:     root,
		Logger:   logger.WithField("Layer", "Handlers"),
		cookie:   cookie,
	}
}

// taskView is the wire form of a task. The UI expects live_logs as a JSON
// encoded string.
type taskView struct {
	models.Task
	LiveLogs string `json:"live_logs"`
}

func newTaskView(t models.Task) taskView {
	logs := t.Logs
	if logs == nil {
		logs = []string{}
	}
	b, _ := json.Marshal(logs)
	return taskView{Task: t, LiveLogs: string(b)}
}

type loginRequest struct {
	Type     string `json:"type"`
	Password string `json:"password"`
}

type createTaskRequest struct {
	Platform   string `json:"platform"`
	URL        string `json:"url"`
	SavePath   string `json:"save_path"`
	Cookies    string `json:"cookies"`
	XAuthToken string `json:"x_auth_token"`
	XCt0       string `json:"x_ct0"`
}

type passwordRequest struct {
	Password *string `json:"password"`
}

func (h *HandlerObj) Health(w http.ResponseWriter, r *http.Request) {
	SuccessDataResponse(w, h.Logger, "health", map[string]string{"status": "ok", "service": serviceName})
}

func (h *HandlerObj) AuthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.Gate.Status(r.Context(), sessionToken(r, h.cookie.Name))
	SuccessDataResponse(w, h.Logger, "auth check", status)
}

func (h *HandlerObj) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	res, err := h.Gate.Login(r.Context(), req.Type, req.Password)
	if err != nil {
		h.Logger.WithError(err).Infof("login rejected")
		respondError(w, h.Logger, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.ExpiresAt,
		MaxAge:   int(time.Until(res.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	h.Logger.Infof("Login successfully as %s", res.Role)
	SuccessDataResponse(w, h.Logger, "login", map[string]models.Role{"role": res.Role})
}

func (h *HandlerObj) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Gate.Logout(r.Context(), sessionToken(r, h.cookie.Name)); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	SuccessDataResponse(w, h.Logger, "logout", statusResponse{Status: "ok"})
}

func (h *HandlerObj) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.Engine.List()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	SuccessDataResponse(w, h.Logger, "list tasks", views)
}

func (h *HandlerObj) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	task, err := h.Engine.Submit(r.Context(), service.SubmitInput{
		Platform: req.Platform,
		URL:      req.URL,
		SavePath: req.SavePath,
		Credentials: models.Credentials{
			Cookie:     req.Cookies,
			XAuthToken: req.XAuthToken,
			XCt0:       req.XCt0,
		},
		// only admins may replace the stored defaults
		Remember: roleFrom(r.Context()) == models.RoleAdmin,
	})
	if err != nil {
		h.Logger.WithError(err).Infof("fail to create task")
		respondError(w, h.Logger, err)
		return
	}
	h.Logger.Infof("Add task successfully with Id: %d", task.ID)
	SuccessDataResponse(w, h.Logger, "create task", newTaskView(task))
}

func (h *HandlerObj) PauseTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err == nil {
		err = h.Engine.Pause(r.Context(), id)
	}
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	SuccessDataResponse(w, h.Logger, "pause task", statusResponse{Status: "paused"})
}

func (h *HandlerObj) ResumeTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err == nil {
		err = h.Engine.Resume(r.Context(), id)
	}
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	SuccessDataResponse(w, h.Logger, "resume task", statusResponse{Status: "resuming"})
}

func (h *HandlerObj) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err == nil {
		err = h.Engine.Delete(r.Context(), id)
	}
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	SuccessDataResponse(w, h.Logger, "delete task", statusResponse{Status: "deleted"})
}

func (h *HandlerObj) GetConfig(w http.ResponseWriter, r *http.Request) {
	SuccessDataResponse(w, h.Logger, "get config", h.Settings.View(roleFrom(r.Context())))
}

func (h *HandlerObj) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch service.SettingsPatch
	if err := decodeBody(r, &patch); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if _, err := h.Settings.Update(r.Context(), patch); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	SuccessDataResponse(w, h.Logger, "update settings", statusResponse{Status: "ok"})
}

func (h *HandlerObj) SetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if err := h.Settings.SetPassword(r.Context(), req.Password); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	SuccessDataResponse(w, h.Logger, "set password", statusResponse{Status: "ok"})
}

func (h *HandlerObj) ListFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Root.List(r.URL.Query().Get("path"))
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	SuccessDataResponse(w, h.Logger, "list files", entries)
}

func taskID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "task_id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("invalid task id %q", raw)
	}
	return id, nil
}

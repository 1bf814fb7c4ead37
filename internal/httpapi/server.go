// Package httpapi exposes the store over a loopback HTTP listener with a
// fixed verb/path vocabulary. All /v1 endpoints require the bearer
// credential; /healthz is open. Errors are {error:{code,message}} bodies.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teamd-project/teamd/internal/fsio"
	"github.com/teamd-project/teamd/internal/store"
)

// maxBodyBytes bounds request bodies; every payload here is small JSON.
const maxBodyBytes = 1 << 20

// Server routes the HTTP vocabulary onto store operations.
type Server struct {
	store       *store.Store
	token       string
	defaultTeam string
	version     string
	mux         *http.ServeMux
}

// New builds the router. defaultTeam fills in when a request omits teamId.
func New(st *store.Store, token, defaultTeam, version string) *Server {
	s := &Server{store: st, token: token, defaultTeam: defaultTeam, version: version}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /v1/teams", s.handleListTeams)
	mux.HandleFunc("POST /v1/teams", s.handleCreateTeam)
	mux.HandleFunc("GET /v1/teams/{id}", s.handleGetTeam)

	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/claim", s.handleClaimTask)
	mux.HandleFunc("POST /v1/tasks/{id}/renew", s.handleRenewTask)
	mux.HandleFunc("POST /v1/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /v1/tasks/{id}/fail", s.handleFailTask)

	mux.HandleFunc("POST /v1/threads", s.handleStartThread)
	mux.HandleFunc("GET /v1/threads/search", s.handleSearchThreads)
	mux.HandleFunc("POST /v1/threads/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /v1/threads/{id}/tail", s.handleThreadTail)
	mux.HandleFunc("POST /v1/threads/{id}/link", s.handleLinkThread)

	mux.HandleFunc("GET /v1/inbox", s.handleInbox)
	mux.HandleFunc("GET /v1/can-write", s.handleCanWrite)

	mux.HandleFunc("/", s.handleNotFound)

	s.mux = mux
	return s
}

// ServeHTTP authenticates /v1 requests before routing. The health endpoint
// stays open so process supervisors can probe without the credential.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/v1/") && !s.authorized(r) {
		writeError(w, &store.Error{Status: 401, Code: store.CodeUnauthorized, Message: "missing or invalid bearer token"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(tok)), []byte(s.token)) == 1
}

// teamID resolves the effective team for a request.
func (s *Server) teamID(r *http.Request) string {
	if id := r.URL.Query().Get("teamId"); id != "" {
		return id
	}
	return s.defaultTeam
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps any error onto the wire taxonomy. Store errors carry
// their own status and code; I/O sentinels surface as 500s with their own
// codes; anything else is an internal error.
func writeError(w http.ResponseWriter, err error) {
	status, code, msg := 500, store.CodeInternal, err.Error()
	var serr *store.Error
	switch {
	case errors.As(err, &serr):
		status, code, msg = serr.Status, serr.Code, serr.Message
	case errors.Is(err, fsio.ErrPathTraversal):
		code = "PATH_TRAVERSAL"
	case errors.Is(err, fsio.ErrSymlinkEscape):
		code = "SYMLINK_ESCAPE"
	case errors.Is(err, fsio.ErrInvalidLine):
		code = "INVALID_LINE"
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = msg
	writeJSON(w, status, body)
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &store.Error{Status: 400, Code: store.CodeInvalidJSON, Message: "invalid JSON body: " + err.Error()}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, &store.Error{Status: 404, Code: store.CodeNotFound, Message: "no such route: " + r.Method + " " + r.URL.Path})
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.ListTeams()
	if err != nil {
		writeError(w, err)
		return
	}
	if teams == nil {
		teams = []*store.Team{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"teams": teams})
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req store.Team
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	team, err := s.store.CreateTeam(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"team": team})
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.store.GetTeam(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"team": team})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(s.teamID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID      string   `json:"teamId"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Deps        []string `json:"deps"`
		Resources   []string `json:"resources"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	teamID := req.TeamID
	if teamID == "" {
		teamID = s.teamID(r)
	}
	task, created, err := s.store.CreateTask(teamID, store.CreateTaskInput{
		Title:          req.Title,
		Description:    req.Description,
		Deps:           req.Deps,
		Resources:      req.Resources,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{"task": task, "created": created})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(s.teamID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

type leaseRequest struct {
	TeamID  string `json:"teamId"`
	AgentID string `json:"agentId"`
	Epoch   int64  `json:"epoch"`
	TTLMs   int64  `json:"ttlMs"`
}

func (s *Server) leaseTeam(r *http.Request, req leaseRequest) string {
	if req.TeamID != "" {
		return req.TeamID
	}
	return s.teamID(r)
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.store.ClaimTask(s.leaseTeam(r, req), r.PathValue("id"), req.AgentID, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task, "lease": task.Lease})
}

func (s *Server) handleRenewTask(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.store.RenewTask(s.leaseTeam(r, req), r.PathValue("id"), req.AgentID, req.Epoch, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task, "lease": task.Lease})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	s.finalize(w, r, s.store.CompleteTask)
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	s.finalize(w, r, s.store.FailTask)
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request, fn func(teamID, taskID, agentID string, epoch int64) (*store.Task, error)) {
	var req leaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := fn(s.leaseTeam(r, req), r.PathValue("id"), req.AgentID, req.Epoch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func (s *Server) handleStartThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID       string   `json:"teamId"`
		Title        string   `json:"title"`
		Participants []string `json:"participants"`
		TaskID       string   `json:"taskId"`
		AgentID      string   `json:"agentId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	teamID := req.TeamID
	if teamID == "" {
		teamID = s.teamID(r)
	}
	thread, err := s.store.StartThread(teamID, req.Title, req.Participants, req.TaskID, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"thread": thread})
}

func (s *Server) handleSearchThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.SearchThreads(s.teamID(r), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	if threads == nil {
		threads = []*store.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID  string `json:"teamId"`
		AgentID string `json:"agentId"`
		Body    string `json:"body"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	teamID := req.TeamID
	if teamID == "" {
		teamID = s.teamID(r)
	}
	msg, err := s.store.PostMessage(teamID, r.PathValue("id"), req.AgentID, req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

func (s *Server) handleThreadTail(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	thread, messages, err := s.store.ThreadTail(s.teamID(r), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"thread": thread, "messages": messages})
}

func (s *Server) handleLinkThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID string `json:"teamId"`
		TaskID string `json:"taskId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	teamID := req.TeamID
	if teamID == "" {
		teamID = s.teamID(r)
	}
	thread, err := s.store.LinkThread(teamID, r.PathValue("id"), req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"thread": thread})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, nextSince, err := s.store.FetchInbox(s.teamID(r), r.URL.Query().Get("agentId"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "nextSince": nextSince})
}

func (s *Server) handleCanWrite(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	decision := s.store.CanWrite(s.teamID(r), q.Get("agentId"), q.Get("path"))
	writeJSON(w, http.StatusOK, decision)
}

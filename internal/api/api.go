// Package api is the thin outer HTTP/WS layer of §4.8: argument parsing,
// dispatch into C4–C7, and HTTP status shaping from the apperr taxonomy.
//
// Routing style (http.NewServeMux, one handler per path, JSON in/out via
// json.NewEncoder, rs/cors wrapping the whole mux) is carried straight from
// the teacher's main.go.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
	"github.com/canyouhack-org/sandboxd/internal/containerdrv"
	"github.com/canyouhack-org/sandboxd/internal/fsintake"
	"github.com/canyouhack-org/sandboxd/internal/materializer"
	"github.com/canyouhack-org/sandboxd/internal/notify"
	"github.com/canyouhack-org/sandboxd/internal/ptybridge"
	"github.com/canyouhack-org/sandboxd/internal/session"
	"github.com/canyouhack-org/sandboxd/internal/treestore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires every component to HTTP and WebSocket handlers.
type Server struct {
	driver  *containerdrv.Driver
	store   *treestore.Store
	mat     *materializer.Materializer
	sess    *session.Manager
	bridge  *ptybridge.Bridge
	intake  *fsintake.Intake
	bus     *notify.Bus
	log     zerolog.Logger
}

func New(
	driver *containerdrv.Driver,
	store *treestore.Store,
	mat *materializer.Materializer,
	sess *session.Manager,
	bridge *ptybridge.Bridge,
	intake *fsintake.Intake,
	bus *notify.Bus,
	log zerolog.Logger,
) *Server {
	return &Server{driver: driver, store: store, mat: mat, sess: sess, bridge: bridge, intake: intake, bus: bus, log: log}
}

// Handler builds the full CORS-wrapped mux, the teacher's rs/cors-over-mux
// pattern from main.go.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/terminal/start", s.handleTerminalStart)
	mux.HandleFunc("/terminal/cleanup/", s.handleTerminalCleanup)
	mux.HandleFunc("/terminal/ws/", s.handleTerminalWS)
	mux.HandleFunc("/terminal/", s.handleTerminalByID)

	mux.HandleFunc("/api/fs-event", s.handleFSEvent)
	mux.HandleFunc("/api/files/", s.handleFiles)
	mux.HandleFunc("/run", s.handleRun)

	mux.HandleFunc("/db_update/ws/", s.handleDBUpdateWS)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	return c.Handler(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError shapes an error into the {detail:string} envelope of §6, using
// the status mapping of §7.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindAccessDenied:
		status = http.StatusForbidden
	case apperr.KindContainerUnavailable, apperr.KindContainerGone:
		status = http.StatusServiceUnavailable
	case apperr.KindTransport:
		status = http.StatusBadGateway
	case apperr.KindInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func (s *Server) handleTerminalStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing user_id"})
		return
	}

	rec, isNew, err := s.sess.StartSession(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":        rec.SessionID,
		"container_id":      rec.ContainerID,
		"is_new_container":  isNew,
	})
}

func (s *Server) handleTerminalByID(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimPrefix(r.URL.Path, "/terminal/")
	if sid == "" || strings.Contains(sid, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := s.sess.Lookup(sid); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "unknown session"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "RUNNING"})
	case http.MethodDelete:
		if _, ok := s.sess.Lookup(sid); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "unknown session"})
			return
		}
		s.sess.EndSession(sid)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTerminalCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/terminal/cleanup/")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing user_id"})
		return
	}
	if err := s.sess.CleanupUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "cleaned up"})
}

func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimPrefix(r.URL.Path, "/terminal/ws/")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("terminal ws upgrade failed")
		return
	}
	s.bridge.Attach(r.Context(), conn, sid)
}

func (s *Server) handleDBUpdateWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/db_update/ws/")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("notify ws upgrade failed")
		return
	}
	s.bus.Subscribe(userID, conn)
}

func (s *Server) handleFSEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev fsintake.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
		return
	}
	// The intake itself absorbs Conflict for idempotent verbs (touch/mkdir
	// on an existing leaf); any Conflict it returns is propagated.
	if err := s.intake.Handle(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/files/")
	parts := strings.SplitN(rest, "/", 2)

	switch r.Method {
	case http.MethodGet:
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		s.handleGetFile(w, r, parts[0], parts[1])
	case http.MethodPut:
		if len(parts) != 1 {
			http.NotFound(w, r)
			return
		}
		s.handlePutFile(w, r, parts[0])
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, sid, name string) {
	rec, ok := s.sess.Lookup(sid)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "unknown session"})
		return
	}
	id, isDir, ok, err := s.store.Resolve(r.Context(), rec.UserID, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok || isDir {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "file not found"})
		return
	}
	tree, err := s.store.Tree(r.Context(), rec.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	node := findNode(tree, id)
	if node == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "file not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": node.Content})
}

func findNode(nodes []*treestore.Node, id int64) *treestore.Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
		if found := findNode(n.Children, id); found != nil {
			return found
		}
	}
	return nil
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request, fileID string) {
	var req struct {
		Content  string `json:"content"`
		UserID   string `json:"userId"`
		FilePath string `json:"filePath,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
		return
	}

	id, err := parseID(fileID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid file id"})
		return
	}

	if err := s.store.UpdateContent(r.Context(), req.UserID, id, req.Content); err != nil {
		writeError(w, err)
		return
	}

	if req.FilePath != "" {
		if h, ok := s.containerFor(r.Context(), req.UserID); ok {
			if err := s.mat.PushFile(r.Context(), h, req.FilePath, []byte(req.Content)); err != nil {
				s.log.Warn().Err(err).Msg("push_file after edit failed")
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// containerFor finds the handle for a user's currently tracked container by
// asking the driver directly (the API layer has no session keyed by
// user_id, only by session_id, per §3).
func (s *Server) containerFor(ctx context.Context, userID string) (containerdrv.Handle, bool) {
	managed, err := s.driver.ListManaged(ctx)
	if err != nil {
		return containerdrv.Handle{}, false
	}
	for _, h := range managed {
		if u, err := s.driver.UserOf(ctx, h); err == nil && u == userID {
			return h, true
		}
	}
	return containerdrv.Handle{}, false
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID      string `json:"user_id"`
		FilePath    string `json:"file_path"`
		WorkingDir  string `json:"working_dir,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
		return
	}

	h, ok := s.containerFor(r.Context(), req.UserID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no container for user"})
		return
	}

	argv := []string{"python3", req.FilePath}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	exitCode, output, err := s.driver.ExecOneshot(ctx, h, argv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exit_code": exitCode,
		"output":    string(output),
	})
}

func parseID(s string) (int64, error) {
	var id int64
	var neg bool
	rest := s
	if strings.HasPrefix(rest, "-") {
		neg = true
		rest = rest[1:]
	}
	if rest == "" {
		return 0, apperr.New(apperr.KindValidation, "empty id")
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return 0, apperr.New(apperr.KindValidation, "invalid id")
		}
		id = id*10 + int64(c-'0')
	}
	if neg {
		id = -id
	}
	return id, nil
}

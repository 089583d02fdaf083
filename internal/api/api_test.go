package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
	"github.com/canyouhack-org/sandboxd/internal/fsintake"
	"github.com/canyouhack-org/sandboxd/internal/notify"
	"github.com/canyouhack-org/sandboxd/internal/session"
	"github.com/canyouhack-org/sandboxd/internal/treestore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := treestore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := notify.New(zerolog.Nop())
	intake := fsintake.New(store, bus, zerolog.Nop())
	sess := &session.Manager{}

	return New(nil, store, nil, sess, nil, intake, bus, zerolog.Nop())
}

func TestHandleTerminalByIDUnknownSessionIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/terminal/does-not-exist", nil)
	w := httptest.NewRecorder()

	s.handleTerminalByID(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unknown session", body["detail"])
}

func TestHandleTerminalByIDRejectsNestedPath(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/terminal/abc/def", nil)
	w := httptest.NewRecorder()

	s.handleTerminalByID(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleFSEventHappyPathTouch(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(fsintake.Event{UserID: "alice", Cmd: "touch a.txt", Cwd: "/workspace"})
	req := httptest.NewRequest(http.MethodPost, "/api/fs-event", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleFSEvent(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp["ok"])

	id, isDir, ok, err := s.store.Resolve(context.Background(), "alice", "a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, isDir)
	assert.NotZero(t, id)
}

func TestHandleFSEventIdempotentTouchReturnsOK(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(fsintake.Event{UserID: "alice", Cmd: "touch a.txt", Cwd: "/workspace"})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/fs-event", bytes.NewReader(body))
		w := httptest.NewRecorder()
		s.handleFSEvent(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestHandleFSEventPathEscapeIs400(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(fsintake.Event{UserID: "alice", Cmd: "touch ../etc/passwd", Cwd: "/workspace"})
	req := httptest.NewRequest(http.MethodPost, "/api/fs-event", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleFSEvent(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFilesGetUnknownSessionIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/files/nope/a.txt", nil)
	w := httptest.NewRecorder()

	s.handleFiles(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePutFilePersistsContent(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	node, err := s.store.CreateNode(ctx, "alice", nil, "main.py", false, "old")
	require.NoError(t, err)

	putBody, _ := json.Marshal(map[string]string{"content": "print(1)\n", "userId": "alice"})
	req := httptest.NewRequest(http.MethodPut, "/api/files/"+strconv.FormatInt(node.ID, 10), bytes.NewReader(putBody))
	w := httptest.NewRecorder()
	s.handleFiles(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	tree, err := s.store.Tree(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, "print(1)\n", tree[0].Content)
}

func TestWriteErrorMapsKindsToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.KindValidation, "bad"), http.StatusBadRequest},
		{apperr.New(apperr.KindNotFound, "missing"), http.StatusNotFound},
		{apperr.New(apperr.KindConflict, "dup"), http.StatusConflict},
		{apperr.New(apperr.KindAccessDenied, "denied"), http.StatusForbidden},
		{apperr.New(apperr.KindContainerUnavailable, "down"), http.StatusServiceUnavailable},
		{apperr.New(apperr.KindTransport, "net"), http.StatusBadGateway},
		{apperr.New(apperr.KindInternal, "oops"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		writeError(w, tc.err)
		assert.Equal(t, tc.want, w.Code)
	}
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseID("")
	assert.Error(t, err)

	_, err = parseID("abc")
	assert.Error(t, err)
}

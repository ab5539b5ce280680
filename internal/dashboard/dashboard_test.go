package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewsync/internal/orchestrator"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

type fakeController struct {
	status   orchestrator.Status
	syncErr  error
	syncs    int
	download int
}

func (f *fakeController) Status(context.Context) orchestrator.Status { return f.status }

func (f *fakeController) ForceSync(context.Context) (orchestrator.Result, error) {
	f.syncs++
	if f.syncErr != nil {
		return orchestrator.Result{}, f.syncErr
	}
	return orchestrator.Result{Trigger: orchestrator.TriggerForce, Attempted: 2, Succeeded: 2}, nil
}

func (f *fakeController) DownloadAll(context.Context) (int, error) {
	return f.download, nil
}

func startServer(t *testing.T, ctrl Controller) *Server {
	t.Helper()
	srv := NewServer(ctrl, &Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+srv.GetAddr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(&fakeController{}, &Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, srv.Start())
	assert.NotEmpty(t, srv.GetAddr())
	require.NoError(t, srv.Stop())
}

func TestServer_StatusEndpoint(t *testing.T) {
	ctrl := &fakeController{status: orchestrator.Status{
		State:                 orchestrator.StateOnlineIdle,
		IsOnline:              true,
		PendingOperationCount: 4,
	}}
	srv := startServer(t, ctrl)

	resp, err := http.Get("http://" + srv.GetAddr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got orchestrator.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, orchestrator.StateOnlineIdle, got.State)
	assert.Equal(t, 4, got.PendingOperationCount)
}

func TestServer_SyncEndpoint(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, http.StatusOK},
		{"offline", orchestrator.ErrOffline, http.StatusServiceUnavailable},
		{"busy", orchestrator.ErrSyncInProgress, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{syncErr: tt.err}
			srv := startServer(t, ctrl)

			resp, err := http.Post("http://"+srv.GetAddr()+"/sync", "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, 1, ctrl.syncs)
		})
	}
}

func TestServer_DownloadEndpoint(t *testing.T) {
	srv := startServer(t, &fakeController{download: 12})

	resp, err := http.Post("http://"+srv.GetAddr()+"/download", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 12, body["records"])
}

func TestWebSocket_WelcomeAndBroadcast(t *testing.T) {
	ctrl := &fakeController{status: orchestrator.Status{State: orchestrator.StateOffline}}
	srv := startServer(t, ctrl)
	h := NewHandler(srv, nil, nil)

	conn := dial(t, srv)
	welcome := readMessage(t, conn)
	assert.Equal(t, MessageTypeStatus, welcome.Type)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.OnStatus(orchestrator.Status{State: orchestrator.StateSyncing, IsOnline: true, IsSyncing: true})
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeStatus, msg.Type)

	var status orchestrator.Status
	require.NoError(t, json.Unmarshal(msg.Data, &status))
	assert.Equal(t, orchestrator.StateSyncing, status.State)
}

func TestWebSocket_ClientDisconnect(t *testing.T) {
	srv := startServer(t, &fakeController{})
	conn := dial(t, srv)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_DataChangedAndDropped(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "crewsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	task := &schema.Task{ID: "offline_1", Title: "Inspect generator", CreatedAt: now, UpdatedAt: now}
	task.SetDefaults()
	require.NoError(t, db.Put(ctx, task, store.OriginLocal))

	srv := startServer(t, &fakeController{})
	h := NewHandler(srv, db, nil)
	conn := dial(t, srv)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	signals := make(chan struct{}, 1)
	go h.Run(ctx, signals)
	signals <- struct{}{}

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeDataChanged, msg.Type)
	var stats StatsData
	require.NoError(t, json.Unmarshal(msg.Data, &stats))
	assert.Equal(t, 1, stats.Counts[schema.CollectionTasks])
	assert.Equal(t, 1, stats.TasksByStatus[schema.StatusPending])
	assert.Equal(t, 1, stats.Offline)
	assert.Equal(t, stats, h.GetStats())

	op := &schema.Operation{ID: "op_1", Kind: schema.OpCreate, Collection: schema.CollectionTasks, RecordID: "offline_1"}
	h.OnDropped(op, errors.New("remote rejected"))
	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeDropped, msg.Type)
	assert.Contains(t, string(msg.Data), "remote rejected")
}

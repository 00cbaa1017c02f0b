package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cerberus/daemon/internal/app"
	"github.com/cerberus/daemon/internal/server"
	"github.com/cerberus/daemon/internal/state"
	"github.com/cerberus/daemon/internal/store"
)

// fakeCore records the probe/admin calls the server dispatches.
type fakeCore struct {
	mu            sync.Mutex
	screenStates  []bool
	notifications []string
	dozeHints     []string
	policies      map[string]app.Policy
	settings      store.MasterConfig
	cleared       bool
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		policies: make(map[string]app.Policy),
		settings: store.DefaultMasterConfig(),
	}
}

func (f *fakeCore) HandleScreenState(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenStates = append(f.screenStates, on)
}

func (f *fakeCore) HandleNotification(pkg string, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, pkg)
}

func (f *fakeCore) HandleForegroundHint(string, int) {}

func (f *fakeCore) ApplyDozeHint(stateName, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dozeHints = append(f.dozeHints, stateName)
}

func (f *fakeCore) SetPolicy(_ context.Context, pkg string, p app.Policy) error {
	if pkg == "com.android.systemui" {
		return state.ErrSafetyNet
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[pkg] = p
	return nil
}

func (f *fakeCore) Policies(context.Context) ([]store.PolicyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var recs []store.PolicyRecord
	for pkg, p := range f.policies {
		recs = append(recs, store.PolicyRecord{Package: pkg, Policy: p})
	}
	return recs, nil
}

func (f *fakeCore) Settings() store.MasterConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeCore) SetSettings(_ context.Context, cfg store.MasterConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = cfg
	return nil
}

func (f *fakeCore) ClearStats(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeCore) Snapshot() state.DashboardSnapshot {
	return state.DashboardSnapshot{DozeState: "ACTIVE"}
}

// fakeHistory serves canned event/stat rows.
type fakeHistory struct{}

func (fakeHistory) Events(_ context.Context, limit, _ int) ([]store.EventRecord, error) {
	recs := []store.EventRecord{
		{ID: 2, Timestamp: time.Now(), Type: store.EventAppFrozen},
		{ID: 1, Timestamp: time.Now(), Type: store.EventDaemonStart},
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs, nil
}

func (fakeHistory) ResourceStats(context.Context) ([]store.ResourceStat, error) {
	return []store.ResourceStat{{Package: "com.example.app", BackgroundCPUSecs: 12.5, FrozenSessions: 3}}, nil
}

// testClient wraps a dialled IPC connection.
type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

// startServer runs a Server on a filesystem socket and dials it.
func startServer(t *testing.T, core server.Core) (*testClient, *server.Server) {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "cerberus.sock")
	srv := server.New(sockPath, core, fakeHistory{}, nil, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}, srv
}

// sendFrame writes one frame as a JSON line.
func (c *testClient) sendFrame(frameType, reqID string, payload any) {
	c.t.Helper()
	frame := map[string]any{"v": 1, "type": frameType}
	if reqID != "" {
		frame["req_id"] = reqID
	}
	if payload != nil {
		frame["payload"] = payload
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatal(err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

// readFrame reads the next frame with a deadline.
func (c *testClient) readFrame() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(line, &frame); err != nil {
		c.t.Fatalf("decode frame %q: %v", line, err)
	}
	return frame
}

func TestHealthCheck_ReportsProbeLiveness(t *testing.T) {
	c, _ := startServer(t, newFakeCore())

	c.sendFrame("query.health_check", "rq1", nil)
	resp := c.readFrame()
	if resp["type"] != "resp.health_check" || resp["req_id"] != "rq1" {
		t.Fatalf("unexpected response envelope: %v", resp)
	}
	payload := resp["payload"].(map[string]any)
	if payload["is_probe_connected"] != false {
		t.Error("probe reported connected before any event")
	}

	// Any event.* frame marks the probe alive.
	c.sendFrame("event.screen_on", "", nil)
	c.sendFrame("query.health_check", "rq2", nil)
	resp = c.readFrame()
	payload = resp["payload"].(map[string]any)
	if payload["is_probe_connected"] != true {
		t.Error("probe not reported connected after an event")
	}
}

func TestEvents_DispatchToCore(t *testing.T) {
	core := newFakeCore()
	c, _ := startServer(t, core)

	c.sendFrame("event.screen_off", "", nil)
	c.sendFrame("event.notification_post", "", map[string]any{"package_name": "com.example.app", "user_id": 0})
	c.sendFrame("event.doze_state_changed", "", map[string]any{"state": "IDLE", "debug": "probe"})

	// Events are fire-and-forget; use a query as a barrier.
	c.sendFrame("query.health_check", "rq", nil)
	c.readFrame()

	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.screenStates) != 1 || core.screenStates[0] != false {
		t.Errorf("screenStates = %v, want [false]", core.screenStates)
	}
	if len(core.notifications) != 1 || core.notifications[0] != "com.example.app" {
		t.Errorf("notifications = %v", core.notifications)
	}
	if len(core.dozeHints) != 1 || core.dozeHints[0] != "IDLE" {
		t.Errorf("dozeHints = %v", core.dozeHints)
	}
}

func TestSetPolicy_SafetyNetRejectionResponse(t *testing.T) {
	core := newFakeCore()
	c, _ := startServer(t, core)

	c.sendFrame("cmd.set_policy", "rq1", map[string]any{"package_name": "com.android.systemui", "policy": 3})
	resp := c.readFrame()
	if resp["type"] != "resp.set_policy" {
		t.Fatalf("response type = %v", resp["type"])
	}
	payload := resp["payload"].(map[string]any)
	if payload["ok"] != false {
		t.Error("safety-net set_policy not rejected")
	}
	if payload["error"] == nil || payload["error"] == "" {
		t.Error("rejection carries no error message")
	}

	core.mu.Lock()
	if _, ok := core.policies["com.android.systemui"]; ok {
		t.Error("rejected policy was stored")
	}
	core.mu.Unlock()
}

func TestSetPolicy_Accepted(t *testing.T) {
	core := newFakeCore()
	c, _ := startServer(t, core)

	c.sendFrame("cmd.set_policy", "rq1", map[string]any{"package_name": "com.example.app", "policy": 2})
	resp := c.readFrame()
	payload := resp["payload"].(map[string]any)
	if payload["ok"] != true {
		t.Fatalf("set_policy rejected: %v", payload)
	}

	core.mu.Lock()
	if core.policies["com.example.app"] != app.PolicyStandard {
		t.Errorf("policy = %v, want STANDARD", core.policies["com.example.app"])
	}
	core.mu.Unlock()
}

func TestQueryLogs_ReturnsEvents(t *testing.T) {
	c, _ := startServer(t, newFakeCore())

	c.sendFrame("query.get_logs", "rq1", map[string]any{"limit": 10, "offset": 0})
	resp := c.readFrame()
	if resp["type"] != "resp.logs" {
		t.Fatalf("response type = %v", resp["type"])
	}
	entries := resp["payload"].([]any)
	if len(entries) != 2 {
		t.Errorf("len(logs) = %d, want 2", len(entries))
	}
}

func TestQueryResourceStats(t *testing.T) {
	c, _ := startServer(t, newFakeCore())

	c.sendFrame("query.get_resource_stats", "rq1", nil)
	resp := c.readFrame()
	entries := resp["payload"].([]any)
	if len(entries) != 1 {
		t.Fatalf("len(stats) = %d, want 1", len(entries))
	}
	entry := entries[0].(map[string]any)
	if entry["package_name"] != "com.example.app" {
		t.Errorf("entry = %v", entry)
	}
}

func TestBroadcastDashboard_ReachesClient(t *testing.T) {
	core := newFakeCore()
	c, srv := startServer(t, core)

	// Wait until the server has registered the client before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for !srv.HasClients() {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.BroadcastDashboard(core.Snapshot())
	frame := c.readFrame()
	if frame["type"] != "stream.dashboard_update" {
		t.Fatalf("frame type = %v", frame["type"])
	}
	payload := frame["payload"].(map[string]any)
	if payload["doze_state"] != "ACTIVE" {
		t.Errorf("dashboard payload = %v", payload)
	}
}

func TestRestartCommand_InvokesCallback(t *testing.T) {
	restarted := make(chan struct{}, 1)
	sockPath := filepath.Join(t.TempDir(), "cerberus.sock")
	srv := server.New(sockPath, newFakeCore(), fakeHistory{}, nil, func() {
		restarted <- struct{}{}
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	c := &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}

	c.sendFrame("cmd.restart_daemon", "rq1", nil)
	resp := c.readFrame()
	if resp["payload"].(map[string]any)["ok"] != true {
		t.Error("restart not acknowledged")
	}
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("restart callback not invoked")
	}
}

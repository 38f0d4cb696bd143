package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelstreet/virtualpytest/internal/ai"
	kvcache "github.com/angelstreet/virtualpytest/internal/cache"
	"github.com/angelstreet/virtualpytest/internal/command"
	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/control/lock"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	navcache "github.com/angelstreet/virtualpytest/internal/navigation/cache"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
	"github.com/angelstreet/virtualpytest/internal/navigation/pathfind"
	"github.com/angelstreet/virtualpytest/internal/navigation/store"
	"github.com/angelstreet/virtualpytest/internal/navigation/validate"
	"github.com/angelstreet/virtualpytest/internal/persistence/sqlite"
	"github.com/angelstreet/virtualpytest/internal/reference"
)

// countingLoader wraps the real store loader so tests can assert whether a
// snapshot was rebuilt or served warm.
type countingLoader struct {
	inner *navcache.StoreLoader
	loads atomic.Int64
}

func (l *countingLoader) LoadResolvedTree(ctx context.Context, treeID string) (*navcache.ResolvedTree, error) {
	l.loads.Add(1)
	return l.inner.LoadResolvedTree(ctx, treeID)
}

type testEnv struct {
	srv         *httptest.Server
	trees       *store.Store
	cache       *navcache.Cache
	loader      *countingLoader
	captureRoot string
}

// newTestEnv assembles a full server over sqlite, with one configured host
// pointing at hostURL. aiURL may be empty; translation is then unavailable.
func newTestEnv(t *testing.T, hostURL, aiURL string) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "orchestrator.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := command.NewRegistry(db)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterSet(ctx, "androidtv", command.RemoteSet()))
	require.NoError(t, reg.RegisterSet(ctx, "androidtv", command.ADBSet()))

	refs, err := reference.NewStore(db, "default", t.TempDir())
	require.NoError(t, err)

	trees, err := store.New(db)
	require.NoError(t, err)

	mem := kvcache.NewMemory(0)
	t.Cleanup(mem.Close)
	loader := &countingLoader{inner: &navcache.StoreLoader{Trees: trees, References: refs, Commands: reg}}
	cache := navcache.New(mem, loader, time.Hour)
	trees.SetInvalidateHook(cache.Invalidate)

	hosts := []config.HostConfig{{Name: "host1", URL: hostURL, Devices: []string{"device1"}}}
	leases := lock.NewManager(lock.NewMemoryStore(), lock.NewConfigDirectory(hosts), nil, lock.Options{
		Heartbeat: time.Minute,
	})
	px := proxy.New(hosts, leases, config.ProxyConfig{OpTimeout: 2 * time.Second, RetryDelay: 10 * time.Millisecond})

	captureRoot := t.TempDir()

	cfg := config.Default()
	cfg.Hosts = hosts
	cfg.Capture.Root = captureRoot
	cfg.Server.RateLimitRPS = 0

	var aiSvc *ai.Client
	if aiURL != "" {
		aiSvc = ai.New(config.AIConfig{BaseURL: aiURL, Timeout: 2 * time.Second})
	}

	s := New(cfg, leases, px, trees, cache, pathfind.New(pathfind.NewCacheSource(cache, trees)), validate.New(reg), aiSvc)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, trees: trees, cache: cache, loader: loader, captureRoot: captureRoot}
}

func (e *testEnv) post(t *testing.T, path, sessionID string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(proxy.SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func mainTree() model.Tree {
	return model.Tree{
		ID:          "tree-main",
		Name:        "Main",
		InterfaceID: "iface-1",
		DeviceModel: "androidtv",
		Nodes: []model.Node{
			{ID: "home", Label: "Home", Type: model.NodeEntry, IsRoot: true},
			{ID: "settings", Label: "Settings", Type: model.NodeScreen},
		},
		Edges: []model.Edge{
			{
				ID: "e1", Source: "home", Target: "settings",
				ActionSets: []model.ActionSet{{
					ID:      "fwd",
					Actions: []model.Action{{Command: "press_key", Params: map[string]any{"key": "DOWN"}}},
				}},
				DefaultActionSetID: "fwd",
			},
		},
	}
}

func saveTreeBody(tree model.Tree) map[string]any {
	return map[string]any{
		"name":             tree.Name,
		"userinterface_id": tree.InterfaceID,
		"tree_data":        tree,
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	code, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestTakeControlContention(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")

	code, body := env.post(t, "/server/control/takeControl", "", map[string]any{
		"host_name": "host1", "device_id": "device1", "session_id": "sess-a", "user_id": "alice",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["expires_at"])

	// Second session is rejected and told who holds the device.
	code, body = env.post(t, "/server/control/takeControl", "", map[string]any{
		"host_name": "host1", "device_id": "device1", "session_id": "sess-b", "user_id": "bob",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "device_locked", body["error_type"])
	assert.Equal(t, "alice", body["locked_by"])

	// A non-owner cannot release.
	code, body = env.post(t, "/server/control/releaseControl", "", map[string]any{
		"host_name": "host1", "device_id": "device1", "session_id": "sess-b",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "device_locked", body["error_type"])

	code, _ = env.post(t, "/server/control/releaseControl", "", map[string]any{
		"host_name": "host1", "device_id": "device1", "session_id": "sess-a",
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = env.post(t, "/server/control/takeControl", "", map[string]any{
		"host_name": "host1", "device_id": "device1", "session_id": "sess-b", "user_id": "bob",
	})
	assert.Equal(t, http.StatusOK, code)
}

func TestTakeControlUnknownDevice(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	code, body := env.post(t, "/server/control/takeControl", "", map[string]any{
		"host_name": "host1", "device_id": "ghost", "session_id": "s", "user_id": "u",
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "device_not_found", body["error_type"])
}

func TestExecuteCommandRequiresLease(t *testing.T) {
	var gotSession atomic.Value
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession.Store(r.Header.Get(proxy.SessionHeader))
		_ = json.NewEncoder(w).Encode(proxy.ActionResult{
			Command: "press_key", Success: true, Output: map[string]any{"key": "OK"},
		})
	}))
	defer host.Close()
	env := newTestEnv(t, host.URL, "")

	// No lease: the proxy refuses before touching the host.
	code, body := env.post(t, "/server/remote/executeCommand", "sess-a", map[string]any{
		"host_name": "host1", "device_id": "device1", "command": "press_key",
		"params": map[string]any{"key": "OK"},
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "lease_expired", body["error_type"])

	code, _ = env.post(t, "/server/control/takeControl", "", map[string]any{
		"host_name": "host1", "device_id": "device1", "session_id": "sess-a", "user_id": "alice",
	})
	require.Equal(t, http.StatusOK, code)

	// Wrong session: locked by the owner.
	code, body = env.post(t, "/server/remote/executeCommand", "sess-b", map[string]any{
		"host_name": "host1", "device_id": "device1", "command": "press_key",
		"params": map[string]any{"key": "OK"},
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "device_locked", body["error_type"])
	assert.Equal(t, "alice", body["locked_by"])

	code, body = env.post(t, "/server/remote/executeCommand", "sess-a", map[string]any{
		"host_name": "host1", "device_id": "device1", "command": "press_key",
		"params": map[string]any{"key": "OK"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "sess-a", gotSession.Load())
}

func TestExecuteBatchProxied(t *testing.T) {
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/host/action/executeBatch", r.URL.Path)
		var req proxy.BatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		results := make([]proxy.ActionResult, len(req.Actions))
		for i, a := range req.Actions {
			results[i] = proxy.ActionResult{Command: a.Command, Success: true}
		}
		_ = json.NewEncoder(w).Encode(proxy.BatchResult{
			Success: true, Results: results,
			PassedCount: len(results), TotalCount: len(results),
		})
	}))
	defer host.Close()
	env := newTestEnv(t, host.URL, "")

	code, _ := env.post(t, "/server/control/takeControl", "", map[string]any{
		"host_name": "host1", "device_id": "device1", "session_id": "sess-a", "user_id": "alice",
	})
	require.Equal(t, http.StatusOK, code)

	code, body := env.post(t, "/server/action/executeBatch", "sess-a", map[string]any{
		"host": "host1", "device_id": "device1",
		"actions": []map[string]any{
			{"command": "press_key", "params": map[string]any{"key": "DOWN"}},
			{"command": "press_key", "params": map[string]any{"key": "OK"}},
		},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["total_count"])
}

func TestHostUnreachableIsNetworkError(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	code, _ := env.post(t, "/server/control/takeControl", "", map[string]any{
		"host_name": "host1", "device_id": "device1", "session_id": "sess-a", "user_id": "alice",
	})
	require.Equal(t, http.StatusOK, code)

	code, body := env.post(t, "/server/remote/executeCommand", "sess-a", map[string]any{
		"host_name": "host1", "device_id": "device1", "command": "press_key",
		"params": map[string]any{"key": "OK"},
	})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "network_error", body["error_type"])
}

func TestSaveTreeAndGetByInterface(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")

	code, body := env.post(t, "/server/navigationTrees/saveTree", "", saveTreeBody(mainTree()))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	code, body = env.get(t, "/server/navigationTrees/getTreeByUserInterfaceId/iface-1")
	require.Equal(t, http.StatusOK, code)
	tree, ok := body["tree"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tree-main", tree["tree_id"])
	assert.Equal(t, "androidtv", tree["device_model"])

	code, body = env.get(t, "/server/navigationTrees/getTreeByUserInterfaceId/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error_type"])
}

func TestSaveTreeRejectsUnknownCommand(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")

	tree := mainTree()
	tree.Edges[0].ActionSets[0].Actions = []model.Action{
		{Command: "press_keyy", Params: map[string]any{"key": "OK"}},
	}
	code, body := env.post(t, "/server/navigationTrees/saveTree", "", saveTreeBody(tree))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", body["error_type"])
	assert.Equal(t, "press_key", body["suggestion"])
	avail, ok := body["available_commands"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, avail, "remote")

	// Nothing was persisted.
	code, _ = env.get(t, "/server/navigationTrees/getTreeByUserInterfaceId/iface-1")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFindPathOverHTTP(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	code, _ := env.post(t, "/server/navigationTrees/saveTree", "", saveTreeBody(mainTree()))
	require.Equal(t, http.StatusOK, code)

	code, body := env.post(t, "/server/navigation/findPath", "", map[string]any{
		"tree_id": "tree-main", "from_node_id": "home", "to_node_id": "settings",
	})
	require.Equal(t, http.StatusOK, code)
	plan, ok := body["plan"].(map[string]any)
	require.True(t, ok)
	steps, ok := plan["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 1)

	// The only edge points home -> settings; the reverse walk fails.
	code, body = env.post(t, "/server/navigation/findPath", "", map[string]any{
		"tree_id": "tree-main", "from_node_id": "settings", "to_node_id": "home",
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "no_path", body["error_type"])
}

func TestUpdateNodePatchKeepsCacheWarm(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	ctx := context.Background()

	code, _ := env.post(t, "/server/navigationTrees/saveTree", "", saveTreeBody(mainTree()))
	require.Equal(t, http.StatusOK, code)

	snap, err := env.cache.Snapshot(ctx, "tree-main")
	require.NoError(t, err)
	require.EqualValues(t, 1, env.loader.loads.Load())
	orig, ok := snap.Tree.Node("settings")
	require.True(t, ok)
	require.Equal(t, "Settings", orig.Label)

	code, body := env.post(t, "/server/navigation/cache/update-node", "", map[string]any{
		"tree_id": "tree-main",
		"node":    model.Node{ID: "settings", Label: "Settings v2", Type: model.NodeScreen},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	// Read-your-writes without a rebuild.
	snap, err = env.cache.Snapshot(ctx, "tree-main")
	require.NoError(t, err)
	patched, ok := snap.Tree.Node("settings")
	require.True(t, ok)
	assert.Equal(t, "Settings v2", patched.Label)
	assert.EqualValues(t, 1, env.loader.loads.Load())

	// The write still reached the store.
	stored, err := env.trees.GetNode(ctx, "tree-main", "settings")
	require.NoError(t, err)
	assert.Equal(t, "Settings v2", stored.Label)
}

func TestUpdateNodeRejectsBadVerification(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	code, _ := env.post(t, "/server/navigationTrees/saveTree", "", saveTreeBody(mainTree()))
	require.Equal(t, http.StatusOK, code)

	code, body := env.post(t, "/server/navigation/cache/update-node", "", map[string]any{
		"tree_id": "tree-main",
		"node": model.Node{
			ID: "settings", Label: "Settings", Type: model.NodeScreen,
			Verifications: []model.Verification{{Command: "no_such_check", Type: model.VerifyADB}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", body["error_type"])
}

func TestUpdateEdgeOverHTTP(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	ctx := context.Background()
	code, _ := env.post(t, "/server/navigationTrees/saveTree", "", saveTreeBody(mainTree()))
	require.Equal(t, http.StatusOK, code)

	_, err := env.cache.Snapshot(ctx, "tree-main")
	require.NoError(t, err)

	edge := mainTree().Edges[0]
	edge.FinalWaitMS = 2500
	code, _ = env.post(t, "/server/navigation/cache/update-edge", "", map[string]any{
		"tree_id": "tree-main", "edge": edge,
	})
	require.Equal(t, http.StatusOK, code)

	snap, err := env.cache.Snapshot(ctx, "tree-main")
	require.NoError(t, err)
	require.Len(t, snap.Tree.Edges, 1)
	assert.Equal(t, 2500, snap.Tree.Edges[0].FinalWaitMS)
	assert.EqualValues(t, 1, env.loader.loads.Load())
}

func TestTranslateBatchPreservesShape(t *testing.T) {
	aiStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ai/translate", r.URL.Path)
		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([]string, len(req.Texts))
		for i, txt := range req.Texts {
			out[i] = "fr:" + txt
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"translations": out})
	}))
	defer aiStub.Close()
	env := newTestEnv(t, "http://127.0.0.1:1", aiStub.URL)

	code, body := env.post(t, "/server/translate/restart-batch", "", map[string]any{
		"host_name": "host1",
		"content_blocks": map[string]any{
			"video_summary":   "two scenes",
			"frame_subtitles": []string{"hello", "", "bye"},
			"transcript_segments": map[string]any{
				"texts":           []string{"bonjour", ""},
				"source_language": "fr",
			},
		},
		"target_language": "fr",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	// Per-block results come back nested under "translations".
	tr, ok := body["translations"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fr:two scenes", tr["video_summary"])

	subs, ok := tr["frame_subtitles"].([]any)
	require.True(t, ok)
	// Empty inputs stay empty at the same index.
	assert.Equal(t, []any{"fr:hello", "", "fr:bye"}, subs)

	segs, ok := tr["transcript_segments"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"fr:bonjour", ""}, segs)
}

func TestTranslateBatchUnavailableWithoutService(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	code, body := env.post(t, "/server/translate/restart-batch", "", map[string]any{
		"target_language": "fr",
	})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "stream_service_error", body["error_type"])
}

func TestCaptureFileServer(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")

	dir := filepath.Join(env.captureRoot, "host1", "device1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "capture_1.jpg"), []byte("jpeg-bytes"), 0o644))
	// A file outside the root that traversal would reach.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(env.captureRoot), "secret.txt"), []byte("nope"), 0o644))

	resp, err := http.Get(env.srv.URL + "/captures/host1/device1/capture_1.jpg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Encoded dot-dot segments are rejected, not resolved.
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/captures/%2e%2e/secret.txt", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)

	// Double-encoded traversal.
	req, err = http.NewRequest(http.MethodGet, env.srv.URL+"/captures/%252e%252e/secret.txt", nil)
	require.NoError(t, err)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp3.StatusCode)

	// Writes are never accepted.
	resp4, err := http.Post(env.srv.URL+"/captures/host1/device1/capture_1.jpg", "text/plain", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp4.StatusCode)

	resp5, err := http.Get(env.srv.URL + "/captures/host1/device1/missing.jpg")
	require.NoError(t, err)
	defer resp5.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp5.StatusCode)
}

func TestBadJSONBodyIsBadRequest(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", "")
	resp, err := http.Post(env.srv.URL+"/server/control/takeControl", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

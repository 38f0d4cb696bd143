package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/angelstreet/virtualpytest/internal/control/proxy"
)

// ADBExecutor drives Android devices through the adb binary. Devices are
// addressed by serial; the mapping is fixed at agent start.
type ADBExecutor struct {
	bin     string
	serials map[string]string // device id -> adb serial
	timeout time.Duration
}

// NewADBExecutor builds an adb executor. bin defaults to "adb".
func NewADBExecutor(bin string, serials map[string]string, timeout time.Duration) *ADBExecutor {
	if bin == "" {
		bin = "adb"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ADBExecutor{bin: bin, serials: serials, timeout: timeout}
}

func (e *ADBExecutor) Execute(ctx context.Context, deviceID string, req proxy.ActionRequest) proxy.ActionResult {
	serial, ok := e.serials[deviceID]
	if !ok {
		return failure(fmt.Sprintf("no adb serial mapped for device %s", deviceID))
	}
	args, err := adbArgs(req)
	if err != nil {
		return failure(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, e.bin, append([]string{"-s", serial}, args...)...) // #nosec G204 -- args built from validated command specs
	out, err := cmd.CombinedOutput()
	if err != nil {
		return proxy.ActionResult{
			Success: false,
			Error:   fmt.Sprintf("adb %s: %v", strings.Join(args, " "), err),
			Output:  map[string]any{"stderr": string(out)},
		}
	}
	return proxy.ActionResult{Success: true, Output: map[string]any{"stdout": string(out)}}
}

func adbArgs(req proxy.ActionRequest) ([]string, error) {
	switch req.Command {
	case "press_key":
		key, _ := req.Params["key"].(string)
		if key == "" {
			return nil, fmt.Errorf("press_key needs params.key")
		}
		return []string{"shell", "input", "keyevent", key}, nil
	case "click":
		x, xok := numParam(req.Params, "x")
		y, yok := numParam(req.Params, "y")
		if !xok || !yok {
			return nil, fmt.Errorf("click needs params.x and params.y")
		}
		return []string{"shell", "input", "tap", fmt.Sprintf("%d", x), fmt.Sprintf("%d", y)}, nil
	case "type_text":
		text, _ := req.Params["text"].(string)
		return []string{"shell", "input", "text", strings.ReplaceAll(text, " ", "%s")}, nil
	case "launch_app":
		pkg, _ := req.Params["package"].(string)
		if pkg == "" {
			return nil, fmt.Errorf("launch_app needs params.package")
		}
		return []string{"shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1"}, nil
	case "back":
		return []string{"shell", "input", "keyevent", "KEYCODE_BACK"}, nil
	default:
		return nil, fmt.Errorf("command %q has no adb mapping", req.Command)
	}
}

func numParam(params map[string]any, name string) (int, bool) {
	switch v := params[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// HTTPExecutor forwards commands to a per-device companion service, used
// for both network remotes and browser automation endpoints.
type HTTPExecutor struct {
	urls   map[string]string // device id -> service base URL
	path   string
	client *http.Client
}

// NewHTTPExecutor builds an executor POSTing to baseURL+path per device.
func NewHTTPExecutor(urls map[string]string, path string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPExecutor{urls: urls, path: path, client: &http.Client{Timeout: timeout}}
}

func (e *HTTPExecutor) Execute(ctx context.Context, deviceID string, req proxy.ActionRequest) proxy.ActionResult {
	base, ok := e.urls[deviceID]
	if !ok {
		return failure(fmt.Sprintf("no service URL mapped for device %s", deviceID))
	}

	payload, err := json.Marshal(map[string]any{
		"command":   req.Command,
		"params":    req.Params,
		"device_id": deviceID,
	})
	if err != nil {
		return failure(err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+e.path, bytes.NewReader(payload))
	if err != nil {
		return failure(err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return failure(fmt.Sprintf("device service unreachable: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	var result proxy.ActionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return failure(fmt.Sprintf("device service replied %d with unreadable body", resp.StatusCode))
	}
	if resp.StatusCode >= 400 && result.Error == "" {
		result.Success = false
		result.Error = fmt.Sprintf("device service replied %d", resp.StatusCode)
	}
	return result
}

// IRExecutor sends infrared key presses through lirc's irsend.
type IRExecutor struct {
	bin     string
	remotes map[string]string // device id -> lirc remote name
	timeout time.Duration
}

// NewIRExecutor builds an irsend-backed executor.
func NewIRExecutor(bin string, remotes map[string]string, timeout time.Duration) *IRExecutor {
	if bin == "" {
		bin = "irsend"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IRExecutor{bin: bin, remotes: remotes, timeout: timeout}
}

func (e *IRExecutor) Execute(ctx context.Context, deviceID string, req proxy.ActionRequest) proxy.ActionResult {
	remote, ok := e.remotes[deviceID]
	if !ok {
		return failure(fmt.Sprintf("no ir remote mapped for device %s", deviceID))
	}
	key, _ := req.Params["key"].(string)
	if key == "" {
		return failure("ir commands need params.key")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, e.bin, "SEND_ONCE", remote, key).CombinedOutput() // #nosec G204 -- remote name from static config
	if err != nil {
		return proxy.ActionResult{
			Success: false,
			Error:   fmt.Sprintf("irsend %s %s: %v", remote, key, err),
			Output:  map[string]any{"stderr": string(out)},
		}
	}
	return proxy.ActionResult{Success: true}
}

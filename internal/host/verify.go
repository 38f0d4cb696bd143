package host

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "image/jpeg" // reference crops and keyframes
	_ "image/png"

	"github.com/angelstreet/virtualpytest/internal/ai"
	"github.com/angelstreet/virtualpytest/internal/analysis"
	"github.com/angelstreet/virtualpytest/internal/capture"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

// ExecFunc dispatches transport-backed verifications (web, adb) through
// the agent's executors.
type ExecFunc func(ctx context.Context, deviceID string, req proxy.ActionRequest) proxy.ActionResult

// Verifier evaluates a node's verification list against live captures.
type Verifier struct {
	host     string
	captures *capture.Service
	exec     ExecFunc
	ocr      TextExtractor

	// imageMatchThreshold is the max mean luma difference (0-255) still
	// counted as a match.
	imageMatchThreshold float64
	screenshotTimeout   time.Duration
}

// TextExtractor is the minimal OCR hook: extract visible text from the
// frame at the given URL.
type TextExtractor interface {
	ExtractText(ctx context.Context, imageURL string) (string, error)
}

// AIExtractor adapts the AI service's subtitle OCR into a TextExtractor.
type AIExtractor struct {
	Client *ai.Client
}

func (a AIExtractor) ExtractText(ctx context.Context, imageURL string) (string, error) {
	res, err := a.Client.DetectSubtitles(ctx, imageURL)
	return res.Text, err
}

// NewVerifier builds a verifier for one host. ocr may be nil; text
// verifications then fail with an explicit error.
func NewVerifier(host string, captures *capture.Service, exec ExecFunc, ocr TextExtractor) *Verifier {
	return &Verifier{
		host:                host,
		captures:            captures,
		exec:                exec,
		ocr:                 ocr,
		imageMatchThreshold: 25,
		screenshotTimeout:   10 * time.Second,
	}
}

// Execute runs the verification list and combines outcomes under the
// pass condition (default: all).
func (v *Verifier) Execute(ctx context.Context, req proxy.VerificationRequest) proxy.VerificationResponse {
	resp := proxy.VerificationResponse{TotalCount: len(req.Verifications)}
	for _, ver := range req.Verifications {
		res := v.run(ctx, req.DeviceID, ver)
		res.Command = ver.Command
		resp.Results = append(resp.Results, res)
		if res.Success {
			resp.PassedCount++
		}
	}
	if req.PassCondition == model.PassAny {
		resp.Success = resp.PassedCount > 0
	} else {
		resp.Success = resp.PassedCount == resp.TotalCount
	}
	return resp
}

func (v *Verifier) run(ctx context.Context, deviceID string, ver model.Verification) proxy.VerificationResult {
	switch ver.Type {
	case model.VerifyImage:
		return v.verifyImage(ctx, deviceID, ver)
	case model.VerifyText:
		return v.verifyText(ctx, deviceID, ver)
	case model.VerifyVideo, model.VerifyAudio:
		return v.verifySignal(deviceID, ver)
	default:
		// web and adb checks execute on the device itself.
		if v.exec == nil {
			return verFailure("no executor available for transport verification")
		}
		res := v.exec(ctx, deviceID, proxy.ActionRequest{Command: ver.Command, Params: ver.Params, DeviceID: deviceID})
		return proxy.VerificationResult{Success: res.Success, Error: res.Error}
	}
}

// verifyImage compares the reference crop against the same region of a
// fresh screenshot by mean absolute luma difference.
func (v *Verifier) verifyImage(ctx context.Context, deviceID string, ver model.Verification) proxy.VerificationResult {
	refPath, _ := ver.Params["image_path"].(string)
	if refPath == "" {
		return verFailure("image verification needs params.image_path")
	}
	shot, err := v.captures.NextScreenshot(ctx, v.host, deviceID, v.screenshotTimeout)
	if err != nil {
		return verFailure(fmt.Sprintf("screenshot unavailable: %v", err))
	}

	area := areaFromParams(ver.Params)
	diff, err := regionDiff(refPath, shot, area)
	if err != nil {
		return verFailure(err.Error())
	}
	threshold := v.imageMatchThreshold
	if t, ok := floatParam(ver.Params, "threshold"); ok {
		threshold = t
	}
	if diff > threshold {
		return proxy.VerificationResult{
			Success: false,
			Error:   fmt.Sprintf("image mismatch: mean diff %.1f over threshold %.1f", diff, threshold),
		}
	}
	return proxy.VerificationResult{Success: true, Details: fmt.Sprintf("mean diff %.1f", diff)}
}

func (v *Verifier) verifyText(ctx context.Context, deviceID string, ver model.Verification) proxy.VerificationResult {
	expected, _ := ver.Params["text"].(string)
	if expected == "" {
		return verFailure("text verification needs params.text")
	}
	if v.ocr == nil {
		return verFailure("text verification unavailable: no OCR service configured")
	}
	shot, err := v.captures.NextScreenshot(ctx, v.host, deviceID, v.screenshotTimeout)
	if err != nil {
		return verFailure(fmt.Sprintf("screenshot unavailable: %v", err))
	}
	found, err := v.ocr.ExtractText(ctx, v.captures.URLFor(shot))
	if err != nil {
		return verFailure(fmt.Sprintf("text extraction failed: %v", err))
	}

	if pattern, ok := ver.Params["regex"].(string); ok && pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return verFailure(fmt.Sprintf("invalid regex: %v", err))
		}
		if !re.MatchString(found) {
			return proxy.VerificationResult{Success: false, Error: fmt.Sprintf("text %q does not match %q", found, pattern)}
		}
		return proxy.VerificationResult{Success: true, Details: found}
	}
	if !strings.Contains(strings.ToLower(found), strings.ToLower(expected)) {
		return proxy.VerificationResult{Success: false, Error: fmt.Sprintf("expected %q, screen shows %q", expected, found)}
	}
	return proxy.VerificationResult{Success: true, Details: found}
}

// verifySignal answers video/audio checks from the latest analysis
// sidecar instead of re-running detections.
func (v *Verifier) verifySignal(deviceID string, ver model.Verification) proxy.VerificationResult {
	info, err := v.captures.LatestJSON(v.host, deviceID)
	if err != nil {
		return verFailure(fmt.Sprintf("no analysis available: %v", err))
	}
	sc, err := analysis.ReadSidecar(info.Path)
	if err != nil {
		return verFailure(err.Error())
	}

	if ver.Type == model.VerifyAudio {
		if !sc.Analysis.Audio {
			return proxy.VerificationResult{Success: false, Error: fmt.Sprintf("no audio: %.1f dB", sc.Analysis.MeanVolumeDB)}
		}
		return proxy.VerificationResult{Success: true, Details: fmt.Sprintf("%.1f dB", sc.Analysis.MeanVolumeDB)}
	}
	if sc.Analysis.Blackscreen || sc.Analysis.Freeze {
		return proxy.VerificationResult{Success: false, Error: "video not playing: blackscreen or freeze on latest frame"}
	}
	return proxy.VerificationResult{Success: true}
}

func verFailure(msg string) proxy.VerificationResult {
	return proxy.VerificationResult{Success: false, Error: msg}
}

func areaFromParams(params map[string]any) *image.Rectangle {
	x, xok := floatParam(params, "x")
	y, yok := floatParam(params, "y")
	w, wok := floatParam(params, "w")
	h, hok := floatParam(params, "h")
	if !xok || !yok || !wok || !hok || w <= 0 || h <= 0 {
		return nil
	}
	r := image.Rect(int(x), int(y), int(x+w), int(y+h))
	return &r
}

func floatParam(params map[string]any, name string) (float64, bool) {
	switch v := params[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// regionDiff decodes both images and returns the mean absolute luma
// difference over the compared region. The reference is compared against
// the same-sized region of the screenshot (at area.Min, or the top-left
// corner when no area is given).
func regionDiff(refPath, shotPath string, area *image.Rectangle) (float64, error) {
	ref, err := decodeImage(refPath)
	if err != nil {
		return 0, fmt.Errorf("reference image: %w", err)
	}
	shot, err := decodeImage(shotPath)
	if err != nil {
		return 0, fmt.Errorf("screenshot: %w", err)
	}

	offset := image.Point{}
	if area != nil {
		offset = area.Min
	}
	rb := ref.Bounds()
	sb := shot.Bounds()

	var sum float64
	var n int
	for y := 0; y < rb.Dy(); y++ {
		for x := 0; x < rb.Dx(); x++ {
			sx, sy := sb.Min.X+offset.X+x, sb.Min.Y+offset.Y+y
			if sx >= sb.Max.X || sy >= sb.Max.Y {
				continue
			}
			sum += absDiff(lumaAt(ref, rb.Min.X+x, rb.Min.Y+y), lumaAt(shot, sx, sy))
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("compare region outside screenshot bounds")
	}
	return sum / float64(n), nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	return img, err
}

func lumaAt(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

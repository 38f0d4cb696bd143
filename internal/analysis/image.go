package analysis

import (
	"fmt"
	"image"
	"math"
	"os"

	_ "image/jpeg" // keyframes are JPEG
	_ "image/png"  // tests use lossless frames
)

// frameStats holds everything the detections need from one decoded frame,
// so the JPEG is decoded exactly once per frame.
type frameStats struct {
	meanLuma float64 // mean luma over the top two thirds
	darkFrac float64 // fraction of near-black pixels in that region
	grid     lumaGrid
}

// lumaGrid is the frame decimated to every 10th pixel in both axes. Frame
// diffs and macroblock scoring run on the grid, keeping per-frame cost
// flat regardless of resolution.
type lumaGrid struct {
	w, h int
	pix  []uint8
}

const gridStride = 10

func decodeFrame(path string, blackLumaThreshold float64) (frameStats, error) {
	f, err := os.Open(path) // #nosec G304 -- capture-root confined
	if err != nil {
		return frameStats{}, err
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return frameStats{}, fmt.Errorf("decode frame %s: %w", path, err)
	}
	return frameStatsOf(img, blackLumaThreshold), nil
}

func frameStatsOf(img image.Image, blackLumaThreshold float64) frameStats {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return frameStats{}
	}

	// UI chrome and subtitles live in the bottom third; blackscreen is
	// judged on the top two thirds only.
	regionH := h * 2 / 3
	if regionH == 0 {
		regionH = h
	}

	var lumaSum float64
	var dark, total int
	gw, gh := (w+gridStride-1)/gridStride, (h+gridStride-1)/gridStride
	grid := make([]uint8, 0, gw*gh)

	for y := 0; y < h; y++ {
		sampleRow := y%gridStride == 0
		inRegion := y < regionH
		if !sampleRow && !inRegion {
			continue
		}
		for x := 0; x < w; x++ {
			sample := sampleRow && x%gridStride == 0
			if !sample && !inRegion {
				continue
			}
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			l := luma(r, g, bl)
			if inRegion {
				lumaSum += l
				total++
				if l <= blackLumaThreshold {
					dark++
				}
			}
			if sample {
				// Round, don't truncate: freeze diffs compare grid values
				// against a strict threshold and must not drift by a count.
				grid = append(grid, uint8(math.Round(l)))
			}
		}
	}

	st := frameStats{grid: lumaGrid{w: gw, h: gh, pix: grid}}
	if total > 0 {
		st.meanLuma = lumaSum / float64(total)
		st.darkFrac = float64(dark) / float64(total)
	}
	return st
}

// luma converts 16-bit RGBA channels to 8-bit BT.601 luma.
func luma(r, g, b uint32) float64 {
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
}

// gridDiff is the mean absolute luma difference between two decimated
// grids. Grids of different shape (stream resolution change) diff as
// fully changed.
func gridDiff(a, b lumaGrid) float64 {
	if a.w != b.w || a.h != b.h || len(a.pix) == 0 || len(a.pix) != len(b.pix) {
		return 255
	}
	var sum float64
	for i := range a.pix {
		d := int(a.pix[i]) - int(b.pix[i])
		if d < 0 {
			d = -d
		}
		sum += float64(d)
	}
	return sum / float64(len(a.pix))
}

// macroblockScore measures 8-aligned block-edge energy against overall
// gradient energy on the decimated grid. Heavy macroblocking shows up as
// excess energy on block boundaries; the returned quality score is 0-100,
// higher is cleaner.
func macroblockScore(g lumaGrid) float64 {
	if g.w < 3 || g.h < 3 {
		return 100
	}
	var edgeSum, blockSum float64
	var edgeN, blockN int
	for y := 0; y < g.h; y++ {
		for x := 1; x < g.w; x++ {
			d := math.Abs(float64(g.pix[y*g.w+x]) - float64(g.pix[y*g.w+x-1]))
			edgeSum += d
			edgeN++
			if x%8 == 0 {
				blockSum += d
				blockN++
			}
		}
	}
	for x := 0; x < g.w; x++ {
		for y := 1; y < g.h; y++ {
			d := math.Abs(float64(g.pix[y*g.w+x]) - float64(g.pix[(y-1)*g.w+x]))
			edgeSum += d
			edgeN++
			if y%8 == 0 {
				blockSum += d
				blockN++
			}
		}
	}
	if edgeN == 0 || blockN == 0 {
		return 100
	}
	mean := edgeSum / float64(edgeN)
	blockMean := blockSum / float64(blockN)
	if mean < 1 {
		// Flat frame: no gradients to compare, nothing to block.
		return 100
	}
	ratio := blockMean / mean
	score := 100 - 50*(ratio-1)
	return math.Max(0, math.Min(100, score))
}

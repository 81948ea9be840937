package transcoder

import (
	"fmt"
	"path/filepath"
)

// Rendition is one rung of the fixed resolution ladder.
type Rendition struct {
	Name   string
	Width  int
	Height int
}

// Size returns the rendition's frame size as WxH.
func (r Rendition) Size() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// FileName returns the artifact file name of the rendition.
func (r Rendition) FileName() string {
	return r.Name + ".mp4"
}

// Thumbnail parameters
const (
	ThumbnailFile   = "thumbnail.jpg"
	ThumbnailOffset = "00:00:05"
	ThumbnailWidth  = 1280
	ThumbnailHeight = 720
)

// ladder is ordered by descending height.
var ladder = [...]Rendition{
	{"4320p", 7680, 4320},
	{"2160p", 3840, 2160},
	{"1080p", 1920, 1080},
	{"720p", 1280, 720},
	{"480p", 854, 480},
	{"360p", 640, 360},
	{"240p", 426, 240},
	{"144p", 256, 144},
}

// Ladder returns a copy of the rendition ladder, tallest first.
func Ladder() []Rendition {
	out := make([]Rendition, len(ladder))
	copy(out, ladder[:])
	return out
}

// RenditionByName returns the ladder entry with the given name.
func RenditionByName(name string) (Rendition, bool) {
	for _, r := range ladder {
		if r.Name == name {
			return r, true
		}
	}
	return Rendition{}, false
}

// Plan is the set of renditions to produce for one source.
type Plan struct {
	// CopyOriginal is the rung whose height equals the source height, if any.
	// It is produced by copying the source byte for byte.
	CopyOriginal *Rendition
	// Downscale holds every rung shorter than the source, tallest first.
	Downscale []Rendition
}

// PlanRenditions maps a probed source height to the renditions to produce.
// Nothing is ever upscaled. A height of 0 (no video stream) plans the whole ladder.
func PlanRenditions(sourceHeight int) Plan {
	var plan Plan
	for _, r := range ladder {
		switch {
		case r.Height == sourceHeight:
			match := r
			plan.CopyOriginal = &match
		case sourceHeight == 0 || r.Height < sourceHeight:
			plan.Downscale = append(plan.Downscale, r)
		}
	}
	return plan
}

// Renditions returns the copied rung (if any) followed by the downscale targets.
func (p Plan) Renditions() []Rendition {
	out := make([]Rendition, 0, len(p.Downscale)+1)
	if p.CopyOriginal != nil {
		out = append(out, *p.CopyOriginal)
	}
	return append(out, p.Downscale...)
}

// Names returns the rendition names in Renditions order.
func (p Plan) Names() []string {
	renditions := p.Renditions()
	names := make([]string, len(renditions))
	for i, r := range renditions {
		names[i] = r.Name
	}
	return names
}

// Files returns every artifact file name the plan produces, thumbnail last.
func (p Plan) Files() []string {
	renditions := p.Renditions()
	files := make([]string, 0, len(renditions)+1)
	for _, r := range renditions {
		files = append(files, r.FileName())
	}
	return append(files, ThumbnailFile)
}

// BuildJobs expands a plan into the immutable job descriptions the orchestrator runs.
func BuildJobs(sourcePath, outputDir string, plan Plan) []Job {
	jobs := make([]Job, 0, len(plan.Downscale)+2)

	if plan.CopyOriginal != nil {
		jobs = append(jobs, Job{
			Kind:       JobCopy,
			Name:       plan.CopyOriginal.Name,
			InputPath:  sourcePath,
			OutputPath: filepath.Join(outputDir, plan.CopyOriginal.FileName()),
			Width:      plan.CopyOriginal.Width,
			Height:     plan.CopyOriginal.Height,
		})
	}

	for _, r := range plan.Downscale {
		jobs = append(jobs, Job{
			Kind:       JobScale,
			Name:       r.Name,
			InputPath:  sourcePath,
			OutputPath: filepath.Join(outputDir, r.FileName()),
			Width:      r.Width,
			Height:     r.Height,
			PresetArgs: []string{"-preset", "fast"},
		})
	}

	jobs = append(jobs, Job{
		Kind:       JobThumbnail,
		Name:       "thumbnail",
		InputPath:  sourcePath,
		OutputPath: filepath.Join(outputDir, ThumbnailFile),
		Width:      ThumbnailWidth,
		Height:     ThumbnailHeight,
	})

	return jobs
}

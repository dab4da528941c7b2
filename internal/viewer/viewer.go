// Package viewer builds Neuroglancer deep links: a state JSON assembled from
// fused volume paths and a spot annotation, URL-encoded into the viewer's
// #! fragment. The builder is pure; callers supply every path and coordinate.
package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DefaultBaseURL is the public Neuroglancer instance links point at.
const DefaultBaseURL = "https://neuroglancer-demo.appspot.com"

// Browsers start truncating around this length; longer links still work in
// most clients, so it only warrants a warning.
const urlLengthWarning = 5000

// ErrBadChannelPath means a fused path carries no recognizable channel token.
var ErrBadChannelPath = errors.New("no channel number in fused path")

var channelPattern = regexp.MustCompile(`(ch|CH|channel)_(\d+)`)

// wavelengthBand maps an exclusive upper wavelength bound to a display color.
// Small keys handle inputs that are channel indices rather than wavelengths.
type wavelengthBand struct {
	upperBound int
	hex        int
}

var wavelengthBands = []wavelengthBand{
	{1, 0x00FF00},
	{2, 0xFF0000},
	{3, 0x0000FF},
	{4, 0x00FFFF},
	{5, 0xFF00FF},
	{420, 0xFFFFFF},
	{490, 0x00FF00},
	{520, 0xFF0000},
	{570, 0x0000FF},
	{600, 0x00FFFF},
	{650, 0xFF00FF},
}

// WavelengthHex returns the display color for an excitation wavelength (or a
// bare channel index) as a #rrggbb string.
func WavelengthHex(wavelength int) string {
	hex := wavelengthBands[len(wavelengthBands)-1].hex
	for _, band := range wavelengthBands {
		if wavelength < band.upperBound {
			hex = band.hex
			break
		}
	}
	return fmt.Sprintf("#%06x", hex)
}

// ChannelFromPath extracts the numeric channel from a fused volume path
// (tokens ch_N, CH_N or channel_N).
func ChannelFromPath(path string) (int, error) {
	m := channelPattern.FindStringSubmatch(path)
	if m == nil {
		return 0, fmt.Errorf("%w: %s", ErrBadChannelPath, path)
	}
	return strconv.Atoi(m[2])
}

// FusedPaths expands a fused volume template into per-channel zarr paths.
func FusedPaths(template string, channels []string) []string {
	paths := make([]string, len(channels))
	for i, ch := range channels {
		paths[i] = fmt.Sprintf("%s/channel_%s.zarr", strings.TrimRight(template, "/"), ch)
	}
	return paths
}

// LinkRequest is everything needed to build one spot's viewer link.
type LinkRequest struct {
	// FusedPaths are the per-channel volume sources, one image layer each.
	FusedPaths []string `json:"fused_s3_paths"`
	// Position is the initial camera position [x y z t].
	Position []float64 `json:"position"`
	// Point is the annotation coordinate [x y z ...].
	Point []float64 `json:"point_annotation"`
	// SpotID labels the annotation layer and the point id.
	SpotID string `json:"spot_id"`

	AnnotationColor   string    `json:"annotation_color,omitempty"`
	CrossSectionScale float64   `json:"cross_section_scale,omitempty"`
	ResolutionZYX     []float64 `json:"resolution_zyx,omitempty"`
	MaxDR             int       `json:"max_dr,omitempty"`
	Opacity           float64   `json:"opacity,omitempty"`
	Blend             string    `json:"blend,omitempty"`
}

func (r *LinkRequest) applyDefaults() {
	if r.AnnotationColor == "" {
		r.AnnotationColor = "#FFFF00"
	}
	if r.CrossSectionScale == 0 {
		r.CrossSectionScale = 1.0
	}
	if len(r.ResolutionZYX) != 3 {
		r.ResolutionZYX = []float64{1, 1, 1}
	}
	if r.MaxDR == 0 {
		r.MaxDR = 1200
	}
	if r.Opacity == 0 {
		r.Opacity = 1.0
	}
	if r.Blend == "" {
		r.Blend = "additive"
	}
}

// Validate reports the first missing required field.
func (r *LinkRequest) Validate() error {
	switch {
	case len(r.FusedPaths) == 0:
		return errors.New("fused_s3_paths is required")
	case len(r.Position) == 0:
		return errors.New("position is required")
	case len(r.Point) == 0:
		return errors.New("point_annotation is required")
	case r.SpotID == "":
		return errors.New("spot_id is required")
	}
	return nil
}

type dimension struct {
	VoxelSize float64 `json:"voxel_size"`
	Unit      string  `json:"unit"`
}

type shader struct {
	Color   string `json:"color"`
	Emitter string `json:"emitter"`
	Vec     string `json:"vec"`
}

type imageLayer struct {
	Type           string         `json:"type"`
	Source         string         `json:"source"`
	Channel        int            `json:"channel"`
	ShaderControls map[string]any `json:"shaderControls"`
	Shader         shader         `json:"shader"`
	LocalPosition  []float64      `json:"localPosition"`
	Visible        bool           `json:"visible"`
	Opacity        float64        `json:"opacity"`
	Name           string         `json:"name"`
	Blend          string         `json:"blend"`
}

type pointAnnotation struct {
	Type  string    `json:"type"`
	ID    string    `json:"id"`
	Point []float64 `json:"point"`
}

type annotationLayer struct {
	Type              string            `json:"type"`
	Name              string            `json:"name"`
	Tab               string            `json:"tab"`
	Visible           bool              `json:"visible"`
	AnnotationColor   string            `json:"annotationColor"`
	CrossSectionSpace float64           `json:"crossSectionAnnotationSpacing"`
	ProjectionSpace   float64           `json:"projectionAnnotationSpacing"`
	Tool              string            `json:"tool"`
	Annotations       []pointAnnotation `json:"annotations"`
}

type viewerState struct {
	Dimensions        map[string]dimension `json:"dimensions"`
	Layers            []any                `json:"layers"`
	Position          []float64            `json:"position"`
	CrossSectionScale float64              `json:"crossSectionScale"`
	ShowScaleBar      bool                 `json:"showScaleBar"`
	ShowAxisLines     bool                 `json:"showAxisLines"`
}

// BuildState assembles the viewer state: one image layer per fused path,
// colored by the channel's wavelength, plus a single point annotation layer
// named after the spot.
func BuildState(req *LinkRequest) (*viewerState, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.applyDefaults()

	state := &viewerState{
		Dimensions: map[string]dimension{
			"x":  {VoxelSize: req.ResolutionZYX[2], Unit: "microns"},
			"y":  {VoxelSize: req.ResolutionZYX[1], Unit: "microns"},
			"z":  {VoxelSize: req.ResolutionZYX[0], Unit: "microns"},
			"c'": {VoxelSize: 1, Unit: ""},
			"t":  {VoxelSize: 0.001, Unit: "seconds"},
		},
		Position:          req.Position,
		CrossSectionScale: req.CrossSectionScale,
	}

	for _, path := range req.FusedPaths {
		ch, err := ChannelFromPath(path)
		if err != nil {
			return nil, err
		}
		state.Layers = append(state.Layers, imageLayer{
			Type:    "image",
			Source:  path,
			Channel: 0,
			ShaderControls: map[string]any{
				"normalized": map[string]any{"range": []int{90, req.MaxDR}},
			},
			Shader:        shader{Color: WavelengthHex(ch), Emitter: "RGB", Vec: "vec3"},
			LocalPosition: []float64{0.5},
			Visible:       true,
			Opacity:       req.Opacity,
			Name:          fmt.Sprintf("CH_%d", ch),
			Blend:         req.Blend,
		})
	}

	state.Layers = append(state.Layers, annotationLayer{
		Type:              "annotation",
		Name:              fmt.Sprintf("Spot %s", req.SpotID),
		Tab:               "annotations",
		Visible:           true,
		AnnotationColor:   req.AnnotationColor,
		CrossSectionSpace: 3.0,
		ProjectionSpace:   10,
		Tool:              "annotatePoint",
		Annotations: []pointAnnotation{
			{Type: "point", ID: req.SpotID, Point: req.Point},
		},
	})

	return state, nil
}

// BuildURL builds the final deep link: base URL plus the URL-encoded state in
// the #! fragment.
func BuildURL(req *LinkRequest, baseURL string) (string, error) {
	state, err := BuildState(req)
	if err != nil {
		return "", err
	}
	return encodeStateURL(state, baseURL)
}

func encodeStateURL(state any, baseURL string) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode viewer state: %w", err)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	full := baseURL + "#!" + url.PathEscape(string(data))
	if len(full) > urlLengthWarning {
		log.Printf("[Viewer] link length %d exceeds %d characters; some browsers may truncate", len(full), urlLengthWarning)
	}
	return full, nil
}

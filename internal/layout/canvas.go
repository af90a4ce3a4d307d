// Package layout computes 2-D coordinates for a novel's known locations, one
// canvas per world-structure layer: a constraint-satisfaction solve when
// enough spatial relationships are known, falling back to a concentric-
// circle hierarchy tree otherwise, or passing real coordinates through
// untouched when an external geo resolver is in play.
package layout

import "github.com/novelkg/novelkg/internal/domain/novel"

// Canvas is a layer's drawable area, always 16:9 and always inset by
// marginPx on every side.
type Canvas struct {
	Width  float64
	Height float64
}

const marginPx = 50.0

// canvasBySpatialScale sizes the overworld canvas to the novel's detected
// physical extent.
var canvasBySpatialScale = map[novel.SpatialScale]Canvas{
	novel.ScaleCosmic:      {8000, 4500},
	novel.ScaleContinental: {4800, 2700},
	novel.ScaleNational:    {3200, 1800},
	novel.ScaleUrban:       {1600, 900},
	novel.ScaleLocal:       {800, 450},
}

// canvasByLayerType overrides the scale-derived size for non-overworld
// layers, which are always small regardless of the novel's overall scale.
var canvasByLayerType = map[novel.LayerType]Canvas{
	novel.LayerInstance:   {480, 270},
	novel.LayerCelestial:  {960, 540},
	novel.LayerUnderworld: {960, 540},
}

// CanvasFor returns the canvas size for a layer, given the novel's overall
// spatial scale (used only for the overworld layer).
func CanvasFor(layer novel.Layer, scale novel.SpatialScale) Canvas {
	if c, ok := canvasByLayerType[layer.LayerType]; ok {
		return c
	}
	if layer.LayerType == novel.LayerOverworld {
		if c, ok := canvasBySpatialScale[scale]; ok {
			return c
		}
	}
	return canvasBySpatialScale[novel.ScaleLocal]
}

// Bounds returns the usable (inset) rectangle within the canvas.
func (c Canvas) Bounds() (minX, minY, maxX, maxY float64) {
	return marginPx, marginPx, c.Width - marginPx, c.Height - marginPx
}

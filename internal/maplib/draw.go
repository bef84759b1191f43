package maplib

import "fleetmap/internal/geo"

// DrawOp names a mutation a surface must apply
type DrawOp string

const (
	OpMapInit      DrawOp = "map_init"
	OpTileLayer    DrawOp = "tile_layer"
	OpMarkerAdd    DrawOp = "marker_add"
	OpMarkerUpdate DrawOp = "marker_update"
	OpMarkerRemove DrawOp = "marker_remove"
	OpViewport     DrawOp = "viewport"
	OpFitBounds    DrawOp = "fit_bounds"
	OpMapDestroy   DrawOp = "map_destroy"
	OpReset        DrawOp = "reset"
)

// DrawCommand is a single rendering instruction sent to a surface
type DrawCommand struct {
	Op       DrawOp      `json:"op"`
	MapID    string      `json:"mapId,omitempty"`
	Key      string      `json:"key,omitempty"`
	Position *geo.Point  `json:"position,omitempty"`
	Icon     *Icon       `json:"icon,omitempty"`
	Popup    string      `json:"popup,omitempty"`
	Center   *geo.Point  `json:"center,omitempty"`
	Zoom     int         `json:"zoom,omitempty"`
	Bounds   *geo.Bounds `json:"bounds,omitempty"`
	Padding  int         `json:"padding,omitempty"`
	Animate  bool        `json:"animate,omitempty"`
	Layer    *TileLayer  `json:"layer,omitempty"`
}

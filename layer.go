package gridpaint

import "strconv"

// LayerID identifies a render layer within one window. Every layer owns
// its pooled vertex buffer and its own set of rotation buffers.
type LayerID uint32

// Well-known layers of a terminal window, in paint order.
const (
	LayerBackground LayerID = iota
	LayerText
	LayerTabBar
	LayerStatus
	LayerOverlay
)

var layerNames = [...]string{
	LayerBackground: "background",
	LayerText:       "text",
	LayerTabBar:     "tab-bar",
	LayerStatus:     "status",
	LayerOverlay:    "overlay",
}

// String returns the layer name, or "layer(N)" for custom layers.
func (l LayerID) String() string {
	if int(l) < len(layerNames) {
		return layerNames[l]
	}
	return "layer(" + strconv.FormatUint(uint64(l), 10) + ")"
}

package tui

import "github.com/charmbracelet/bubbles/viewport"

// viewportContainer exposes a viewport to the scroll tracker, measured in lines. A terminal
// cannot animate scrolling, so smooth and instant requests land the same way.
type viewportContainer struct {
	vp *viewport.Model
}

func (c viewportContainer) ScrollTop() float64 {
	return float64(c.vp.YOffset)
}

func (c viewportContainer) ScrollHeight() float64 {
	return float64(c.vp.TotalLineCount())
}

func (c viewportContainer) ClientHeight() float64 {
	return float64(c.vp.Height)
}

func (c viewportContainer) ScrollTo(top float64, _ bool) {
	c.vp.SetYOffset(int(top))
}

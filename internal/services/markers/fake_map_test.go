package markers

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/services/browser"
)

// fakeMarker is one point on the scripted map. An empty lat or lon omits
// that popup row. popupAt decides whether clicking opens a popup at a zoom.
type fakeMarker struct {
	title   string
	lat     string
	lon     string
	popupAt func(zoom float64) bool
}

func always(float64) bool { return true }
func never(float64) bool  { return false }

func zoomedIn(base float64) func(float64) bool {
	return func(zoom float64) bool { return zoom > base }
}

type fakeElement struct {
	kind   string
	dom    int
	marker int
	row    int
}

func (e *fakeElement) Ref() string {
	return fmt.Sprintf("%s:%d:%d:%d", e.kind, e.dom, e.marker, e.row)
}

// fakeMap implements interfaces.BrowserDriver over an in-memory map widget.
// Every zoom change re-renders the layer, detaching previous handles.
type fakeMap struct {
	config  *common.MapConfig
	markers []fakeMarker

	zoom      float64
	dom       int
	open      int // index of the marker whose popup is showing, -1 for none
	clicks    []int
	zoomCalls []float64
	closes    int
	escapes   int
	shots     int
	navigated string
	closed    bool

	// hideAfterZoom drops the last n markers from the layer once zoomed in
	hideAfterZoom int
	// stuckPopup ignores the close button and Escape; only a re-render closes it
	stuckPopup bool
}

func newFakeMap(config *common.MapConfig, markers ...fakeMarker) *fakeMap {
	return &fakeMap{config: config, markers: markers, zoom: 10, open: -1}
}

func (f *fakeMap) visible() int {
	if f.dom > 0 && f.hideAfterZoom > 0 && f.zoom > 10 {
		return len(f.markers) - f.hideAfterZoom
	}
	return len(f.markers)
}

func (f *fakeMap) Navigate(ctx context.Context, url string) error {
	f.navigated = url
	return nil
}

func (f *fakeMap) Find(ctx context.Context, selector string, scope interfaces.ElementHandle) ([]interfaces.ElementHandle, error) {
	c := f.config
	switch selector {
	case c.MarkerSelector:
		var out []interfaces.ElementHandle
		for i := 0; i < f.visible(); i++ {
			out = append(out, &fakeElement{kind: "marker", dom: f.dom, marker: i})
		}
		return out, nil
	case c.SpinnerSelector:
		return nil, nil
	case c.PopupSelector:
		if f.open < 0 {
			return nil, nil
		}
		return []interfaces.ElementHandle{&fakeElement{kind: "popup", dom: f.dom, marker: f.open}}, nil
	case c.PopupCloseSelector:
		if f.open < 0 {
			return nil, nil
		}
		return []interfaces.ElementHandle{&fakeElement{kind: "close", dom: f.dom, marker: f.open}}, nil
	}

	parent, ok := scope.(*fakeElement)
	if !ok {
		return nil, fmt.Errorf("unexpected selector %q", selector)
	}
	m := f.markers[parent.marker]

	switch selector {
	case c.PopupTitleSelector:
		return []interfaces.ElementHandle{&fakeElement{kind: "title", marker: parent.marker}}, nil
	case c.PopupRowSelector:
		out := []interfaces.ElementHandle{&fakeElement{kind: "row", marker: parent.marker, row: 0}}
		if m.lat != "" {
			out = append(out, &fakeElement{kind: "row", marker: parent.marker, row: 1})
		}
		if m.lon != "" {
			out = append(out, &fakeElement{kind: "row", marker: parent.marker, row: 2})
		}
		return out, nil
	case c.PopupLabelSelector:
		return []interfaces.ElementHandle{&fakeElement{kind: "label", marker: parent.marker, row: parent.row}}, nil
	case c.PopupValueSelector:
		return []interfaces.ElementHandle{&fakeElement{kind: "value", marker: parent.marker, row: parent.row}}, nil
	}
	return nil, fmt.Errorf("unexpected selector %q", selector)
}

func (f *fakeMap) Click(ctx context.Context, el interfaces.ElementHandle) error {
	e := el.(*fakeElement)
	switch e.kind {
	case "marker":
		if e.dom != f.dom || e.marker >= f.visible() {
			return fmt.Errorf("node %s: %w", e.Ref(), interfaces.ErrElementDetached)
		}
		f.clicks = append(f.clicks, e.marker)
		if f.markers[e.marker].popupAt(f.zoom) {
			f.open = e.marker
		} else {
			f.open = -1
		}
	case "close":
		f.closes++
		if !f.stuckPopup {
			f.open = -1
		}
	}
	return nil
}

func (f *fakeMap) Text(ctx context.Context, el interfaces.ElementHandle) (string, error) {
	e := el.(*fakeElement)
	m := f.markers[e.marker]
	switch {
	case e.kind == "title":
		return "  " + m.title + "\n", nil
	case e.kind == "label" && e.row == 0:
		return "Religious entity", nil
	case e.kind == "label" && e.row == 1:
		return "LATITUDE", nil
	case e.kind == "label" && e.row == 2:
		return "Longitude:", nil
	case e.kind == "value" && e.row == 0:
		return "Roman Catholic", nil
	case e.kind == "value" && e.row == 1:
		return m.lat, nil
	case e.kind == "value" && e.row == 2:
		return m.lon, nil
	}
	return "", nil
}

func (f *fakeMap) RunScript(ctx context.Context, src string, result interface{}, args ...interface{}) error {
	switch src {
	case f.config.ZoomLevelScript:
		*(result.(*float64)) = f.zoom
	case f.config.SetZoomScript:
		f.zoom = args[0].(float64)
		f.zoomCalls = append(f.zoomCalls, f.zoom)
		f.dom++
		f.open = -1
	case escapeScript:
		f.escapes++
		if !f.stuckPopup {
			f.open = -1
		}
	default:
		return fmt.Errorf("unexpected script")
	}
	return nil
}

func (f *fakeMap) Screenshot(ctx context.Context) ([]byte, error) {
	f.shots++
	return []byte("\x89PNG"), nil
}

func (f *fakeMap) Wait(ctx context.Context, predicate interfaces.WaitPredicate, timeout time.Duration) error {
	return browser.Poll(ctx, predicate, timeout, time.Millisecond)
}

func (f *fakeMap) Close() error {
	f.closed = true
	return nil
}

func testMapConfig() *common.MapConfig {
	config := common.NewDefaultConfig().Map
	config.URL = "https://map.test/view"
	config.PopupTimeout = "15ms"
	config.SpinnerTimeout = "5ms"
	config.LoadTimeout = "50ms"
	config.SettleDelay = "0s"
	return &config
}

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

// Package surface keeps a triangle mesh of every segmentation layer current
// while the user paints.
//
// Edits arrive as LayerModified signals on the UI loop. The extractor
// debounces them per layer, snapshots the mask at submit time and contours the
// copy on a worker goroutine. The result is posted back to the loop and
// published through SurfaceReady, unless the layer was removed, renamed or
// re-requested in the meantime.
package surface

import (
	"log/slog"
	"time"

	"labelstation/pkg/eventloop"
	"labelstation/pkg/events"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/stl"
	"labelstation/pkg/volume"
)

// DefaultDebounce coalesces brush strokes into one extraction.
const DefaultDebounce = 1000 * time.Millisecond

// Mesh is the iso-surface of a layer in world coordinates.
type Mesh struct {
	Triangles  []stl.Triangle
	Generation uint64
	Elapsed    time.Duration
}

// Empty reports whether the mesh has no facets.
func (m *Mesh) Empty() bool { return m == nil || len(m.Triangles) == 0 }

// Ready is emitted on the UI loop when a mesh is available.
type Ready struct {
	Layer *segmentation.Layer
	Mesh  *Mesh
}

// Options configures an Extractor.
type Options struct {
	// Debounce is the quiet period after the last edit before a trailing
	// extraction is submitted
	Debounce time.Duration

	// Workers is the number of goroutines used to contour one mask
	Workers int

	Logger *slog.Logger
}

type layerState struct {
	// name at the time of the last submission
	name       string
	generation uint64
	running    bool
	pending    bool
	timer      *time.Timer
	timerSeq   uint64
	lastSubmit time.Time
}

// Extractor schedules surface extraction for the layers of one list. All
// methods must be called on the loop goroutine.
type Extractor struct {
	loop   *eventloop.Loop
	list   *segmentation.LayerList
	opts   Options
	logger *slog.Logger
	states map[*segmentation.Layer]*layerState
	subs   events.Group
	jobs   int
	closed bool

	// SurfaceReady fires on the loop with the latest mesh of a layer
	SurfaceReady events.Signal[Ready]
}

// NewExtractor subscribes to list and starts extracting surfaces for every
// layer that is added or modified.
func NewExtractor(loop *eventloop.Loop, list *segmentation.LayerList, opts Options) *Extractor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		loop:   loop,
		list:   list,
		opts:   opts,
		logger: logger.With("component", "surface"),
		states: make(map[*segmentation.Layer]*layerState),
	}

	e.subs.Add(list.LayerAdded.Connect(e.Request))
	e.subs.Add(list.LayerModified.Connect(e.Request))
	e.subs.Add(list.LayerRemoved.Connect(e.forget))
	e.subs.Add(list.LayerRenamed.Connect(func(r segmentation.Renamed) {
		st, ok := e.states[r.Layer]
		if !ok {
			return
		}
		// Drop the in-flight result; extract again under the new name
		st.generation++
		if st.running {
			st.pending = true
		} else {
			e.submit(r.Layer, st)
		}
	}))
	for _, l := range list.Layers() {
		e.Request(l)
	}
	return e
}

func (e *Extractor) state(l *segmentation.Layer) *layerState {
	st, ok := e.states[l]
	if !ok {
		st = &layerState{name: l.Name()}
		e.states[l] = st
	}
	return st
}

// Request asks for a fresh mesh of the layer. A layer that is idle and has
// not been submitted within the debounce window is submitted immediately;
// any other request re-arms the trailing debounce timer.
func (e *Extractor) Request(l *segmentation.Layer) {
	if e.closed {
		return
	}
	st := e.state(l)
	if !st.running && st.timer == nil && time.Since(st.lastSubmit) >= e.opts.Debounce {
		e.submit(l, st)
		return
	}
	e.arm(l, st)
}

func (e *Extractor) arm(l *segmentation.Layer, st *layerState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timerSeq++
	seq := st.timerSeq
	st.timer = e.loop.AfterFunc(e.opts.Debounce, func() {
		// A stopped timer may already have posted; only the latest counts
		if cur, ok := e.states[l]; !ok || cur != st || st.timerSeq != seq {
			return
		}
		st.timer = nil
		if st.running {
			st.pending = true
			return
		}
		e.submit(l, st)
	})
}

func (e *Extractor) submit(l *segmentation.Layer, st *layerState) {
	st.generation++
	st.running = true
	st.pending = false
	st.name = l.Name()
	st.lastSubmit = time.Now()
	e.jobs++

	gen := st.generation
	name := st.name
	snapshot := l.Mask().Clone()
	workers := e.opts.Workers

	e.logger.Debug("Submitting surface extraction", "layer", name, "generation", gen)
	go func() {
		start := time.Now()
		mesh := extract(snapshot, workers)
		mesh.Generation = gen
		mesh.Elapsed = time.Since(start)
		e.loop.Post(func() { e.complete(l, st, name, mesh) })
	}()
}

func (e *Extractor) complete(l *segmentation.Layer, st *layerState, name string, mesh *Mesh) {
	cur, ok := e.states[l]
	if !ok || cur != st {
		e.logger.Debug("Discarding surface of removed layer", "layer", name)
		return
	}
	st.running = false

	superseded := mesh.Generation != st.generation
	if !superseded && e.list.Contains(l, name) && !e.closed {
		e.logger.Debug("Surface ready", "layer", name, "triangles", len(mesh.Triangles), "elapsed", mesh.Elapsed)
		e.SurfaceReady.Emit(Ready{Layer: l, Mesh: mesh})
	} else {
		e.logger.Debug("Discarding superseded surface", "layer", name, "generation", mesh.Generation)
	}

	if st.pending && !e.closed {
		e.submit(l, st)
	}
}

func (e *Extractor) forget(l *segmentation.Layer) {
	st, ok := e.states[l]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(e.states, l)
}

// Jobs returns the number of extractions submitted so far.
func (e *Extractor) Jobs() int { return e.jobs }

// Idle reports whether no extraction is running, pending or scheduled.
func (e *Extractor) Idle() bool {
	for _, st := range e.states {
		if st.running || st.pending || st.timer != nil {
			return false
		}
	}
	return true
}

// Close stops all timers and detaches from the list. Running workers finish
// but their results are dropped.
func (e *Extractor) Close() {
	e.closed = true
	e.subs.DisconnectAll()
	for l, st := range e.states {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.pending = false
		if !st.running {
			delete(e.states, l)
		}
	}
}

// Extract contours a mask synchronously.
func Extract(m *volume.Mask, workers int) *Mesh {
	return extract(m, workers)
}

func extract(m *volume.Mask, workers int) *Mesh {
	if m.Empty() {
		return &Mesh{}
	}
	mc := stl.FromMask(m)
	mc.SetWorkers(workers)
	return &Mesh{Triangles: mc.GenerateTriangles()}
}

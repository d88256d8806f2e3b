package segmentation

import (
	"fmt"

	"labelstation/internal/models"
	"labelstation/pkg/events"
	"labelstation/pkg/volume"
)

// Renamed is emitted by LayerList.LayerRenamed.
type Renamed struct {
	Layer   *Layer
	OldName string
}

// LayerList is the ordered collection of segmentation layers over one base
// volume. It is the single source of truth for layer membership; views and
// the surface extractor derive their state from its signals.
type LayerList struct {
	geom   volume.Geometry
	layers []*Layer
	byName map[string]*Layer
	active *Layer

	membershipChanged bool
	subscriptions     map[*Layer]func()

	LayerAdded    events.Signal[*Layer]
	LayerRemoved  events.Signal[*Layer]
	LayerRenamed  events.Signal[Renamed]
	ActiveChanged events.Signal[*Layer] // nil when no layer is active
	LayerModified events.Signal[*Layer] // mask contents edited
	LayerChanged  events.Signal[Change] // color, alpha or visibility
}

// NewLayerList creates an empty list whose layers must match g.
func NewLayerList(g volume.Geometry) *LayerList {
	return &LayerList{
		geom:          g,
		byName:        make(map[string]*Layer),
		subscriptions: make(map[*Layer]func()),
	}
}

// Geometry returns the grid every layer must share.
func (ll *LayerList) Geometry() volume.Geometry { return ll.geom }

// Len returns the number of layers.
func (ll *LayerList) Len() int { return len(ll.layers) }

// Add appends layer to the list.
func (ll *LayerList) Add(layer *Layer) error {
	if err := models.ValidateName(layer.name); err != nil {
		return err
	}
	if _, ok := ll.byName[layer.name]; ok {
		return fmt.Errorf("%w: layer %q", models.ErrDuplicateName, layer.name)
	}
	if err := ll.geom.CheckCompatible(layer.Geometry()); err != nil {
		return fmt.Errorf("layer %q: %w", layer.name, err)
	}
	if layer.owner != nil {
		return fmt.Errorf("%w: layer %q already belongs to a list", models.ErrDuplicateName, layer.name)
	}

	layer.owner = ll
	ll.layers = append(ll.layers, layer)
	ll.byName[layer.name] = layer
	ll.subscriptions[layer] = layer.Changed.Connect(ll.forward)
	ll.membershipChanged = true

	ll.LayerAdded.Emit(layer)
	return nil
}

// NewLayer creates an empty layer on the list geometry and adds it.
func (ll *LayerList) NewLayer(name string, color models.Color) (*Layer, error) {
	layer, err := NewLayer(name, color, volume.NewMask(ll.geom))
	if err != nil {
		return nil, err
	}
	if err := ll.Add(layer); err != nil {
		return nil, err
	}
	return layer, nil
}

// Remove deletes the named layer. Removing the active layer leaves no layer active.
func (ll *LayerList) Remove(name string) error {
	layer, ok := ll.byName[name]
	if !ok {
		return fmt.Errorf("%w: layer %q", models.ErrNotFound, name)
	}
	for i, l := range ll.layers {
		if l == layer {
			ll.layers = append(ll.layers[:i], ll.layers[i+1:]...)
			break
		}
	}
	delete(ll.byName, name)
	if disconnect, ok := ll.subscriptions[layer]; ok {
		disconnect()
		delete(ll.subscriptions, layer)
	}
	layer.owner = nil
	ll.membershipChanged = true

	wasActive := ll.active == layer
	if wasActive {
		ll.active = nil
	}
	ll.LayerRemoved.Emit(layer)
	if wasActive {
		ll.ActiveChanged.Emit(nil)
	}
	return nil
}

// Rename renames a layer. It fails with ErrDuplicateName or ErrInvalidName
// and leaves the list unchanged in that case.
func (ll *LayerList) Rename(oldName, newName string) error {
	layer, ok := ll.byName[oldName]
	if !ok {
		return fmt.Errorf("%w: layer %q", models.ErrNotFound, oldName)
	}
	return layer.SetName(newName)
}

func (ll *LayerList) claimName(layer *Layer, name string) error {
	if other, ok := ll.byName[name]; ok && other != layer {
		return fmt.Errorf("%w: layer %q", models.ErrDuplicateName, name)
	}
	return nil
}

// forward translates layer changes into list signals.
func (ll *LayerList) forward(c Change) {
	switch c.Kind {
	case ChangeMask:
		ll.LayerModified.Emit(c.Layer)
	case ChangeName:
		delete(ll.byName, c.OldName)
		ll.byName[c.Layer.name] = c.Layer
		ll.LayerRenamed.Emit(Renamed{Layer: c.Layer, OldName: c.OldName})
	default:
		ll.LayerChanged.Emit(c)
	}
}

// Get looks a layer up by name.
func (ll *LayerList) Get(name string) (*Layer, bool) {
	l, ok := ll.byName[name]
	return l, ok
}

// Contains reports whether layer is a member of the list under its current name.
func (ll *LayerList) Contains(layer *Layer, name string) bool {
	l, ok := ll.byName[name]
	return ok && l == layer && layer.name == name
}

// Names returns the layer names in list order.
func (ll *LayerList) Names() []string {
	names := make([]string, len(ll.layers))
	for i, l := range ll.layers {
		names[i] = l.name
	}
	return names
}

// Layers returns the layers in list order.
func (ll *LayerList) Layers() []*Layer {
	out := make([]*Layer, len(ll.layers))
	copy(out, ll.layers)
	return out
}

// Active returns the active layer or nil.
func (ll *LayerList) Active() *Layer { return ll.active }

// SetActive makes the named layer active. An empty name clears the selection.
func (ll *LayerList) SetActive(name string) error {
	var layer *Layer
	if name != "" {
		var ok bool
		if layer, ok = ll.byName[name]; !ok {
			return fmt.Errorf("%w: layer %q", models.ErrNotFound, name)
		}
	}
	if layer == ll.active {
		return nil
	}
	ll.active = layer
	ll.ActiveChanged.Emit(layer)
	return nil
}

// Duplicate deep-copies the named layer, gives the copy a free name with a
// numeric suffix and appends it.
func (ll *LayerList) Duplicate(name string) (*Layer, error) {
	src, ok := ll.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: layer %q", models.ErrNotFound, name)
	}
	newName := models.UniqueName(name, func(n string) bool {
		_, taken := ll.byName[n]
		return taken
	})
	dup, err := src.DeepCopy(newName)
	if err != nil {
		return nil, err
	}
	if err := ll.Add(dup); err != nil {
		return nil, err
	}
	return dup, nil
}

// Move places the named layer at position to, shifting the others.
func (ll *LayerList) Move(name string, to int) error {
	layer, ok := ll.byName[name]
	if !ok {
		return fmt.Errorf("%w: layer %q", models.ErrNotFound, name)
	}
	if to < 0 || to >= len(ll.layers) {
		return fmt.Errorf("%w: position %d not in [0, %d)", models.ErrIndexOutOfBounds, to, len(ll.layers))
	}
	from := 0
	for i, l := range ll.layers {
		if l == layer {
			from = i
			break
		}
	}
	if from == to {
		return nil
	}
	ll.layers = append(ll.layers[:from], ll.layers[from+1:]...)
	ll.layers = append(ll.layers[:to], append([]*Layer{layer}, ll.layers[to:]...)...)
	ll.membershipChanged = true
	return nil
}

// Clear removes every layer, emitting LayerRemoved for each.
func (ll *LayerList) Clear() {
	for _, name := range ll.Names() {
		_ = ll.Remove(name)
	}
}

// Reset clears the list and re-targets it at a new base geometry.
func (ll *LayerList) Reset(g volume.Geometry) {
	ll.Clear()
	ll.geom = g
	ll.membershipChanged = false
}

// Modified reports whether any layer is modified or membership changed
// since the last ResetModified.
func (ll *LayerList) Modified() bool {
	if ll.membershipChanged {
		return true
	}
	for _, l := range ll.layers {
		if l.modified {
			return true
		}
	}
	return false
}

// ResetModified clears the modified state of the list and all its layers.
func (ll *LayerList) ResetModified() {
	ll.membershipChanged = false
	for _, l := range ll.layers {
		l.ResetModified()
	}
}

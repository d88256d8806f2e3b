package annotation

import (
	"fmt"

	"labelstation/internal/models"
	"labelstation/pkg/events"
)

// Renamed reports a rename of an annotation.
type Renamed[T Item] struct {
	Item    T
	OldName string
}

// Manager owns the ordered, uniquely named annotations of one kind.
type Manager[T Item] struct {
	kind     string
	items    []T
	byName   map[string]T
	modified bool

	Added   events.Signal[T]
	Removed events.Signal[T]
	Renamed events.Signal[Renamed[T]]
	// Changed fires on color, visibility and geometry edits
	Changed events.Signal[T]
}

// NewManager creates an empty manager. kind is the base of generated names.
func NewManager[T Item](kind string) *Manager[T] {
	return &Manager[T]{kind: kind, byName: make(map[string]T)}
}

// Points, Lines and Rects are the managers of a workspace.
type (
	Points = Manager[*Point]
	Lines  = Manager[*Line]
	Rects  = Manager[*Rect]
)

// NewPoints creates the point manager.
func NewPoints() *Points { return NewManager[*Point]("point") }

// NewLines creates the line manager.
func NewLines() *Lines { return NewManager[*Line]("line") }

// NewRects creates the rectangle manager.
func NewRects() *Rects { return NewManager[*Rect]("rect") }

// Kind returns the annotation kind name.
func (m *Manager[T]) Kind() string { return m.kind }

// Len returns the number of annotations.
func (m *Manager[T]) Len() int { return len(m.items) }

// Add appends item under its own name, or under the kind name when empty,
// adding a numeric suffix if the name is taken. It returns the final name.
func (m *Manager[T]) Add(item T) (string, error) {
	name := item.Name()
	if name == "" {
		name = m.kind
	}
	if err := models.ValidateName(name); err != nil {
		return "", err
	}
	name = models.UniqueName(name, m.has)
	item.setName(name)
	m.items = append(m.items, item)
	m.byName[name] = item
	m.modified = true
	m.Added.Emit(item)
	return name, nil
}

func (m *Manager[T]) has(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Get returns the annotation with the given name.
func (m *Manager[T]) Get(name string) (T, bool) {
	item, ok := m.byName[name]
	return item, ok
}

func (m *Manager[T]) lookup(name string) (T, error) {
	item, ok := m.byName[name]
	if !ok {
		return item, fmt.Errorf("%w: %s %q", models.ErrNotFound, m.kind, name)
	}
	return item, nil
}

// Items returns the annotations in insertion order.
func (m *Manager[T]) Items() []T {
	out := make([]T, len(m.items))
	copy(out, m.items)
	return out
}

// Names returns the annotation names in insertion order.
func (m *Manager[T]) Names() []string {
	out := make([]string, len(m.items))
	for i, item := range m.items {
		out[i] = item.Name()
	}
	return out
}

// Remove deletes the annotation with the given name.
func (m *Manager[T]) Remove(name string) error {
	item, err := m.lookup(name)
	if err != nil {
		return err
	}
	for i, it := range m.items {
		if it.Name() == name {
			m.items = append(m.items[:i], m.items[i+1:]...)
			break
		}
	}
	delete(m.byName, name)
	m.modified = true
	m.Removed.Emit(item)
	return nil
}

// Rename changes the name of an annotation. The manager is unchanged on error.
func (m *Manager[T]) Rename(oldName, newName string) error {
	item, err := m.lookup(oldName)
	if err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if err := models.ValidateName(newName); err != nil {
		return err
	}
	if m.has(newName) {
		return fmt.Errorf("%w: %s %q", models.ErrDuplicateName, m.kind, newName)
	}
	item.setName(newName)
	delete(m.byName, oldName)
	m.byName[newName] = item
	m.modified = true
	m.Renamed.Emit(Renamed[T]{Item: item, OldName: oldName})
	return nil
}

// ToggleVisible flips the visibility of an annotation and returns the new state.
func (m *Manager[T]) ToggleVisible(name string) (bool, error) {
	item, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	item.setVisible(!item.Visible())
	m.modified = true
	m.Changed.Emit(item)
	return item.Visible(), nil
}

// SetVisible sets the visibility of an annotation.
func (m *Manager[T]) SetVisible(name string, visible bool) error {
	item, err := m.lookup(name)
	if err != nil {
		return err
	}
	if item.Visible() != visible {
		item.setVisible(visible)
		m.modified = true
		m.Changed.Emit(item)
	}
	return nil
}

// SetColor changes the color of an annotation.
func (m *Manager[T]) SetColor(name string, c models.Color) error {
	item, err := m.lookup(name)
	if err != nil {
		return err
	}
	if item.Color() != c {
		item.setColor(c)
		m.modified = true
		m.Changed.Emit(item)
	}
	return nil
}

// SetHandle moves handle i of an annotation to p. Rectangles keep their
// plane and minimum extent.
func (m *Manager[T]) SetHandle(name string, i int, p models.Vec3) error {
	item, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := item.setHandle(i, p); err != nil {
		return err
	}
	m.modified = true
	m.Changed.Emit(item)
	return nil
}

// Clear removes every annotation.
func (m *Manager[T]) Clear() {
	items := m.items
	m.items = nil
	m.byName = make(map[string]T)
	for _, item := range items {
		m.Removed.Emit(item)
	}
	m.modified = len(items) > 0 || m.modified
}

// Modified reports whether anything changed since the last reset.
func (m *Manager[T]) Modified() bool { return m.modified }

// ResetModified clears the modified flag.
func (m *Manager[T]) ResetModified() { m.modified = false }

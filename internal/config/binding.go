package config

import "sync"

// Binding is the resolved connection target for the long-lived printer
// services. Generation increments every time the target changes, letting
// connection loops notice a switch without tearing the registry down.
type Binding struct {
	Generation int64
	Printer    Printer
	Valid      bool
}

// ActiveBinding tracks which printer the connection services should be
// attached to. It follows the selected printer, falling back to the
// configured default.
type ActiveBinding struct {
	store *Store

	mu         sync.Mutex
	generation int64
	selectedID string
	current    Binding
}

func NewActiveBinding(store *Store) *ActiveBinding {
	b := &ActiveBinding{store: store}
	store.Subscribe(b.refresh)
	b.refresh()
	return b
}

// Select points the binding at a specific printer id. Empty reverts to
// the default printer.
func (b *ActiveBinding) Select(id string) {
	b.mu.Lock()
	b.selectedID = id
	b.mu.Unlock()
	b.refresh()
}

// SelectedID returns the explicit selection, empty when following the
// default.
func (b *ActiveBinding) SelectedID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectedID
}

// Current returns the binding the services should be connected to.
func (b *ActiveBinding) Current() Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *ActiveBinding) refresh() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.selectedID
	if id == "" {
		id = b.store.DefaultPrinterID()
	}

	printer, ok := b.store.Printer(id)
	if !ok {
		if b.current.Valid {
			b.generation++
			b.current = Binding{Generation: b.generation}
		}
		return
	}

	if b.current.Valid && b.current.Printer == printer {
		return
	}
	b.generation++
	b.current = Binding{Generation: b.generation, Printer: printer, Valid: true}
}

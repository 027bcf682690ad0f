/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package input

import (
	"errors"
	"sync"

	"github.com/beodeck/beodeck/internal/schema"
)

// menuModel holds the ordered device menu. Order is deterministic: the
// configured items in config order, with source items inserted at their
// requested positions.
type menuModel struct {
	mu    sync.Mutex
	items []schema.MenuItem
}

func newMenuModel(preset []schema.MenuItem) *menuModel {
	m := &menuModel{items: make([]schema.MenuItem, len(preset))}
	copy(m.items, preset)
	return m
}

// snapshot returns a copy of the current sequence.
func (m *menuModel) snapshot() []schema.MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.MenuItem, len(m.items))
	copy(out, m.items)
	return out
}

// add inserts item after the entry labelled after, or appends when after is
// empty or unknown. Re-adding an existing route replaces it in place.
func (m *menuModel) add(item schema.MenuItem, after string) []schema.MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.items {
		if existing.Route == item.Route {
			m.items[i] = item
			return m.snapshotLocked()
		}
	}

	pos := len(m.items)
	if after != "" {
		for i, existing := range m.items {
			if existing.Label == after || existing.Route == after {
				pos = i + 1
				break
			}
		}
	}
	m.items = append(m.items, schema.MenuItem{})
	copy(m.items[pos+1:], m.items[pos:])
	m.items[pos] = item
	return m.snapshotLocked()
}

// remove deletes by route or source id.
func (m *menuModel) remove(id string) ([]schema.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.items {
		if existing.Route == id || existing.SourceID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return m.snapshotLocked(), nil
		}
	}
	return nil, errors.New("menu: no such item")
}

// replace swaps the whole sequence.
func (m *menuModel) replace(items []schema.MenuItem) []schema.MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make([]schema.MenuItem, len(items))
	copy(m.items, items)
	return m.snapshotLocked()
}

func (m *menuModel) snapshotLocked() []schema.MenuItem {
	out := make([]schema.MenuItem, len(m.items))
	copy(out, m.items)
	return out
}

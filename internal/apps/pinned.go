// Package apps keeps the list of applications pinned to the dock.
package apps

import (
	"path/filepath"
	"slices"

	"github.com/linkfrg/lst/internal/store"
)

type pinnedFile struct {
	Pinned []string `json:"pinned"`
}

// Pinned is the persisted list of pinned application ids (desktop file
// names). It is owned by the loop.
type Pinned struct {
	path string
	ids  []string
	// OnChange is called after every mutation.
	OnChange func(ids []string)
}

// DefaultPath returns $XDG_CACHE_HOME/lst/apps.json.
func DefaultPath() (string, error) {
	dir, err := store.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "apps.json"), nil
}

// Load reads the pinned list from path.
func Load(path string) (*Pinned, error) {
	f, err := store.ReadJSON(path, pinnedFile{Pinned: []string{}})
	if err != nil {
		return nil, err
	}
	return &Pinned{path: path, ids: f.Pinned}, nil
}

// List returns the pinned ids in pin order.
func (p *Pinned) List() []string {
	return slices.Clone(p.ids)
}

// IsPinned reports whether id is pinned.
func (p *Pinned) IsPinned(id string) bool {
	return slices.Contains(p.ids, id)
}

// Pin appends id. Pinning twice is a no-op.
func (p *Pinned) Pin(id string) error {
	if p.IsPinned(id) {
		return nil
	}
	p.ids = append(p.ids, id)
	return p.save()
}

// Unpin removes id.
func (p *Pinned) Unpin(id string) error {
	i := slices.Index(p.ids, id)
	if i < 0 {
		return nil
	}
	p.ids = slices.Delete(p.ids, i, i+1)
	return p.save()
}

func (p *Pinned) save() error {
	if err := store.WriteJSON(p.path, pinnedFile{Pinned: p.ids}); err != nil {
		return err
	}
	if p.OnChange != nil {
		p.OnChange(p.List())
	}
	return nil
}

package session

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-vault/internal/assets"
	"github.com/keithlinneman/linnemanlabs-vault/internal/source"
)

// ErrLocked is reported by ReadyErr while no table is loaded.
var ErrLocked = errors.New("session: locked")

// ContainerInfo describes the container a table was decrypted from.
type ContainerInfo struct {
	SHA256   string
	Version  string
	Source   source.Kind
	Location string
	Size     int
}

// State is an unlocked session. A nil *State means Locked.
type State struct {
	Table      assets.Table
	Container  ContainerInfo
	UnlockedAt time.Time

	// Stale is set when the published container changed after unlock.
	Stale       bool
	LiveVersion string
}

type Manager struct {
	active atomic.Pointer[State]
}

func NewManager() *Manager { return &Manager{} }

// Set installs s as the unlocked state, replacing any previous table.
func (m *Manager) Set(s State) {
	cp := new(State)
	*cp = s
	cp.Stale = false
	cp.LiveVersion = ""
	if cp.UnlockedAt.IsZero() {
		cp.UnlockedAt = time.Now().UTC()
	}
	m.active.Store(cp)
}

// Get returns the unlocked state, or false while locked.
func (m *Manager) Get() (*State, bool) {
	s := m.active.Load()
	return s, s != nil
}

func (m *Manager) Unlocked() bool {
	return m.active.Load() != nil
}

// Resolve looks path up in the unlocked table. Always a miss while locked.
func (m *Manager) Resolve(path string) (assets.Asset, bool) {
	s := m.active.Load()
	if s == nil {
		return assets.Asset{}, false
	}
	return s.Table.Lookup(path)
}

// UnlockedVersion reports the container version behind the current table.
func (m *Manager) UnlockedVersion() (string, bool) {
	s := m.active.Load()
	if s == nil {
		return "", false
	}
	return s.Container.Version, true
}

// MarkStale flags the current state as serving an older container than
// live. It does nothing and returns false if the state no longer comes
// from unlocked.
func (m *Manager) MarkStale(unlocked, live string) bool {
	for {
		cur := m.active.Load()
		if cur == nil || cur.Container.Version != unlocked {
			return false
		}
		if cur.Stale && cur.LiveVersion == live {
			return true
		}
		next := new(State)
		*next = *cur
		next.Stale = true
		next.LiveVersion = live
		if m.active.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// ClearStale drops the stale flag once the published container is back at
// unlocked. It returns false if the state no longer comes from unlocked.
func (m *Manager) ClearStale(unlocked string) bool {
	for {
		cur := m.active.Load()
		if cur == nil || cur.Container.Version != unlocked {
			return false
		}
		if !cur.Stale {
			return true
		}
		next := new(State)
		*next = *cur
		next.Stale = false
		next.LiveVersion = ""
		if m.active.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// ContainerVersion and ContainerHash are empty while locked.
func (m *Manager) ContainerVersion() string {
	if s := m.active.Load(); s != nil {
		return s.Container.Version
	}
	return ""
}

func (m *Manager) ContainerHash() string {
	if s := m.active.Load(); s != nil {
		return s.Container.SHA256
	}
	return ""
}

// Status is the asset-free summary exposed on the control API.
type Status struct {
	Unlocked   bool       `json:"unlocked"`
	Stale      bool       `json:"stale"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
	Assets     int        `json:"assets,omitempty"`
}

func (m *Manager) Status() Status {
	s := m.active.Load()
	if s == nil {
		return Status{}
	}
	at := s.UnlockedAt
	return Status{Unlocked: true, Stale: s.Stale, UnlockedAt: &at, Assets: s.Table.Len()}
}

// ReadyErr returns ErrLocked until the first successful unlock. It is
// informational; serving does not wait for it.
func (m *Manager) ReadyErr() error {
	if !m.Unlocked() {
		return ErrLocked
	}
	return nil
}

// Package presence caches the voice-channel snapshot of each guild and
// consumes the feed that keeps it current.
package presence

import (
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/store"
)

// Store holds one snapshot per guild. Snapshots are replaced wholesale and
// never patched.
type Store struct {
	snapshots *store.Store[string, models.PresenceSnapshot]
}

// NewStore creates an empty presence store.
func NewStore() *Store {
	return &Store{
		snapshots: store.New[string](models.PresenceSnapshot.Clone),
	}
}

// Get returns the snapshot of guildID.
func (s *Store) Get(guildID string) (models.PresenceSnapshot, bool) {
	return s.snapshots.Get(guildID)
}

// Replace stores snap as the snapshot of guildID, whatever was there before,
// and returns the stored copy.
func (s *Store) Replace(guildID string, snap models.PresenceSnapshot) models.PresenceSnapshot {
	snap.GuildID = guildID
	return s.snapshots.Upsert(guildID, func(_ models.PresenceSnapshot, _ bool) models.PresenceSnapshot {
		return snap
	})
}

// Invalidate drops the snapshot of guildID and reports whether one existed.
func (s *Store) Invalidate(guildID string) bool {
	return s.snapshots.Remove(guildID)
}

// Guilds returns the guilds with a cached snapshot.
func (s *Store) Guilds() []string {
	return s.snapshots.Keys()
}

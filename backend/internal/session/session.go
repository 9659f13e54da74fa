// Package session tracks the users connected to one flow document and their
// live presence (cursor, selection, liveness).
package session

import (
	"hash/fnv"
	"sort"
	"time"
)

// palette used for user colors; indexes are stable so a user keeps the same
// color across reconnects.
var palette = []string{
	"#E6194B", "#3CB44B", "#4363D8", "#F58231", "#911EB4", "#42D4F4",
	"#F032E6", "#469990", "#9A6324", "#800000", "#808000", "#000075",
}

// ColorFor derives a user's display color from the user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Selection struct {
	NodeIDs []string `json:"nodeIds,omitempty"`
	EdgeIDs []string `json:"edgeIds,omitempty"`
}

func (s *Selection) clone() *Selection {
	if s == nil {
		return nil
	}
	return &Selection{
		NodeIDs: append([]string(nil), s.NodeIDs...),
		EdgeIDs: append([]string(nil), s.EdgeIDs...),
	}
}

// UserInfo is the identity supplied by the caller at join time.
type UserInfo struct {
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type Presence struct {
	UserID       string     `json:"userId"`
	DisplayName  string     `json:"displayName,omitempty"`
	Avatar       string     `json:"avatar,omitempty"`
	Color        string     `json:"color"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LastActivity time.Time  `json:"lastActivity"`
	// Active is computed when listing: now - LastActivity < activity window.
	Active bool `json:"active"`
}

func (p *Presence) snapshot() Presence {
	out := *p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	out.Selection = p.Selection.clone()
	return out
}

// Session is the set of users editing one document. It is not safe for
// concurrent use; the document actor owns it.
type Session struct {
	DocumentID   string
	CreatedAt    time.Time
	LastActivity time.Time

	users map[string]*Presence
}

func New(documentID string, now time.Time) *Session {
	return &Session{
		DocumentID:   documentID,
		CreatedAt:    now,
		LastActivity: now,
		users:        make(map[string]*Presence),
	}
}

func (s *Session) Len() int { return len(s.users) }

func (s *Session) Has(userID string) bool {
	_, ok := s.users[userID]
	return ok
}

func (s *Session) Get(userID string) (Presence, bool) {
	p, ok := s.users[userID]
	if !ok {
		return Presence{}, false
	}
	return p.snapshot(), true
}

// Join inserts or overwrites the user's presence entry.
func (s *Session) Join(userID string, info UserInfo, now time.Time) Presence {
	name := info.DisplayName
	if name == "" {
		name = userID
	}
	p := &Presence{
		UserID:       userID,
		DisplayName:  name,
		Avatar:       info.Avatar,
		Color:        ColorFor(userID),
		JoinedAt:     now,
		LastActivity: now,
		Active:       true,
	}
	s.users[userID] = p
	s.LastActivity = now
	return p.snapshot()
}

// Leave removes the user and reports whether it was present.
func (s *Session) Leave(userID string, now time.Time) bool {
	if _, ok := s.users[userID]; !ok {
		return false
	}
	delete(s.users, userID)
	s.LastActivity = now
	return true
}

// Touch refreshes the user's activity timestamp.
func (s *Session) Touch(userID string, now time.Time) bool {
	p, ok := s.users[userID]
	if !ok {
		return false
	}
	p.LastActivity = now
	s.LastActivity = now
	return true
}

func (s *Session) UpdateCursor(userID string, c Cursor, now time.Time) (Presence, bool) {
	p, ok := s.users[userID]
	if !ok {
		return Presence{}, false
	}
	p.Cursor = &c
	p.LastActivity = now
	s.LastActivity = now
	return p.snapshot(), true
}

func (s *Session) UpdateSelection(userID string, sel Selection, now time.Time) (Presence, bool) {
	p, ok := s.users[userID]
	if !ok {
		return Presence{}, false
	}
	p.Selection = sel.clone()
	p.LastActivity = now
	s.LastActivity = now
	return p.snapshot(), true
}

// Users lists presence entries ordered by join time, annotated with liveness.
func (s *Session) Users(now time.Time, activityWindow time.Duration) []Presence {
	out := make([]Presence, 0, len(s.users))
	for _, p := range s.users {
		snap := p.snapshot()
		snap.Active = now.Sub(p.LastActivity) < activityWindow
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// ExpireStale removes users idle for longer than ttl and returns their ids
// in sorted order.
func (s *Session) ExpireStale(now time.Time, ttl time.Duration) []string {
	var removed []string
	for id, p := range s.users {
		if now.Sub(p.LastActivity) > ttl {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		delete(s.users, id)
	}
	return removed
}

// Idle reports whether the whole session saw no activity for longer than
// timeout.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) > timeout
}

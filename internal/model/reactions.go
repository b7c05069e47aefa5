package model

import "sort"

// Reactions maps emoji to the set of reactor user ids.
// An emoji with no reactors is never kept, and an empty set is nil.
type Reactions map[string]map[string]struct{}

func (r Reactions) Has(emoji, userID string) bool {
	_, ok := r[emoji][userID]
	return ok
}

// Add reports whether the set changed.
func (r *Reactions) Add(emoji, userID string) bool {
	if r.Has(emoji, userID) {
		return false
	}
	if *r == nil {
		*r = make(Reactions)
	}
	users, ok := (*r)[emoji]
	if !ok {
		users = make(map[string]struct{})
		(*r)[emoji] = users
	}
	users[userID] = struct{}{}
	return true
}

// Remove reports whether the set changed.
func (r *Reactions) Remove(emoji, userID string) bool {
	if !r.Has(emoji, userID) {
		return false
	}
	users := (*r)[emoji]
	delete(users, userID)
	if len(users) == 0 {
		delete(*r, emoji)
	}
	if len(*r) == 0 {
		*r = nil
	}
	return true
}

// EmojisOf returns the emojis userID currently holds, sorted.
func (r Reactions) EmojisOf(userID string) []string {
	var out []string
	for emoji, users := range r {
		if _, ok := users[userID]; ok {
			out = append(out, emoji)
		}
	}
	sort.Strings(out)
	return out
}

func (r Reactions) Count(emoji string) int { return len(r[emoji]) }

// Users returns the reactors for emoji, sorted.
func (r Reactions) Users(emoji string) []string {
	out := make([]string, 0, len(r[emoji]))
	for u := range r[emoji] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (r Reactions) Clone() Reactions {
	if len(r) == 0 {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		cp := make(map[string]struct{}, len(users))
		for u := range users {
			cp[u] = struct{}{}
		}
		out[emoji] = cp
	}
	return out
}

// ReactionGroup is aggregated reaction info for display.
type ReactionGroup struct {
	Emoji string
	Count int
	Users []string
}

// Groups returns one entry per emoji, ordered by count desc then emoji.
func (r Reactions) Groups() []ReactionGroup {
	out := make([]ReactionGroup, 0, len(r))
	for emoji := range r {
		out = append(out, ReactionGroup{Emoji: emoji, Count: r.Count(emoji), Users: r.Users(emoji)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emoji < out[j].Emoji
	})
	return out
}

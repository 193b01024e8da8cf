package domain

import (
	"sort"
	"time"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

const maxBadgeDeputies = 3

// memberProfile is the display identity attached to badge entries.
type memberProfile struct {
	Name       string
	PhotoURL   string
	ProfileURL string
}

// buildBadge is the pure projection from reply history to the displayed
// "currently available performer" badge. It is deterministic: the same ask
// history always yields the same badge, so the incremental on-reply path
// and any reconciliation job can both call it safely.
func buildBadge(actID string, dateISO string, asks []storage.AskRecord, profiles map[string]memberProfile) storage.BadgeRecord {
	badge := storage.BadgeRecord{
		ActID:    actID,
		DateISO:  dateISO,
		Deputies: []storage.BadgeDeputy{},
	}

	var replied []storage.AskRecord
	for _, ask := range asks {
		switch ask.Reply {
		case storage.ReplyYes, storage.ReplyNo, storage.ReplyUnavailable:
			if ask.RepliedAt != nil {
				replied = append(replied, ask)
			}
		}
	}
	if len(replied) == 0 {
		return badge
	}
	sort.Slice(replied, func(i, j int) bool {
		if !replied[i].RepliedAt.Equal(*replied[j].RepliedAt) {
			return replied[i].RepliedAt.Before(*replied[j].RepliedAt)
		}
		return replied[i].ID < replied[j].ID
	})

	var setAt time.Time
	for _, ask := range replied {
		if ask.RepliedAt.After(setAt) {
			setAt = *ask.RepliedAt
		}
		if badge.VenueAddress == "" {
			badge.VenueAddress = ask.VenueAddress
		}
	}
	badge.SetAt = setAt

	// Earliest lead YES wins the active badge outright.
	for _, ask := range replied {
		if ask.Reply != storage.ReplyYes || ask.Origin != storage.OriginLead {
			continue
		}
		profile := profiles[ask.MusicianID]
		badge.Active = true
		badge.IsDeputy = false
		badge.MusicianID = ask.MusicianID
		badge.VocalistName = profile.Name
		badge.PhotoURL = profile.PhotoURL
		badge.ProfileURL = profile.ProfileURL
		badge.VenueAddress = ask.VenueAddress
		return badge
	}

	// Only deputies said yes: newest-first, distinct by musician, capped.
	var deputyYes []storage.AskRecord
	for _, ask := range replied {
		if ask.Reply == storage.ReplyYes && ask.Origin == storage.OriginDeputy {
			deputyYes = append(deputyYes, ask)
		}
	}
	if len(deputyYes) == 0 {
		return badge
	}

	seen := make(map[string]bool, len(deputyYes))
	for i := len(deputyYes) - 1; i >= 0; i-- {
		ask := deputyYes[i]
		if ask.MusicianID == "" || seen[ask.MusicianID] {
			continue
		}
		seen[ask.MusicianID] = true
		profile := profiles[ask.MusicianID]
		badge.Deputies = append(badge.Deputies, storage.BadgeDeputy{
			MusicianID:   ask.MusicianID,
			VocalistName: profile.Name,
			PhotoURL:     profile.PhotoURL,
			ProfileURL:   profile.ProfileURL,
			RepliedAt:    ask.RepliedAt.UTC().UnixMilli(),
		})
		if len(badge.Deputies) == maxBadgeDeputies {
			break
		}
	}

	newest := deputyYes[len(deputyYes)-1]
	newestProfile := profiles[newest.MusicianID]
	badge.Active = false
	badge.IsDeputy = true
	badge.MusicianID = newest.MusicianID
	badge.VocalistName = newestProfile.Name
	badge.PhotoURL = newestProfile.PhotoURL
	badge.ProfileURL = newestProfile.ProfileURL
	badge.VenueAddress = newest.VenueAddress
	return badge
}

package statistics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meldhub/core/store"
)

// Announcement threshold: the banner only makes sense once the
// municipality has actually resolved a couple of reports this year.
const announcementMinResolved = 2

type Announcement struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// MapAnnouncement returns the once-per-month banner for the map view,
// or nil when the user already saw it this month or the year's resolved
// count is below the threshold.
func (a *Aggregator) MapAnnouncement(ctx context.Context, integrationID int64, userID string, now time.Time) (*Announcement, error) {
	if userID == "" {
		return nil, nil
	}
	now = now.UTC()
	stats, err := a.statistics.GetYear(ctx, integrationID, now.Year())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if stats.ResolvedCount < announcementMinResolved {
		return nil, nil
	}
	fresh, err := a.statistics.MarkAnnouncementShown(ctx, userID, now.Year(), int(now.Month()))
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, nil
	}
	return &Announcement{
		Title:   "Opgeloste meldingen",
		Message: fmt.Sprintf("Dit jaar werden al %d meldingen opgelost.", stats.ResolvedCount),
	}, nil
}

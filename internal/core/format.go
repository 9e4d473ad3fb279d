package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/sharath3589/meme-wrangler/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// Label renders the composite one-line description used in previews and
// the pending list.
func Label(it storage.Item, loc *time.Location) string {
	kind := string(it.Kind)
	if kind == "" {
		kind = string(storage.KindImage)
	}
	parts := []string{
		fmt.Sprintf("ID: %d", it.ID),
		"Time: " + it.ScheduledAt.In(loc).Format(timeLayout),
		"Type: " + kind,
	}
	if it.Caption != "" {
		parts = append(parts, "Caption: "+it.Caption)
	}
	return strings.Join(parts, ", ")
}

// FormatTime renders a schedule timestamp for owner-facing replies.
func FormatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(timeLayout)
}

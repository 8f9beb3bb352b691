package browser

import (
	"context"
	"errors"
	"regexp"
)

type contextKey string

const tabKey contextKey = "browser.tab"

// ErrInvalidID is returned for browser or tab IDs that cannot be used in storage keys
var ErrInvalidID = errors.New("invalid browser or tab id")

// IDs end up inside storage keys, so they are restricted to a safe alphabet
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Tab identifies one tab of one browser profile. BrowserID is shared by all
// tabs of the profile (a long-lived cookie); TabID survives reloads of a
// single tab (page sessionStorage) but not a new tab.
type Tab struct {
	BrowserID string
	TabID     string
}

// Valid reports whether both IDs are usable
func (t Tab) Valid() bool {
	return idPattern.MatchString(t.BrowserID) && idPattern.MatchString(t.TabID)
}

// String is used as a log field and a singleflight key
func (t Tab) String() string {
	return t.BrowserID + "/" + t.TabID
}

// ValidateID checks a single browser or tab ID
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// WithTab adds the tab to the context
func WithTab(ctx context.Context, tab Tab) context.Context {
	return context.WithValue(ctx, tabKey, tab)
}

// TabFrom retrieves the tab from context
func TabFrom(ctx context.Context) (Tab, bool) {
	tab, ok := ctx.Value(tabKey).(Tab)
	if !ok || !tab.Valid() {
		return Tab{}, false
	}
	return tab, true
}

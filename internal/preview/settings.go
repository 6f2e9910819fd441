package preview

import (
	"time"

	"go-live-book/internal/bridge"
)

// Refresh delay bounds.
const (
	DefaultRefreshDelay = time.Second
	MinRefreshDelay     = 250 * time.Millisecond
	MaxRefreshDelay     = 10 * time.Second
)

// Settings are the user options consumed by the controller.
type Settings struct {
	RefreshDelay  time.Duration
	AutoReload    bool
	SyncToPreview bool
	Fonts         bridge.Fonts
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		RefreshDelay:  DefaultRefreshDelay,
		AutoReload:    true,
		SyncToPreview: true,
		Fonts:         bridge.DefaultFonts(),
	}
}

// ClampRefreshDelay brings d into the supported range. Zero selects the
// default.
func ClampRefreshDelay(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultRefreshDelay
	case d < MinRefreshDelay:
		return MinRefreshDelay
	case d > MaxRefreshDelay:
		return MaxRefreshDelay
	}
	return d
}

func (s Settings) normalized() Settings {
	s.RefreshDelay = ClampRefreshDelay(s.RefreshDelay)
	def := bridge.DefaultFonts()
	if s.Fonts.Standard == "" {
		s.Fonts.Standard = def.Standard
	}
	fill := func(f *bridge.Face, d bridge.Face) {
		if f.Family == "" {
			f.Family = d.Family
		}
		if f.Size <= 0 {
			f.Size = d.Size
		}
	}
	fill(&s.Fonts.Serif, def.Serif)
	fill(&s.Fonts.Sans, def.Sans)
	fill(&s.Fonts.Mono, def.Mono)
	return s
}

// pollDeadline is how long the transport waits for annotated bytes.
func (s Settings) pollDeadline() time.Duration {
	return 2 * s.RefreshDelay
}

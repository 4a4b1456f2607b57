package notify

import (
	"context"

	"go.uber.org/zap"
)

// Alerter produces the user-visible cue for a notification. Both calls are
// best-effort: failures must be swallowed by the caller and never block the
// counter update.
type Alerter interface {
	PlaySound(ctx context.Context) error
	ShowDesktop(ctx context.Context, title, body string) error
}

// Preferences gates which cues the user wants.
type Preferences interface {
	SoundEnabled() bool
	DesktopEnabled() bool
}

// StaticPreferences is a fixed preference set.
type StaticPreferences struct {
	Sound   bool
	Desktop bool
}

func (p StaticPreferences) SoundEnabled() bool   { return p.Sound }
func (p StaticPreferences) DesktopEnabled() bool { return p.Desktop }

// LogAlerter records cues in the log instead of producing them; the real
// sound/desktop delivery happens in the browser, driven by the forwarded
// event.
type LogAlerter struct {
	Logger *zap.Logger
}

func (a LogAlerter) PlaySound(ctx context.Context) error {
	a.Logger.Debug("Notification sound cue")
	return nil
}

func (a LogAlerter) ShowDesktop(ctx context.Context, title, body string) error {
	a.Logger.Debug("Desktop notification cue",
		zap.String("title", title),
		zap.String("body", body),
	)
	return nil
}

// Package ui renders the CLI's user-facing chrome: banners, auth status
// lines, the waiting animation, and the session status line.
package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	amber     = lipgloss.Color("214")
	dimGreen  = lipgloss.Color("65")
	dimYellow = lipgloss.Color("143")
	dimGrey   = lipgloss.Color("241")
	secondary = lipgloss.Color("245")

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(amber)
	secondaryStyle = lipgloss.NewStyle().Foreground(secondary)
	successStyle   = lipgloss.NewStyle().Foreground(dimGreen)
	warnStyle      = lipgloss.NewStyle().Foreground(dimYellow)

	statusAttached     = lipgloss.NewStyle().Foreground(dimGreen).Render("● klaas")
	statusReconnecting = lipgloss.NewStyle().Foreground(dimYellow).Render("● klaas reconnecting")
	statusOffline      = lipgloss.NewStyle().Foreground(dimGrey).Render("● klaas offline")
)

// StartupBanner prints the klaas banner shown before authentication and on
// session start.
func StartupBanner(version string) {
	fmt.Println()
	fmt.Println("  " + titleStyle.Render("klaas") + secondaryStyle.Render(" · remote access for terminal agents · v"+version))
	fmt.Println()
}

// OfflineBanner prints the one-time notice that the session runs without a
// relay connection.
func OfflineBanner() {
	fmt.Println("  " + warnStyle.Render("!") + secondaryStyle.Render(" Running offline. Output is not being streamed."))
}

// AuthSuccess prints the single-line authentication success notice.
func AuthSuccess() {
	fmt.Println("  " + successStyle.Render("✓") + secondaryStyle.Render(" Authenticated."))
}

// AuthFailure prints the single-line authentication failure notice.
func AuthFailure(err error) {
	fmt.Println("  " + warnStyle.Render("!") + secondaryStyle.Render(" Authentication failed: "+err.Error()))
}

// CodeExpired prints the notice shown when a device code expires and the
// flow restarts.
func CodeExpired() {
	fmt.Println("  " + warnStyle.Render("!") + secondaryStyle.Render(" Code expired. Requesting a new one..."))
}

// VerificationPrompt shows the device-flow URL and user code.
func VerificationPrompt(uri, userCode string) {
	fmt.Println("  " + secondaryStyle.Render("Open ") + titleStyle.Render(uri))
	fmt.Println("  " + secondaryStyle.Render("and enter code ") + titleStyle.Render(userCode))
	fmt.Println()
	fmt.Println("  " + secondaryStyle.Render("Press ESC to skip and run offline, Ctrl-C to quit."))
}

// StatusLine returns the status-line text for a connection state name.
func StatusLine(state string) string {
	switch state {
	case "attached":
		return statusAttached
	case "connecting", "reconnecting":
		return statusReconnecting
	default:
		return statusOffline
	}
}

// ModeChangeNotice formats a guest-side input-mode change notification.
func ModeChangeNotice(mode, message string) string {
	s := "input mode: " + mode
	if message != "" {
		s += " — " + message
	}
	return secondaryStyle.Render(s)
}

// spinnerFrames animate the device-flow wait.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// AnimationInterval is the spinner frame period.
const AnimationInterval = 100 * time.Millisecond

// WaitingAnimation renders a spinner with the time remaining on the device
// code, redrawing in place.
type WaitingAnimation struct {
	started time.Time
	total   time.Duration
	frame   int
}

// NewWaitingAnimation creates an animation for a code valid expiresIn long.
func NewWaitingAnimation(expiresIn time.Duration) *WaitingAnimation {
	return &WaitingAnimation{started: time.Now(), total: expiresIn}
}

// RenderFrame draws the next spinner frame over the current line.
func (w *WaitingAnimation) RenderFrame() {
	remaining := w.total - time.Since(w.started)
	if remaining < 0 {
		remaining = 0
	}
	frame := spinnerFrames[w.frame%len(spinnerFrames)]
	w.frame++
	fmt.Fprintf(os.Stdout, "\r  %s %s",
		warnStyle.Render(frame),
		secondaryStyle.Render(fmt.Sprintf("Waiting for approval... %d:%02d",
			int(remaining.Minutes()), int(remaining.Seconds())%60)))
}

// Clear erases the animation line.
func (w *WaitingAnimation) Clear() {
	fmt.Fprint(os.Stdout, "\r\x1b[2K")
}

// HideCursor hides the terminal cursor.
func HideCursor() { fmt.Fprint(os.Stdout, "\x1b[?25l") }

// ShowCursor restores the terminal cursor.
func ShowCursor() { fmt.Fprint(os.Stdout, "\x1b[?25h") }

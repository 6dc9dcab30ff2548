package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NavigationError reports that the target did not load within the
// navigation timeout, or refused the connection.
type NavigationError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s (timeout %s): %v", e.URL, e.Timeout, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// VisibilityTimeoutError reports that the expected element never became
// visible. Seen holds the names of same-role elements from the last probe.
type VisibilityTimeoutError struct {
	Role    string
	Name    string
	Timeout time.Duration
	Seen    []string
	Err     error
}

func (e *VisibilityTimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q not visible after %s", e.Role, e.Name, e.Timeout)
	if len(e.Seen) > 0 {
		fmt.Fprintf(&b, " (found %s: %q)", e.Role, e.Seen)
	}
	if e.Err != nil && !errors.Is(e.Err, context.DeadlineExceeded) {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *VisibilityTimeoutError) Unwrap() error { return e.Err }

type ScreenshotError struct {
	Path string
	Err  error
}

func (e *ScreenshotError) Error() string {
	return fmt.Sprintf("screenshot %s: %v", e.Path, e.Err)
}

func (e *ScreenshotError) Unwrap() error { return e.Err }

// BrowserError reports that no browser could be launched or connected.
type BrowserError struct {
	Err error
}

func (e *BrowserError) Error() string {
	return fmt.Sprintf("browser: %v", e.Err)
}

func (e *BrowserError) Unwrap() error { return e.Err }

const (
	KindNavigation = "navigation"
	KindVisibility = "visibility"
	KindScreenshot = "screenshot"
	KindBrowser    = "browser"
	KindCanceled   = "canceled"
	KindUnknown    = "unknown"
)

// Kind classifies err for the run report. A nil error has no kind.
func Kind(err error) string {
	var (
		nav  *NavigationError
		vis  *VisibilityTimeoutError
		shot *ScreenshotError
		brw  *BrowserError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &nav):
		return KindNavigation
	case errors.As(err, &vis):
		return KindVisibility
	case errors.As(err, &shot):
		return KindScreenshot
	case errors.As(err, &brw):
		return KindBrowser
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

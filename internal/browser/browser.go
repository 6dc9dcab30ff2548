// Package browser acquires a headless browser and drives a single page
// through navigation, accessibility queries and screenshots. Two drivers
// are available: chromedp (default) and go-rod.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pinchtab/pageverify/internal/a11y"
	"github.com/pinchtab/pageverify/internal/config"
)

const (
	chromeStartTimeout = 15 * time.Second
	readyPollInterval  = 200 * time.Millisecond
)

// Launcher starts a browser and opens one page.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// Session owns a browser and its page. Close releases the browser and is
// safe to call more than once.
type Session interface {
	Page() Page
	PID() int
	Close() error
}

type Page interface {
	// Navigate loads url and returns once document.readyState is
	// interactive or complete.
	Navigate(ctx context.Context, url string) error
	AXTree(ctx context.Context) ([]a11y.RawAXNode, error)
	BoxModel(ctx context.Context, backendNodeID int64) (a11y.Box, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	DisableAnimations(ctx context.Context) error
}

// New returns the launcher for cfg.Driver.
func New(cfg *config.RuntimeConfig) (Launcher, error) {
	switch cfg.Driver {
	case config.DriverChromedp, "":
		return &chromedpLauncher{cfg: cfg}, nil
	case config.DriverRod:
		return &rodLauncher{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// DisableAnimationsCSS force-disables CSS animations and transitions on the
// current document.
const DisableAnimationsCSS = `
(function() {
  const style = document.createElement('style');
  style.setAttribute('data-pageverify', 'no-animations');
  style.textContent = '*, *::before, *::after { animation: none !important; animation-duration: 0s !important; transition: none !important; transition-duration: 0s !important; scroll-behavior: auto !important; caret-color: transparent !important; }';
  (document.head || document.documentElement).appendChild(style);
})();
`

// bind derives a context from a driver-owned parent that also observes the
// caller's deadline and cancellation.
func bind(parent, ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		c      context.Context
		cancel context.CancelFunc
	)
	if dl, ok := ctx.Deadline(); ok {
		c, cancel = context.WithDeadline(parent, dl)
	} else {
		c, cancel = context.WithCancel(parent)
	}
	// A caller deadline expires on the copied deadline, so the bound context
	// reports DeadlineExceeded rather than Canceled.
	stop := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			cancel()
		}
	})
	return c, func() {
		stop()
		cancel()
	}
}

// waitReady polls document.readyState until the page is usable.
func waitReady(ctx context.Context, readyState func(context.Context) (string, error)) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		state, err := readyState(ctx)
		if err == nil && (state == "interactive" || state == "complete") {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("%w (readyState %q)", ctx.Err(), state)
		case <-ticker.C:
		}
	}
}

type chromeFlag struct {
	Name  string
	Value string
}

// parseExtraFlags splits CHROME_FLAGS ("--a=b --c") into name/value pairs.
// A flag without "=" has an empty value.
func parseExtraFlags(s string) []chromeFlag {
	var out []chromeFlag
	for _, f := range strings.Fields(s) {
		k, v, _ := strings.Cut(f, "=")
		k = strings.TrimLeft(k, "-")
		if k == "" {
			continue
		}
		out = append(out, chromeFlag{Name: k, Value: v})
	}
	return out
}

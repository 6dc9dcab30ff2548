// Package verify drives one navigate-and-assert flow against a page and
// leaves a screenshot behind as evidence.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pinchtab/pageverify/internal/a11y"
	"github.com/pinchtab/pageverify/internal/browser"
	"github.com/pinchtab/pageverify/internal/config"
	"github.com/pinchtab/pageverify/internal/evidence"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	screenshotTimeout   = 30 * time.Second
	diagnosticTimeout   = 10 * time.Second
)

type Verifier struct {
	Launcher     browser.Launcher
	Store        *evidence.Store
	Check        config.Check
	Driver       string
	FullPage     bool
	NoAnimations bool
	Report       bool

	// Out receives the human-facing progress lines.
	Out io.Writer

	PollInterval time.Duration
	now          func() time.Time
	newID        func() string
}

func New(cfg *config.RuntimeConfig, l browser.Launcher, out io.Writer) *Verifier {
	return &Verifier{
		Launcher:     l,
		Store:        evidence.NewStore(cfg.OutputDir),
		Check:        cfg.Check,
		Driver:       cfg.Driver,
		FullPage:     cfg.FullPage,
		NoAnimations: cfg.NoAnimations,
		Report:       cfg.Report,
		Out:          out,
		PollInterval: defaultPollInterval,
	}
}

type Result struct {
	// Screenshot is the success image, or the diagnostic image on failure
	// when one could be captured.
	Screenshot string
	Report     evidence.Report
}

// Run acquires a browser, navigates, waits for the expected element, settles
// and captures a screenshot. The browser is released exactly once on every
// path. On failure the diagnostic screenshot is saved and the error returned.
func (v *Verifier) Run(ctx context.Context) (res Result, err error) {
	now := v.now
	if now == nil {
		now = time.Now
	}
	newID := v.newID
	if newID == nil {
		newID = uuid.NewString
	}

	started := now()
	passed := false
	res.Report = evidence.Report{
		ID:        newID(),
		Check:     v.Check.Name,
		URL:       v.Check.URL,
		Driver:    v.Driver,
		StartedAt: started.UTC(),
	}
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("panic: %v", r)
			v.reportFailure(err)
		}
		v.finish(&res, err, passed, started, now())
		if r != nil {
			panic(r)
		}
	}()

	slog.Info("verify start", "check", v.Check.Name, "url", v.Check.URL, "id", res.Report.ID)

	sess, err := v.Launcher.Launch(ctx)
	if err != nil {
		err = &BrowserError{Err: err}
		v.reportFailure(err)
		return res, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			slog.Warn("browser close", "err", cerr)
		}
	}()

	pg := sess.Page()
	path, err := v.flow(ctx, pg)
	if err != nil {
		v.reportFailure(err)
		res.Screenshot = v.saveDiagnostic(ctx, pg)
		return res, err
	}

	if rerr := v.Store.Remove(v.Check.ErrorScreenshot); rerr != nil {
		slog.Warn("remove stale error screenshot", "err", rerr)
	}
	res.Screenshot = path
	passed = true
	fmt.Fprintf(v.Out, "Screenshot saved to %s\n", path)
	return res, nil
}

func (v *Verifier) flow(ctx context.Context, pg browser.Page) (string, error) {
	c := v.Check

	slog.Info("navigating", "url", c.URL, "timeout", c.NavigateTimeout)
	navCtx, navCancel := context.WithTimeout(ctx, c.NavigateTimeout)
	err := pg.Navigate(navCtx, c.URL)
	navCancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &NavigationError{URL: c.URL, Timeout: c.NavigateTimeout, Err: err}
	}

	if v.NoAnimations {
		if err := pg.DisableAnimations(ctx); err != nil {
			slog.Warn("disable animations", "err", err)
		}
	}

	if err := v.waitVisible(ctx, pg); err != nil {
		return "", err
	}

	if c.SettleDelay > 0 {
		slog.Debug("settling", "delay", c.SettleDelay)
		if err := sleep(ctx, c.SettleDelay); err != nil {
			return "", err
		}
	}

	shotCtx, shotCancel := context.WithTimeout(ctx, screenshotTimeout)
	defer shotCancel()
	data, err := pg.Screenshot(shotCtx, v.FullPage)
	if err != nil {
		return "", &ScreenshotError{Path: v.Store.Path(c.Screenshot), Err: err}
	}
	path, err := v.Store.WriteScreenshot(c.Screenshot, data)
	if err != nil {
		return "", &ScreenshotError{Path: v.Store.Path(c.Screenshot), Err: err}
	}
	slog.Info("screenshot written", "path", path, "bytes", len(data))
	return path, nil
}

// waitVisible polls the accessibility tree until the expected element is
// present with a non-empty box, or the visibility timeout passes.
func (v *Verifier) waitVisible(ctx context.Context, pg browser.Page) error {
	c := v.Check
	interval := v.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	wctx, cancel := context.WithTimeout(ctx, c.VisibleTimeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("waiting for element", "role", c.Role, "name", c.AccessibleName, "timeout", c.VisibleTimeout)
	var (
		last error
		seen []string
	)
	for {
		ok, names, err := probe(wctx, pg, c.Role, c.AccessibleName)
		if ok {
			slog.Info("element visible", "role", c.Role, "name", c.AccessibleName)
			return nil
		}
		if err != nil {
			last = err
		}
		if names != nil {
			seen = names
		}

		select {
		case <-wctx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if last == nil {
				last = wctx.Err()
			}
			return &VisibilityTimeoutError{
				Role:    c.Role,
				Name:    c.AccessibleName,
				Timeout: c.VisibleTimeout,
				Seen:    seen,
				Err:     last,
			}
		case <-ticker.C:
		}
	}
}

var errNoBox = errors.New("element has no layout box")

func probe(ctx context.Context, pg browser.Page, role, name string) (bool, []string, error) {
	nodes, err := pg.AXTree(ctx)
	if err != nil {
		return false, nil, err
	}
	n, found := a11y.Find(nodes, role, name)
	if !found {
		return false, a11y.NamesByRole(nodes, role), nil
	}
	box, err := pg.BoxModel(ctx, n.NodeID)
	if err != nil {
		return false, nil, err
	}
	if !box.Visible() {
		return false, nil, errNoBox
	}
	return true, nil, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (v *Verifier) reportFailure(err error) {
	slog.Error("verify failed", "kind", Kind(err), "err", err)
	fmt.Fprintf(v.Out, "An error occurred: %v\n", err)
}

// saveDiagnostic captures what the page shows at the moment of failure. It
// runs on a fresh deadline so an expired run context still yields an image.
func (v *Verifier) saveDiagnostic(ctx context.Context, pg browser.Page) string {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticTimeout)
	defer cancel()

	data, err := pg.Screenshot(dctx, v.FullPage)
	if err != nil {
		slog.Warn("error screenshot", "err", err)
		return ""
	}
	path, err := v.Store.WriteScreenshot(v.Check.ErrorScreenshot, data)
	if err != nil {
		slog.Warn("error screenshot", "err", err)
		return ""
	}
	fmt.Fprintf(v.Out, "Error screenshot saved to %s\n", path)
	return path
}

func (v *Verifier) finish(res *Result, err error, passed bool, started, finished time.Time) {
	r := &res.Report
	r.FinishedAt = finished.UTC()
	r.DurationMs = finished.Sub(started).Milliseconds()
	r.Screenshot = res.Screenshot
	if passed {
		r.Status = evidence.StatusPassed
	} else {
		r.Status = evidence.StatusFailed
		r.ErrorKind = KindUnknown
		if err != nil {
			r.ErrorKind = Kind(err)
			r.Error = err.Error()
		}
		// the success image of an earlier run must not outlive a failure
		if rerr := v.Store.Remove(v.Check.Screenshot); rerr != nil {
			slog.Warn("remove stale screenshot", "err", rerr)
		}
	}

	slog.Info("verify done", "status", r.Status, "ms", r.DurationMs)
	if !v.Report {
		return
	}
	if _, werr := v.Store.WriteReport(*r); werr != nil {
		slog.Warn("write report", "err", werr)
	}
}

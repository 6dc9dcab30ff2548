package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/pinchtab/pageverify/internal/a11y"
	"github.com/pinchtab/pageverify/internal/config"
)

type chromedpLauncher struct {
	cfg *config.RuntimeConfig
}

func buildChromeOpts(cfg *config.RuntimeConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,

		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-client-side-phishing-detection", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("metrics-recording-only", true),

		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	}

	if runtime.GOOS == "linux" && os.Geteuid() == 0 {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ChromeBinary != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromeBinary))
	}
	for _, f := range parseExtraFlags(cfg.ChromeExtraFlags) {
		if f.Value != "" {
			opts = append(opts, chromedp.Flag(f.Name, f.Value))
		} else {
			opts = append(opts, chromedp.Flag(f.Name, true))
		}
	}

	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	return opts
}

func (l *chromedpLauncher) Launch(ctx context.Context) (Session, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	// The browser lives until Close, not until ctx is done.
	if l.cfg.CdpURL != "" {
		slog.Info("connecting to Chrome", "url", l.cfg.CdpURL)
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), l.cfg.CdpURL)
	} else {
		slog.Info("launching Chrome", "headless", l.cfg.Headless, "binary", l.cfg.ChromeBinary)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), buildChromeOpts(l.cfg)...)
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { slog.Debug(fmt.Sprintf(format, args...)) }),
	)

	s := &chromedpSession{
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	startCtx, startDone := context.WithTimeout(ctx, chromeStartTimeout)
	defer startDone()

	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-startCtx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("start chrome: %w", startCtx.Err())
	}

	if c := chromedp.FromContext(tabCtx); c != nil && c.Browser != nil {
		if p := c.Browser.Process(); p != nil {
			s.pid = p.Pid
		}
	}
	slog.Debug("chrome started", "pid", s.pid)
	return s, nil
}

type chromedpSession struct {
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	pid         int

	once sync.Once
	err  error
}

func (s *chromedpSession) Page() Page {
	return &chromedpPage{ctx: s.tabCtx}
}

func (s *chromedpSession) PID() int {
	return s.pid
}

// Close shuts the browser down gracefully, then cancels the allocator,
// which kills the process if it is still alive and waits for it to exit.
func (s *chromedpSession) Close() error {
	s.once.Do(func() {
		if err := chromedp.Cancel(s.tabCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.err = fmt.Errorf("close chrome: %w", err)
		}
		s.tabCancel()
		s.allocCancel()
		slog.Debug("chrome closed", "pid", s.pid)
	})
	return s.err
}

type chromedpPage struct {
	ctx context.Context
}

func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	c, cancel := bind(p.ctx, ctx)
	defer cancel()

	err := chromedp.Run(c,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errorText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errorText != "" {
				return errors.New(errorText)
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	return waitReady(c, func(ctx context.Context) (string, error) {
		var state string
		err := chromedp.Run(ctx, chromedp.Evaluate("document.readyState", &state))
		return state, err
	})
}

func (p *chromedpPage) AXTree(ctx context.Context) ([]a11y.RawAXNode, error) {
	c, cancel := bind(p.ctx, ctx)
	defer cancel()

	var raw json.RawMessage
	if err := chromedp.Run(c,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return chromedp.FromContext(ctx).Target.Execute(ctx,
				"Accessibility.getFullAXTree", nil, &raw)
		}),
	); err != nil {
		return nil, fmt.Errorf("a11y tree: %w", err)
	}

	nodes, err := a11y.ParseTree(raw)
	if err != nil {
		return nil, fmt.Errorf("parse a11y tree: %w", err)
	}
	return nodes, nil
}

func (p *chromedpPage) BoxModel(ctx context.Context, backendNodeID int64) (a11y.Box, error) {
	c, cancel := bind(p.ctx, ctx)
	defer cancel()

	var raw json.RawMessage
	if err := chromedp.Run(c, chromedp.ActionFunc(func(ctx context.Context) error {
		return chromedp.FromContext(ctx).Target.Execute(ctx, "DOM.getBoxModel", map[string]any{
			"backendNodeId": backendNodeID,
		}, &raw)
	})); err != nil {
		return a11y.Box{}, fmt.Errorf("box model: %w", err)
	}

	var box struct {
		Model struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"model"`
	}
	if err := json.Unmarshal(raw, &box); err != nil {
		return a11y.Box{}, fmt.Errorf("parse box model: %w", err)
	}
	return a11y.Box{Width: box.Model.Width, Height: box.Model.Height}, nil
}

func (p *chromedpPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	c, cancel := bind(p.ctx, ctx)
	defer cancel()

	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// quality 100 keeps the PNG encoding
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := chromedp.Run(c, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromedpPage) DisableAnimations(ctx context.Context) error {
	c, cancel := bind(p.ctx, ctx)
	defer cancel()

	return chromedp.Run(c,
		chromedp.Evaluate(DisableAnimationsCSS, nil),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetEmulatedMedia().
				WithFeatures([]*emulation.MediaFeature{
					{Name: "prefers-reduced-motion", Value: "reduce"},
				}).Do(ctx)
		}),
	)
}

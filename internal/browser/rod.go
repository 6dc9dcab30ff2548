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
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pinchtab/pageverify/internal/a11y"
	"github.com/pinchtab/pageverify/internal/config"
)

// closeTimeout bounds the graceful close so a wedged browser is still killed.
const closeTimeout = 5 * time.Second

type rodLauncher struct {
	cfg *config.RuntimeConfig
}

func buildRodLauncher(cfg *config.RuntimeConfig) *launcher.Launcher {
	l := launcher.New().
		Headless(cfg.Headless).
		Set("window-size", fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight)).
		Set("disable-dev-shm-usage").
		Set("hide-scrollbars").
		Set("mute-audio")

	if runtime.GOOS == "linux" && os.Geteuid() == 0 {
		l = l.NoSandbox(true)
	}
	if cfg.ChromeBinary != "" {
		l = l.Bin(cfg.ChromeBinary)
	}
	for _, f := range parseExtraFlags(cfg.ChromeExtraFlags) {
		if f.Value != "" {
			l = l.Set(flags.Flag(f.Name), f.Value)
		} else {
			l = l.Set(flags.Flag(f.Name))
		}
	}
	return l
}

func (l *rodLauncher) Launch(ctx context.Context) (Session, error) {
	startCtx, startDone := context.WithTimeout(ctx, chromeStartTimeout)
	defer startDone()

	s := &rodSession{}

	var controlURL string
	if l.cfg.CdpURL != "" {
		slog.Info("connecting to Chrome", "url", l.cfg.CdpURL, "driver", "rod")
		err := within(startCtx, func() error {
			u, err := launcher.ResolveURL(l.cfg.CdpURL)
			controlURL = u
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("resolve cdp url: %w", err)
		}
		s.remote = true
	} else {
		slog.Info("launching Chrome", "headless", l.cfg.Headless, "binary", l.cfg.ChromeBinary, "driver", "rod")
		// The launcher context only bounds startup; the process lives until Close.
		s.launcher = buildRodLauncher(l.cfg).Context(startCtx)
		u, err := s.launcher.Launch()
		s.pid = s.launcher.PID()
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
		controlURL = u
	}

	// Only the dial is bounded by startCtx; rod ties the connection and its
	// event loop to the browser context, which stays Background.
	client, err := cdp.StartWithURL(startCtx, controlURL, nil)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	s.browser = rod.New().Client(client)
	if err := within(startCtx, s.browser.Connect); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}

	var pg *rod.Page
	err = within(startCtx, func() error {
		p, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		pg = p
		return err
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.page = pg

	slog.Debug("chrome started", "pid", s.pid, "driver", "rod")
	return s, nil
}

// within runs fn and stops waiting for it when ctx is done. fn keeps running
// in that case until Close tears down what it is blocked on, so values set
// by fn may only be read after a nil error.
func within(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type rodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	remote   bool
	pid      int

	once sync.Once
	err  error
}

func (s *rodSession) Page() Page {
	return &rodPage{page: s.page}
}

func (s *rodSession) PID() int {
	return s.pid
}

// Close closes the page of a shared remote browser, or the whole browser it
// launched. A launched process is then killed and its profile removed.
func (s *rodSession) Close() error {
	s.once.Do(func() {
		var errs []error
		switch {
		case s.remote && s.page != nil:
			errs = append(errs, s.page.Timeout(closeTimeout).Close())
		case s.browser != nil:
			errs = append(errs, s.browser.Timeout(closeTimeout).Close())
		}
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
		if err := errors.Join(errs...); err != nil {
			s.err = fmt.Errorf("close chrome: %w", err)
		}
		slog.Debug("chrome closed", "pid", s.pid, "driver", "rod")
	})
	return s.err
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)

	res, err := proto.PageNavigate{URL: url}.Call(pg)
	if err != nil {
		return err
	}
	if res.ErrorText != "" {
		return errors.New(res.ErrorText)
	}

	return waitReady(ctx, func(ctx context.Context) (string, error) {
		obj, err := p.page.Context(ctx).Eval(`() => document.readyState`)
		if err != nil {
			return "", err
		}
		return obj.Value.Str(), nil
	})
}

func (p *rodPage) AXTree(ctx context.Context) ([]a11y.RawAXNode, error) {
	res, err := proto.AccessibilityGetFullAXTree{}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("a11y tree: %w", err)
	}

	// proto types carry the CDP field names, so re-decoding keeps one node model.
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode a11y tree: %w", err)
	}
	nodes, err := a11y.ParseTree(raw)
	if err != nil {
		return nil, fmt.Errorf("parse a11y tree: %w", err)
	}
	return nodes, nil
}

func (p *rodPage) BoxModel(ctx context.Context, backendNodeID int64) (a11y.Box, error) {
	res, err := proto.DOMGetBoxModel{BackendNodeID: proto.DOMBackendNodeID(backendNodeID)}.Call(p.page.Context(ctx))
	if err != nil {
		return a11y.Box{}, fmt.Errorf("box model: %w", err)
	}
	if res.Model == nil {
		return a11y.Box{}, nil
	}
	return a11y.Box{Width: float64(res.Model.Width), Height: float64(res.Model.Height)}, nil
}

func (p *rodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) DisableAnimations(ctx context.Context) error {
	pg := p.page.Context(ctx)
	if _, err := (proto.RuntimeEvaluate{Expression: DisableAnimationsCSS}).Call(pg); err != nil {
		return err
	}
	return proto.EmulationSetEmulatedMedia{
		Features: []*proto.EmulationMediaFeature{
			{Name: "prefers-reduced-motion", Value: "reduce"},
		},
	}.Call(pg)
}

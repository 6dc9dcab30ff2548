package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pinchtab/pageverify/internal/a11y"
	"github.com/pinchtab/pageverify/internal/browser"
	"github.com/pinchtab/pageverify/internal/config"
	"github.com/pinchtab/pageverify/internal/evidence"
)

func axVal(s string) *a11y.RawAXValue {
	b, _ := json.Marshal(s)
	return &a11y.RawAXValue{Type: "string", Value: b}
}

func headingTree(names ...string) []a11y.RawAXNode {
	root := a11y.RawAXNode{NodeID: "root", Role: axVal("RootWebArea"), BackendDOMNodeID: 1}
	nodes := []a11y.RawAXNode{root}
	for i, n := range names {
		id := "h" + string(rune('a'+i))
		nodes[0].ChildIDs = append(nodes[0].ChildIDs, id)
		nodes = append(nodes, a11y.RawAXNode{
			NodeID:           id,
			Role:             axVal("heading"),
			Name:             axVal(n),
			BackendDOMNodeID: int64(10 + i),
		})
	}
	return nodes
}

type fakePage struct {
	navErr     error
	navBlock   bool
	tree       func(calls int) []a11y.RawAXNode
	treePanic  bool
	treeErr    error
	box        a11y.Box
	shotErr    error
	shot       []byte
	treeCalls  int
	shotCalls  int
	disabled   bool
	navigateTo string
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.navigateTo = url
	if p.navBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.navErr
}

func (p *fakePage) AXTree(ctx context.Context) ([]a11y.RawAXNode, error) {
	p.treeCalls++
	if p.treePanic {
		panic("tree walker bug")
	}
	if p.treeErr != nil {
		return nil, p.treeErr
	}
	if p.tree == nil {
		return headingTree("Welcome back"), nil
	}
	return p.tree(p.treeCalls), nil
}

func (p *fakePage) BoxModel(ctx context.Context, id int64) (a11y.Box, error) {
	return p.box, nil
}

func (p *fakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	p.shotCalls++
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	if p.shot != nil {
		return p.shot, nil
	}
	return []byte("\x89PNG-fake"), nil
}

func (p *fakePage) DisableAnimations(ctx context.Context) error {
	p.disabled = true
	return nil
}

type fakeSession struct {
	page   *fakePage
	closed atomic.Int32
}

func (s *fakeSession) Page() browser.Page { return s.page }
func (s *fakeSession) PID() int           { return 4242 }
func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeLauncher struct {
	sess *fakeSession
	err  error
}

func (l *fakeLauncher) Launch(ctx context.Context) (browser.Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.sess, nil
}

func newFixture(t *testing.T, page *fakePage) (*Verifier, *fakeSession, *bytes.Buffer) {
	t.Helper()
	check, _ := config.Preset("login")
	check.NavigateTimeout = time.Second
	check.VisibleTimeout = 300 * time.Millisecond
	check.SettleDelay = 10 * time.Millisecond

	if page.box == (a11y.Box{}) {
		page.box = a11y.Box{Width: 320, Height: 40}
	}
	sess := &fakeSession{page: page}
	out := &bytes.Buffer{}
	clock := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	v := &Verifier{
		Launcher:     &fakeLauncher{sess: sess},
		Store:        evidence.NewStore(filepath.Join(t.TempDir(), "verification")),
		Check:        check,
		Driver:       config.DriverChromedp,
		FullPage:     true,
		NoAnimations: true,
		Report:       true,
		Out:          out,
		PollInterval: 10 * time.Millisecond,
		now: func() time.Time {
			clock = clock.Add(250 * time.Millisecond)
			return clock
		},
		newID: func() string { return "run-1" },
	}
	return v, sess, out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRunSuccess(t *testing.T) {
	page := &fakePage{}
	v, sess, out := newFixture(t, page)

	res, err := v.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := v.Store.Path("verification.png")
	if res.Screenshot != want {
		t.Errorf("screenshot = %s, want %s", res.Screenshot, want)
	}
	if !exists(want) {
		t.Error("verification.png not written")
	}
	if exists(v.Store.Path("error.png")) {
		t.Error("error.png must not exist after a passing run")
	}
	if got := out.String(); got != "Screenshot saved to "+want+"\n" {
		t.Errorf("output = %q", got)
	}
	if page.navigateTo != config.DefaultURL {
		t.Errorf("navigated to %s", page.navigateTo)
	}
	if !page.disabled {
		t.Error("animations not disabled")
	}
	if n := sess.closed.Load(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
	if res.Report.Status != evidence.StatusPassed || res.Report.ErrorKind != "" {
		t.Errorf("report = %+v", res.Report)
	}
}

func TestRunWaitsForHeading(t *testing.T) {
	page := &fakePage{
		tree: func(calls int) []a11y.RawAXNode {
			if calls < 4 {
				return headingTree("Loading")
			}
			return headingTree("Loading", "Welcome back")
		},
	}
	v, _, _ := newFixture(t, page)

	if _, err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if page.treeCalls < 4 {
		t.Errorf("tree polled %d times, want at least 4", page.treeCalls)
	}
}

func TestRunNavigationFailure(t *testing.T) {
	refused := errors.New("net::ERR_CONNECTION_REFUSED")
	page := &fakePage{navErr: refused}
	v, sess, out := newFixture(t, page)

	// a stale success image from an earlier run must not survive
	if _, err := v.Store.WriteScreenshot("verification.png", []byte("old")); err != nil {
		t.Fatal(err)
	}

	res, err := v.Run(context.Background())
	var nav *NavigationError
	if !errors.As(err, &nav) {
		t.Fatalf("err = %v, want NavigationError", err)
	}
	if !errors.Is(err, refused) {
		t.Error("NavigationError should wrap the driver error")
	}
	if nav.URL != config.DefaultURL {
		t.Errorf("URL = %s", nav.URL)
	}
	if Kind(err) != KindNavigation {
		t.Errorf("kind = %s", Kind(err))
	}

	if exists(v.Store.Path("verification.png")) {
		t.Error("verification.png must not exist after a failed run")
	}
	if !exists(v.Store.Path("error.png")) {
		t.Error("error.png not written")
	}
	if res.Screenshot != v.Store.Path("error.png") {
		t.Errorf("screenshot = %s", res.Screenshot)
	}
	if !strings.HasPrefix(out.String(), "An error occurred: ") {
		t.Errorf("output = %q", out.String())
	}
	if page.treeCalls != 0 {
		t.Error("no element wait should happen after navigation fails")
	}
	if n := sess.closed.Load(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
}

func TestRunNavigationTimeout(t *testing.T) {
	page := &fakePage{navBlock: true}
	v, _, _ := newFixture(t, page)
	v.Check.NavigateTimeout = 50 * time.Millisecond

	_, err := v.Run(context.Background())
	var nav *NavigationError
	if !errors.As(err, &nav) {
		t.Fatalf("err = %v, want NavigationError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRunVisibilityTimeout(t *testing.T) {
	page := &fakePage{
		tree: func(int) []a11y.RawAXNode { return headingTree("Sign in") },
	}
	v, sess, out := newFixture(t, page)

	start := time.Now()
	_, err := v.Run(context.Background())
	elapsed := time.Since(start)

	var vis *VisibilityTimeoutError
	if !errors.As(err, &vis) {
		t.Fatalf("err = %v, want VisibilityTimeoutError", err)
	}
	if diff := cmp.Diff([]string{"Sign in"}, vis.Seen); diff != "" {
		t.Errorf("seen mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("visibility timeout should wrap deadline exceeded")
	}
	if elapsed > 3*time.Second {
		t.Errorf("wait overran its timeout: %v", elapsed)
	}
	if !strings.Contains(out.String(), `heading "Welcome back" not visible`) {
		t.Errorf("output = %q", out.String())
	}
	if !exists(v.Store.Path("error.png")) {
		t.Error("error.png not written")
	}
	if exists(v.Store.Path("verification.png")) {
		t.Error("verification.png must not exist")
	}
	if n := sess.closed.Load(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
}

func TestRunZeroSizeHeading(t *testing.T) {
	page := &fakePage{box: a11y.Box{Width: 100, Height: 0}}
	v, _, _ := newFixture(t, page)
	v.Check.VisibleTimeout = 50 * time.Millisecond

	_, err := v.Run(context.Background())
	var vis *VisibilityTimeoutError
	if !errors.As(err, &vis) {
		t.Fatalf("err = %v, want VisibilityTimeoutError", err)
	}
	if !errors.Is(err, errNoBox) {
		t.Errorf("err = %v, want no-box cause", err)
	}
}

func TestRunScreenshotFailure(t *testing.T) {
	page := &fakePage{shotErr: errors.New("capture failed")}
	v, sess, _ := newFixture(t, page)

	res, err := v.Run(context.Background())
	var shot *ScreenshotError
	if !errors.As(err, &shot) {
		t.Fatalf("err = %v, want ScreenshotError", err)
	}
	if shot.Path != v.Store.Path("verification.png") {
		t.Errorf("path = %s", shot.Path)
	}
	if res.Screenshot != "" {
		t.Errorf("no screenshot should be reported, got %s", res.Screenshot)
	}
	if page.shotCalls != 2 {
		t.Errorf("screenshot attempts = %d, want 2 (success + diagnostic)", page.shotCalls)
	}
	if n := sess.closed.Load(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	v, _, out := newFixture(t, &fakePage{})
	v.Launcher = &fakeLauncher{err: errors.New("chrome not found")}
	if _, err := v.Store.WriteScreenshot("verification.png", []byte("old")); err != nil {
		t.Fatal(err)
	}

	res, err := v.Run(context.Background())
	var brw *BrowserError
	if !errors.As(err, &brw) {
		t.Fatalf("err = %v, want BrowserError", err)
	}
	if out.String() != "An error occurred: browser: chrome not found\n" {
		t.Errorf("output = %q", out.String())
	}
	if res.Report.ErrorKind != KindBrowser {
		t.Errorf("kind = %s", res.Report.ErrorKind)
	}
	if exists(v.Store.Path("error.png")) {
		t.Error("no page exists, so no error.png")
	}
	if exists(v.Store.Path("verification.png")) {
		t.Error("stale verification.png left behind after a launch failure")
	}
}

func TestRunPanicReleasesBrowser(t *testing.T) {
	page := &fakePage{treePanic: true}
	v, sess, out := newFixture(t, page)
	if _, err := v.Store.WriteScreenshot("verification.png", []byte("old")); err != nil {
		t.Fatal(err)
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("panic was swallowed")
			}
		}()
		_, _ = v.Run(context.Background())
	}()

	if n := sess.closed.Load(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
	if exists(v.Store.Path("verification.png")) {
		t.Error("stale verification.png left behind after a panic")
	}
	if !strings.Contains(out.String(), "An error occurred: panic: tree walker bug") {
		t.Errorf("output = %q", out.String())
	}

	data, err := os.ReadFile(v.Store.Path(evidence.ReportFile))
	if err != nil {
		t.Fatal(err)
	}
	var got evidence.Report
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != evidence.StatusFailed || got.ErrorKind != KindUnknown || got.Error != "panic: tree walker bug" {
		t.Errorf("report = %+v", got)
	}
}

func TestRunCanceled(t *testing.T) {
	page := &fakePage{
		tree: func(int) []a11y.RawAXNode { return headingTree("Loading") },
	}
	v, sess, _ := newFixture(t, page)
	v.Check.VisibleTimeout = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := v.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if Kind(err) != KindCanceled {
		t.Errorf("kind = %s", Kind(err))
	}
	if time.Since(start) > 3*time.Second {
		t.Error("cancel did not stop the wait")
	}
	if n := sess.closed.Load(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
	if !exists(v.Store.Path("error.png")) {
		t.Error("diagnostic screenshot should be taken after cancel")
	}
}

func TestRerunOverwrites(t *testing.T) {
	page := &fakePage{shot: []byte("first")}
	v, _, _ := newFixture(t, page)
	if _, err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	page.shot = []byte("second")
	if _, err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(v.Store.Path("verification.png"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}

	// a later failure replaces the pass
	page.navErr = errors.New("boom")
	if _, err := v.Run(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if exists(v.Store.Path("verification.png")) {
		t.Error("stale verification.png left behind")
	}

	// and a later pass clears the error image
	page.navErr = nil
	if _, err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exists(v.Store.Path("error.png")) {
		t.Error("stale error.png left behind")
	}
}

func TestRunWritesReport(t *testing.T) {
	page := &fakePage{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	v, _, _ := newFixture(t, page)

	_, runErr := v.Run(context.Background())
	if runErr == nil {
		t.Fatal("expected failure")
	}

	data, err := os.ReadFile(v.Store.Path(evidence.ReportFile))
	if err != nil {
		t.Fatal(err)
	}
	var got evidence.Report
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}

	started := time.Date(2026, 10, 19, 9, 0, 0, 250_000_000, time.UTC)
	want := evidence.Report{
		ID:         "run-1",
		Check:      "login",
		URL:        config.DefaultURL,
		Driver:     config.DriverChromedp,
		StartedAt:  started,
		FinishedAt: started.Add(250 * time.Millisecond),
		DurationMs: 250,
		Status:     evidence.StatusFailed,
		ErrorKind:  KindNavigation,
		Error:      runErr.Error(),
		Screenshot: v.Store.Path("error.png"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestRunNoReport(t *testing.T) {
	v, _, _ := newFixture(t, &fakePage{})
	v.Report = false
	if _, err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exists(v.Store.Path(evidence.ReportFile)) {
		t.Error("report.json written with reporting disabled")
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&NavigationError{Err: errors.New("x")}, KindNavigation},
		{&VisibilityTimeoutError{Err: context.DeadlineExceeded}, KindVisibility},
		{&ScreenshotError{Err: errors.New("x")}, KindScreenshot},
		{&BrowserError{Err: errors.New("x")}, KindBrowser},
		{context.Canceled, KindCanceled},
		{errors.New("other"), KindUnknown},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestVisibilityErrorMessage(t *testing.T) {
	err := &VisibilityTimeoutError{
		Role:    "heading",
		Name:    "Welcome back",
		Timeout: 20 * time.Second,
		Seen:    []string{"Sign in"},
		Err:     context.DeadlineExceeded,
	}
	want := `heading "Welcome back" not visible after 20s (found heading: ["Sign in"])`
	if err.Error() != want {
		t.Errorf("got  %s\nwant %s", err.Error(), want)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.RuntimeConfig{
		OutputDir: "out",
		Driver:    config.DriverRod,
		FullPage:  true,
		Report:    true,
	}
	cfg.Check, _ = config.Preset("dashboard")

	v := New(cfg, &fakeLauncher{}, &bytes.Buffer{})
	if v.Store.Dir != "out" || v.Driver != config.DriverRod || !v.FullPage || !v.Report {
		t.Errorf("verifier = %+v", v)
	}
	if v.Check.Screenshot != "login-page.png" {
		t.Errorf("screenshot = %s", v.Check.Screenshot)
	}
}

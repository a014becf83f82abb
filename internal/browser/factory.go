// Package browser drives the booking site through Chrome. Every pooled
// session is a tab opened from one shared allocator.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/session"
)

type Options struct {
	Headless    bool
	ChromePath  string
	CDPURL      string // attach to a running browser instead of launching one
	UserDataDir string
	UserAgent   string
}

// Factory implements session.Factory on top of a shared allocator.
type Factory struct {
	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewFactory(opts Options, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{opts: opts, log: log.Named("browser")}
}

// ensureAllocator must be called with f.mu held.
func (f *Factory) ensureAllocator() {
	if f.allocCtx != nil && f.allocCtx.Err() == nil {
		return
	}
	if f.allocCancel != nil {
		f.allocCancel()
	}

	base := context.Background()
	if url := strings.TrimSpace(f.opts.CDPURL); url != "" {
		f.allocCtx, f.allocCancel = chromedp.NewRemoteAllocator(base, url)
		return
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.opts.Headless),
		chromedp.Flag("disable-gpu", f.opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if p := strings.TrimSpace(f.opts.ChromePath); p != "" {
		opts = append(opts, chromedp.ExecPath(p))
	}
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	if dir := strings.TrimSpace(f.opts.UserDataDir); dir != "" {
		shared := filepath.Join(dir, "shared")
		if err := os.MkdirAll(shared, 0o755); err == nil {
			opts = append(opts, chromedp.UserDataDir(shared))
		}
	}
	f.allocCtx, f.allocCancel = chromedp.NewExecAllocator(base, opts...)
}

// Open starts a new tab. The allocator is restarted once, and only when it is
// itself broken: restarting kills every tab, including leased ones.
func (f *Factory) Open(ctx context.Context) (session.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tab, err := f.newTab(ctx)
	if err != nil && ctx.Err() == nil && allocatorBroken(f.allocCtx, err) {
		f.log.Warn("browser allocator broken; restarting", zap.Error(err))
		if f.allocCancel != nil {
			f.allocCancel()
			f.allocCtx = nil
		}
		tab, err = f.newTab(ctx)
	}
	if err != nil {
		return nil, booking.Transient("open tab", err)
	}
	return tab, nil
}

// allocatorBroken tells a dead allocator apart from one tab failing to open.
func allocatorBroken(allocCtx context.Context, err error) bool {
	if allocCtx == nil || allocCtx.Err() != nil {
		return true
	}
	return errors.Is(err, chromedp.ErrInvalidContext)
}

func (f *Factory) newTab(ctx context.Context) (*Tab, error) {
	f.ensureAllocator()
	tctx, cancel := chromedp.NewContext(f.allocCtx)

	// first Run starts the browser and the tab; bound it by ctx
	runCtx, runCancel := context.WithCancel(tctx)
	stop := context.AfterFunc(ctx, runCancel)
	err := chromedp.Run(runCtx, chromedp.Navigate("about:blank"))
	stop()
	runCancel()
	if err != nil {
		cancel()
		return nil, err
	}
	return &Tab{ctx: tctx, cancel: cancel}, nil
}

// Close shuts Chrome down. Tabs still open become unusable.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocCancel != nil {
		f.allocCancel()
		f.allocCancel = nil
		f.allocCtx = nil
	}
}

// Tab is one browser tab. Calls on a tab are serialised.
type Tab struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *Tab) Close() error {
	t.cancel()
	return nil
}

// run executes actions in the tab, bounded by both callCtx and timeout.
func (t *Tab) run(callCtx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return booking.Structural("browser", "tab closed", t.ctx.Err())
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(callCtx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func asTab(conn session.Conn) (*Tab, error) {
	tab, ok := conn.(*Tab)
	if !ok || tab == nil {
		return nil, booking.Structural("browser", fmt.Sprintf("unexpected session type %T", conn), nil)
	}
	return tab, nil
}

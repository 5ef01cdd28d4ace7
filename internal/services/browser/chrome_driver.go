package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/interfaces"
)

// nodeHandle wraps a DOM node obtained in the current rendering state
type nodeHandle struct {
	node *cdp.Node
}

func (h *nodeHandle) Ref() string {
	return fmt.Sprintf("node:%d", h.node.BackendNodeID)
}

// ChromeDriver implements interfaces.BrowserDriver over a single chromedp tab
type ChromeDriver struct {
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	pollInterval    time.Duration
	logger          arbor.ILogger
}

// NewChromeDriver launches (or attaches to) a browser and verifies it responds.
// A non-empty RemoteURL attaches to an existing DevTools endpoint.
func NewChromeDriver(config *common.BrowserConfig, logger arbor.ILogger) (*ChromeDriver, error) {
	startTime := time.Now()

	var allocatorCtx context.Context
	var allocatorCancel context.CancelFunc

	if config.RemoteURL != "" {
		allocatorCtx, allocatorCancel = chromedp.NewRemoteAllocator(context.Background(), config.RemoteURL)
	} else {
		allocatorOpts := append(
			chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", config.Headless),
			chromedp.Flag("disable-gpu", config.DisableGPU),
			chromedp.Flag("no-sandbox", config.NoSandbox),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-background-timer-throttling", true),
			chromedp.Flag("disable-renderer-backgrounding", true),
			chromedp.WindowSize(config.WindowWidth, config.WindowHeight),
		)
		if config.UserAgent != "" {
			allocatorOpts = append(allocatorOpts, chromedp.UserAgent(config.UserAgent))
		}
		allocatorCtx, allocatorCancel = chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// The first Run allocates the browser and binds it to browserCtx
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	testCtx, testCancel := context.WithTimeout(browserCtx, common.ParseDuration(config.StartupTimeout, 30*time.Second))
	defer testCancel()

	// Run startup test
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	logger.Info().
		Str("remote_url", config.RemoteURL).
		Bool("headless", config.Headless).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser session started")

	return &ChromeDriver{
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		pollInterval:    common.ParseDuration(config.PollInterval, 100*time.Millisecond),
		logger:          logger,
	}, nil
}

// run executes actions on the tab, bounded by the caller's context
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return mapNodeError(err)
	}
	return nil
}

// Navigate loads url and waits for the body to be ready
func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	d.logger.Debug().Str("url", url).Msg("Navigating")
	return d.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

// Find returns all nodes matching selector, optionally scoped to an element
func (d *ChromeDriver) Find(ctx context.Context, selector string, scope interfaces.ElementHandle) ([]interfaces.ElementHandle, error) {
	opts := []chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}
	if scope != nil {
		h, err := asNode(scope)
		if err != nil {
			return nil, err
		}
		opts = append(opts, chromedp.FromNode(h.node))
	}

	var nodes []*cdp.Node
	if err := d.run(ctx, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, err
	}

	handles := make([]interfaces.ElementHandle, len(nodes))
	for i, n := range nodes {
		handles[i] = &nodeHandle{node: n}
	}
	return handles, nil
}

// Click scrolls the node into view and clicks its center
func (d *ChromeDriver) Click(ctx context.Context, el interfaces.ElementHandle) error {
	h, err := asNode(el)
	if err != nil {
		return err
	}
	return d.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return dom.ScrollIntoViewIfNeeded().WithNodeID(h.node.NodeID).Do(ctx)
		}),
		chromedp.MouseClickNode(h.node),
	)
}

// Text returns the node's rendered text
func (d *ChromeDriver) Text(ctx context.Context, el interfaces.ElementHandle) (string, error) {
	h, err := asNode(el)
	if err != nil {
		return "", err
	}

	var text string
	err = d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(h.node.NodeID).Do(ctx)
		if err != nil {
			return err
		}
		res, exc, err := runtime.CallFunctionOn(`function() { return this.innerText || this.textContent || ""; }`).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("text script exception: %s", exc.Text)
		}
		return json.Unmarshal([]byte(res.Value), &text)
	}))
	if err != nil {
		return "", err
	}
	return text, nil
}

// RunScript applies the function expression src to args in the page
func (d *ChromeDriver) RunScript(ctx context.Context, src string, result interface{}, args ...interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode script arguments: %w", err)
	}

	expression := fmt.Sprintf("(%s).apply(null, %s)", src, encoded)
	return d.run(ctx, chromedp.Evaluate(expression, result, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// Screenshot captures the viewport as PNG
func (d *ChromeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Wait polls predicate at the configured interval
func (d *ChromeDriver) Wait(ctx context.Context, predicate interfaces.WaitPredicate, timeout time.Duration) error {
	return Poll(ctx, predicate, timeout, d.pollInterval)
}

// Close terminates the tab and the allocator
func (d *ChromeDriver) Close() error {
	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocatorCancel != nil {
		d.allocatorCancel()
	}
	d.logger.Debug().Msg("Browser session closed")
	return nil
}

func asNode(el interfaces.ElementHandle) (*nodeHandle, error) {
	h, ok := el.(*nodeHandle)
	if !ok || h == nil || h.node == nil {
		return nil, fmt.Errorf("unsupported element handle %T", el)
	}
	return h, nil
}

// CDP reports a node that left the document in several ways depending on the call
var detachedMessages = []string{
	"could not find node with given id",
	"no node with given id",
	"node is detached",
	"node with given id does not belong to the document",
	"could not compute content quads",
	"cannot find context with specified id",
}

func mapNodeError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, m := range detachedMessages {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", interfaces.ErrElementDetached, err)
		}
	}
	return err
}

package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/auxproto/aux-go/internal/types"
)

// RodDriver implements Driver on top of go-rod and CDP.
type RodDriver struct {
	launcher *launcher.Launcher
}

// NewRodDriver creates the rod-backed driver.
func NewRodDriver() *RodDriver {
	return &RodDriver{}
}

// Launch starts a browser process and connects to it over CDP.
func (d *RodDriver) Launch(cfg LaunchConfig) (Browser, error) {
	l := launcher.New()

	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod enables headless by default; disable it explicitly when a
		// display is available.
		l = l.Headless(false)
	}

	if cfg.NoSandbox {
		l = l.Set("no-sandbox").Set("disable-setuid-sandbox")
	}
	if cfg.DisableDevShm {
		l = l.Set("disable-dev-shm-usage")
	}
	if cfg.DisableWebSecurity {
		l = l.Set("disable-web-security")
	}
	if cfg.IgnoreHTTPSErrors {
		l = l.Set("ignore-certificate-errors")
	}

	// Mask the automation origin of the browser process.
	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio")

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if cfg.SlowMo > 0 {
		b = b.SlowMotion(cfg.SlowMo)
	}
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if cfg.IgnoreHTTPSErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	d.launcher = l
	log.Debug().Str("control_url", url).Msg("Browser launched")
	return &rodBrowser{browser: b}, nil
}

// Close releases the launcher's temporary resources. The browser process
// itself is closed through Browser.Close.
func (d *RodDriver) Close() error {
	if d.launcher != nil {
		d.launcher.Cleanup()
		d.launcher = nil
	}
	return nil
}

type rodBrowser struct {
	browser *rod.Browser
}

func (b *rodBrowser) NewContext(opts ContextOptions) (Context, error) {
	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create incognito context: %w", err)
	}
	return &rodContext{browser: incognito, opts: opts}, nil
}

func (b *rodBrowser) Close() error {
	return b.browser.Close()
}

type rodContext struct {
	browser    *rod.Browser
	opts       ContextOptions
	timeout    time.Duration
	navTimeout time.Duration
}

func (c *rodContext) NewPage() (Page, error) {
	page, err := c.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if c.opts.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			log.Warn().Err(err).Msg("Failed to install stealth patch")
		}
	}

	if c.opts.ViewportWidth > 0 && c.opts.ViewportHeight > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             c.opts.ViewportWidth,
			Height:            c.opts.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set viewport")
		}
	}
	if c.opts.UserAgent != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.opts.UserAgent})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set user agent")
		}
	}
	if len(c.opts.ExtraHeaders) > 0 {
		pairs := make([]string, 0, len(c.opts.ExtraHeaders)*2)
		for k, v := range c.opts.ExtraHeaders {
			pairs = append(pairs, k, v)
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			log.Warn().Err(err).Msg("Failed to set extra headers")
		}
	}

	return &rodPage{page: page}, nil
}

func (c *rodContext) SetDefaultTimeout(d time.Duration)           { c.timeout = d }
func (c *rodContext) SetDefaultNavigationTimeout(d time.Duration) { c.navTimeout = d }

func (c *rodContext) Close() error {
	return c.browser.Close()
}

type rodPage struct {
	page *rod.Page
}

// classify folds context deadline errors into the driver timeout sentinel.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrDriverTimeout, err)
	}
	return err
}

func (p *rodPage) Goto(ctx context.Context, url, waitUntil string) (int, error) {
	page := p.page.Context(ctx)

	// Capture the main document status from CDP network events while the
	// navigation runs.
	var status atomic.Int64
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		log.Debug().Err(err).Msg("Failed to enable network domain, status capture off")
	} else {
		evCtx, cancelEvents := context.WithCancel(ctx)
		defer cancelEvents()
		evPage := p.page.Context(evCtx)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Recovered in network event listener")
				}
			}()
			evPage.EachEvent(func(e *proto.NetworkResponseReceived) bool {
				if e.Type == proto.NetworkResourceTypeDocument && e.Response != nil {
					status.Store(int64(e.Response.Status))
				}
				return false
			})()
		}()
	}

	var lifecycle proto.PageLifecycleEventName
	switch waitUntil {
	case "domcontentloaded":
		lifecycle = proto.PageLifecycleEventNameDOMContentLoaded
	case "networkidle":
		lifecycle = proto.PageLifecycleEventNameNetworkAlmostIdle
	default:
		lifecycle = proto.PageLifecycleEventNameLoad
	}
	waitNav := page.WaitNavigation(lifecycle)

	if err := page.Navigate(url); err != nil {
		return 0, classify(ctx, err)
	}
	waitNav()
	if err := ctx.Err(); err != nil {
		return int(status.Load()), classify(ctx, err)
	}
	return int(status.Load()), nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title() (string, error) {
	info, err := p.page.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) SetExtraHeaders(headers map[string]string) error {
	pairs := make([]string, 0, len(headers)*2)
	for k, v := range headers {
		pairs = append(pairs, k, v)
	}
	_, err := p.page.SetExtraHeaders(pairs)
	return err
}

func (p *rodPage) WaitForLoadState(ctx context.Context, state string) error {
	page := p.page.Context(ctx)
	var err error
	switch state {
	case "domcontentloaded":
		err = page.WaitDOMStable(300*time.Millisecond, 0)
	case "networkidle":
		err = page.WaitIdle(time.Minute)
	default:
		err = page.WaitLoad()
	}
	return classify(ctx, err)
}

func (p *rodPage) WaitForFunction(ctx context.Context, js string, pollInterval time.Duration) error {
	predicate := "() => Boolean(" + js + ")"
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		obj, err := p.page.Context(ctx).Eval(predicate)
		if err != nil {
			if cerr := classify(ctx, err); errors.Is(cerr, types.ErrDriverTimeout) {
				return cerr
			}
			// Evaluation errors on a transitioning page are retried until
			// the deadline.
			log.Debug().Err(err).Msg("Wait predicate evaluation failed, retrying")
		} else if obj.Value.Bool() {
			return nil
		}

		select {
		case <-ctx.Done():
			return classify(ctx, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *rodPage) Locator(selector string) Locator {
	return &rodLocator{page: p.page, selector: selector}
}

type rodLocator struct {
	page     *rod.Page
	selector string
}

func (l *rodLocator) Count() (int, error) {
	elements, err := l.page.Elements(l.selector)
	if err != nil {
		return 0, err
	}
	return len(elements), nil
}

func (l *rodLocator) Nth(i int) (Element, error) {
	elements, err := l.page.Elements(l.selector)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(elements) {
		return nil, fmt.Errorf("element index %d out of range (%d matches)", i, len(elements))
	}
	return &rodElement{page: l.page, el: elements[i]}, nil
}

func (l *rodLocator) WaitFor(ctx context.Context, state string, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.check(state)
		if err != nil {
			log.Debug().Err(err).Str("selector", l.selector).Msg("Locator state check failed, retrying")
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return classify(ctx, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *rodLocator) check(state string) (bool, error) {
	elements, err := l.page.Elements(l.selector)
	if err != nil {
		return false, err
	}
	switch state {
	case "attached":
		return len(elements) > 0, nil
	case "detached":
		return len(elements) == 0, nil
	case "visible":
		if len(elements) == 0 {
			return false, nil
		}
		return elements.First().Visible()
	case "hidden":
		if len(elements) == 0 {
			return true, nil
		}
		visible, err := elements.First().Visible()
		if err != nil {
			return false, err
		}
		return !visible, nil
	default:
		return false, fmt.Errorf("unknown locator state %q", state)
	}
}

type rodElement struct {
	page *rod.Page
	el   *rod.Element
}

func (e *rodElement) IsVisible() (bool, error) {
	return e.el.Visible()
}

func (e *rodElement) TextContent() (string, error) {
	obj, err := e.el.Eval("() => this.textContent")
	if err != nil {
		return "", err
	}
	return obj.Value.Str(), nil
}

func (e *rodElement) InnerHTML() (string, error) {
	obj, err := e.el.Eval("() => this.innerHTML")
	if err != nil {
		return "", err
	}
	return obj.Value.Str(), nil
}

func (e *rodElement) GetAttribute(name string) (string, bool, error) {
	val, err := e.el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if val == nil {
		return "", false, nil
	}
	return *val, true, nil
}

func (e *rodElement) Property(name string) (string, error) {
	val, err := e.el.Property(name)
	if err != nil {
		return "", err
	}
	return propertyString(val), nil
}

// propertyString renders a CDP value in its wire string form: strings
// verbatim, null as empty, everything else as compact JSON, so numeric and
// boolean properties survive extraction.
func propertyString(v gson.JSON) string {
	if v.Nil() {
		return ""
	}
	if s, ok := v.Val().(string); ok {
		return s
	}
	return v.JSON("", "")
}

func (e *rodElement) InputValue() (string, error) {
	return e.Property("value")
}

func (e *rodElement) Clear() error {
	_, err := e.el.Eval(`() => {
		this.value = '';
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
	}`)
	return err
}

// Fill sets the value directly without key events.
func (e *rodElement) Fill(text string) error {
	if err := e.el.Focus(); err != nil {
		log.Debug().Err(err).Msg("Focus before fill failed")
	}
	_, err := e.el.Eval(`(v) => {
		this.value = v;
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
	}`, text)
	return err
}

// Type emits per-character input with the given delay between characters.
func (e *rodElement) Type(text string, delay time.Duration) error {
	if err := e.el.Focus(); err != nil {
		return err
	}
	for _, r := range text {
		if err := e.el.Input(string(r)); err != nil {
			return err
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}

func (e *rodElement) Press(key string) error {
	switch strings.ToLower(key) {
	case "enter":
		return e.el.Type(input.Enter)
	case "tab":
		return e.el.Type(input.Tab)
	case "escape":
		return e.el.Type(input.Escape)
	default:
		return fmt.Errorf("unsupported key %q", key)
	}
}

func (e *rodElement) Click(ctx context.Context, opts ClickOptions) error {
	el := e.el.Context(ctx)

	var button proto.InputMouseButton
	switch opts.Button {
	case "right":
		button = proto.InputMouseButtonRight
	case "middle":
		button = proto.InputMouseButtonMiddle
	default:
		button = proto.InputMouseButtonLeft
	}

	count := opts.ClickCount
	if count < 1 {
		count = 1
	}

	if opts.Position != nil {
		mouse := e.page.Context(ctx).Mouse
		if err := mouse.MoveTo(proto.Point{X: opts.Position.X, Y: opts.Position.Y}); err != nil {
			return classify(ctx, err)
		}
		return classify(ctx, mouse.Click(button, count))
	}

	if !opts.Force {
		if err := el.ScrollIntoView(); err != nil {
			log.Debug().Err(err).Msg("ScrollIntoView before click failed")
		}
	}
	return classify(ctx, el.Click(button, count))
}

func (e *rodElement) BoundingBox() (*Box, error) {
	shape, err := e.el.Shape()
	if err != nil {
		return nil, err
	}
	box := shape.Box()
	if box == nil {
		return nil, nil
	}
	return &Box{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
}

func (e *rodElement) TagName() (string, error) {
	obj, err := e.el.Eval("() => this.tagName.toLowerCase()")
	if err != nil {
		return "", err
	}
	return obj.Value.Str(), nil
}

func (e *rodElement) ClassName() (string, error) {
	return e.Property("className")
}

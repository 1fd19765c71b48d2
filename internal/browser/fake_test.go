package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/auxproto/aux-go/internal/types"
)

// fakeDriver and friends implement the driver capability in-memory so the
// manager and executors can be tested without a browser process.

type fakeDriver struct {
	mu        sync.Mutex
	launches  int
	launchErr error
	browser   *fakeBrowser
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{browser: newFakeBrowser()}
}

func (d *fakeDriver) Launch(cfg LaunchConfig) (Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	d.launches++
	return d.browser, nil
}

func (d *fakeDriver) Close() error { return nil }

type fakeBrowser struct {
	mu       sync.Mutex
	contexts []*fakeContext
	closed   bool
	pageSeed func() *fakePage
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{pageSeed: newFakePage}
}

func (b *fakeBrowser) NewContext(opts ContextOptions) (Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := &fakeContext{page: b.pageSeed(), opts: opts}
	b.contexts = append(b.contexts, ctx)
	return ctx, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakeContext struct {
	mu     sync.Mutex
	page   *fakePage
	opts   ContextOptions
	closed bool
}

func (c *fakeContext) NewPage() (Page, error)                      { return c.page, nil }
func (c *fakeContext) SetDefaultTimeout(time.Duration)             {}
func (c *fakeContext) SetDefaultNavigationTimeout(d time.Duration) {}

func (c *fakeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakePage struct {
	mu sync.Mutex

	url          string
	title        string
	gotoStatus   int
	gotoErr      error
	gotoFinalURL string
	headers      map[string]string

	loadStateErr error

	// predicate controls WaitForFunction: called each poll, nil means true.
	predicate func(js string) bool

	elements map[string][]*fakeElement
}

func newFakePage() *fakePage {
	return &fakePage{
		title:    "Fake Page",
		headers:  make(map[string]string),
		elements: make(map[string][]*fakeElement),
	}
}

func (p *fakePage) Goto(ctx context.Context, url, waitUntil string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gotoErr != nil {
		return 0, p.gotoErr
	}
	if p.gotoFinalURL != "" {
		p.url = p.gotoFinalURL
	} else {
		p.url = url
	}
	return p.gotoStatus, nil
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Title() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *fakePage) SetExtraHeaders(headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range headers {
		p.headers[k] = v
	}
	return nil
}

func (p *fakePage) WaitForLoadState(ctx context.Context, state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadStateErr
}

func (p *fakePage) WaitForFunction(ctx context.Context, js string, pollInterval time.Duration) error {
	for {
		p.mu.Lock()
		pred := p.predicate
		p.mu.Unlock()
		if pred == nil || pred(js) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: wait for function", types.ErrDriverTimeout)
		case <-time.After(pollInterval):
		}
	}
}

func (p *fakePage) Locator(selector string) Locator {
	return &fakeLocator{page: p, selector: selector}
}

func (p *fakePage) setElements(selector string, els ...*fakeElement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = els
}

type fakeLocator struct {
	page     *fakePage
	selector string
}

func (l *fakeLocator) current() []*fakeElement {
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	return l.page.elements[l.selector]
}

func (l *fakeLocator) Count() (int, error) {
	return len(l.current()), nil
}

func (l *fakeLocator) Nth(i int) (Element, error) {
	els := l.current()
	if i < 0 || i >= len(els) {
		return nil, fmt.Errorf("element index %d out of range (%d matches)", i, len(els))
	}
	return els[i], nil
}

func (l *fakeLocator) WaitFor(ctx context.Context, state string, pollInterval time.Duration) error {
	for {
		els := l.current()
		switch state {
		case "attached":
			if len(els) > 0 {
				return nil
			}
		case "detached":
			if len(els) == 0 {
				return nil
			}
		case "visible":
			if len(els) > 0 && els[0].visible {
				return nil
			}
		case "hidden":
			if len(els) == 0 || !els[0].visible {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: wait for %s", types.ErrDriverTimeout, state)
		case <-time.After(pollInterval):
		}
	}
}

type fakeElement struct {
	mu sync.Mutex

	tag     string
	class   string
	text    string
	html    string
	visible bool
	attrs   map[string]string
	props   map[string]string
	value   string
	box     *Box

	textErr  error
	clickErr error
	mangle   bool // leave value untouched on fill, simulating a stubborn input

	cleared  bool
	filled   string
	typed    string
	typDelay time.Duration
	pressed  []string
	clicks   []ClickOptions
}

func (e *fakeElement) IsVisible() (bool, error) { return e.visible, nil }

func (e *fakeElement) TextContent() (string, error) {
	if e.textErr != nil {
		return "", e.textErr
	}
	return e.text, nil
}

func (e *fakeElement) InnerHTML() (string, error) { return e.html, nil }

func (e *fakeElement) GetAttribute(name string) (string, bool, error) {
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *fakeElement) Property(name string) (string, error) {
	if name == "value" {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.value, nil
	}
	return e.props[name], nil
}

func (e *fakeElement) InputValue() (string, error) { return e.Property("value") }

func (e *fakeElement) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared = true
	e.value = ""
	return nil
}

func (e *fakeElement) Fill(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filled = text
	if !e.mangle {
		e.value = text
	}
	return nil
}

func (e *fakeElement) Type(text string, delay time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typed = text
	e.typDelay = delay
	e.value += text
	return nil
}

func (e *fakeElement) Press(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pressed = append(e.pressed, strings.ToLower(key))
	return nil
}

func (e *fakeElement) Click(ctx context.Context, opts ClickOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clickErr != nil {
		return e.clickErr
	}
	e.clicks = append(e.clicks, opts)
	return nil
}

func (e *fakeElement) BoundingBox() (*Box, error) { return e.box, nil }

func (e *fakeElement) TagName() (string, error) { return e.tag, nil }

func (e *fakeElement) ClassName() (string, error) { return e.class, nil }

package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"pkt.systems/statusdesk/internal/tabstate"
)

// ActivatedClass is the documentElement class marking a just-activated tab.
const ActivatedClass = "tab-activated"

// Page is a tabstate.Page over the document of a chromedp context.
type Page struct {
	ctx     context.Context
	origin  *url.URL
	timeout time.Duration
}

var _ tabstate.Page = (*Page)(nil)

// NewPage binds a Page to ctx. Routes resolve against origin.
func NewPage(ctx context.Context, origin string) (*Page, error) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("origin must include scheme and host: %q", origin)
	}
	return &Page{ctx: ctx, origin: parsed, timeout: defaultTimeout}, nil
}

// Route returns location.pathname plus search, or "" when the page is unreachable.
func (p *Page) Route() string {
	var route string
	if err := p.run(chromedp.Evaluate(`location.pathname + location.search`, &route)); err != nil {
		return ""
	}
	return route
}

// HasActivatedMarker implements tabstate.Page.
func (p *Page) HasActivatedMarker() bool {
	var on bool
	expr := fmt.Sprintf(`document.documentElement.classList.contains(%s)`, jsString(ActivatedClass))
	if err := p.run(chromedp.Evaluate(expr, &on)); err != nil {
		return false
	}
	return on
}

// SetActivatedMarker implements tabstate.Page.
func (p *Page) SetActivatedMarker(on bool) {
	expr := fmt.Sprintf(`document.documentElement.classList.toggle(%s, %t)`, jsString(ActivatedClass), on)
	_ = p.run(chromedp.Evaluate(expr, nil))
}

// Navigate loads route relative to the origin.
func (p *Page) Navigate(ctx context.Context, route string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := p.origin.Parse(route)
	if err != nil {
		return fmt.Errorf("parse route %q: %w", route, err)
	}
	return p.run(chromedp.Navigate(target.String()))
}

func (p *Page) run(actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

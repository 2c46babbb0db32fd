package ingest

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Box is the rendered rectangle of a block.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Polygon returns the four corners of b, clockwise from the top left.
func (b Box) Polygon() []Point {
	return []Point{{b.X, b.Y}, {b.X + b.W, b.Y}, {b.X + b.W, b.Y + b.H}, {b.X, b.Y + b.H}}
}

// Shot is one page to render into a PNG file.
type Shot struct {
	HTML string
	Out  string
}

// Renderer turns page documents into PNG files and reports the boxes of the
// elements marked with data-block, in document order.
type Renderer interface {
	Render(ctx context.Context, shots []Shot) ([][]Box, error)
}

const boxesScript = `Array.from(document.querySelectorAll('[data-block]')).map(e => {
  const r = e.getBoundingClientRect();
  return {x: r.left + window.scrollX, y: r.top + window.scrollY, w: r.width, h: r.height};
})`

// ChromeRenderer screenshots pages with a headless Chrome.
type ChromeRenderer struct {
	Timeout time.Duration
	Width   int
}

func (r ChromeRenderer) Render(ctx context.Context, shots []Shot) ([][]Box, error) {
	if len(shots) == 0 {
		return nil, nil
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	width := r.Width
	if width <= 0 {
		width = 1240
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.WindowSize(width, 1754),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	out := make([][]Box, len(shots))
	for i, shot := range shots {
		src := shot.Out + ".html"
		if err := os.WriteFile(src, []byte(shot.HTML), 0o644); err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, err
		}
		var png []byte
		var boxes []Box
		err = chromedp.Run(bctx,
			chromedp.Navigate("file://"+abs),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Evaluate(boxesScript, &boxes),
			chromedp.FullScreenshot(&png, 100),
		)
		_ = os.Remove(src)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", filepath.Base(shot.Out), err)
		}
		if err := os.WriteFile(shot.Out, png, 0o644); err != nil {
			return nil, err
		}
		out[i] = boxes
	}
	return out, nil
}

const pageStyle = `body{font-family:Georgia,serif;margin:64px;width:1112px;color:#111;background:#fff}
h1{font-size:30px}h2{font-size:22px}p{font-size:16px;line-height:1.5;white-space:pre-wrap}
pre{font-size:13px;background:#f4f4f4;padding:12px;white-space:pre-wrap}`

const annotateStyle = `[data-block]{outline:2px solid #d9480f;outline-offset:4px;position:relative}
[data-block]::before{content:attr(data-kind) " " attr(data-block);position:absolute;top:-22px;left:0;
font:11px monospace;color:#fff;background:#d9480f;padding:1px 4px}`

// PageHTML renders page as a standalone document. Annotated pages outline
// and label every block.
func PageHTML(page Page, annotated bool) string {
	var b strings.Builder
	b.WriteString("<!doctype html><html><head><meta charset=\"utf-8\"><style>")
	b.WriteString(pageStyle)
	if annotated {
		b.WriteString(annotateStyle)
	}
	b.WriteString("</style></head><body>")
	for i, blk := range page.Blocks {
		tag := "p"
		switch blk.Kind {
		case BlockTitle:
			tag = "h1"
		case BlockSection:
			tag = "h2"
		case BlockCode:
			tag = "pre"
		}
		fmt.Fprintf(&b, "<%s data-block=\"%d\" data-kind=\"%s\">%s</%s>", tag, i, blk.Kind, html.EscapeString(blk.Text), tag)
	}
	b.WriteString("</body></html>")
	return b.String()
}

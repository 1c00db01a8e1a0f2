package export

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

var chromiumBinaries = []string{"chromium-browser", "chromium", "google-chrome"}

// A4 with 20mm margins, in inches.
type pageSetup struct {
	width, height float64
	margin        float64
}

var a4 = pageSetup{width: 8.27, height: 11.69, margin: 0.79}

func findChromium() (string, error) {
	for _, name := range chromiumBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chromium binary on PATH", ErrPDFDependencyMissing)
}

// exportPDF prints the charter HTML with headless Chromium. The document is
// injected into a blank page, so no URL encoding of the HTML is needed.
func exportPDF(parent context.Context, html, _ string) (*Result, error) {
	binary, err := findChromium()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(binary),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var out []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			out, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(a4.width).
				WithPaperHeight(a4.height).
				WithMarginTop(a4.margin).
				WithMarginBottom(a4.margin).
				WithMarginLeft(a4.margin).
				WithMarginRight(a4.margin).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print charter pdf: %w", err)
	}
	return &Result{Data: out, MimeType: "application/pdf"}, nil
}

package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const printTimeout = 30 * time.Second

// paper sizes are in inches.
type paper struct {
	width, height, margin float64
}

var letter = paper{width: 8.5, height: 11, margin: 0.75}

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome", "headless-shell"}

func findChrome() (string, bool) {
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}

func htmlDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

// printPDF loads html into a throwaway headless Chrome tab and prints it.
func printPDF(ctx context.Context, html string) ([]byte, error) {
	chrome, ok := findChrome()
	if !ok {
		return nil, fmt.Errorf("%w: no chrome binary on PATH", ErrPDFDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, printTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chrome),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var out []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(htmlDataURL(html)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(letter.width).
				WithPaperHeight(letter.height).
				WithMarginTop(letter.margin).
				WithMarginBottom(letter.margin).
				WithMarginLeft(letter.margin).
				WithMarginRight(letter.margin).
				Do(ctx)
			out = data
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return out, nil
}

const maxSlugLength = 50

// fileSlug turns a title into a download file name: letters and digits are
// kept, whitespace runs become a single dash, everything else is dropped.
func fileSlug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			dash = false
		case (unicode.IsSpace(r) || r == '-') && !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if runes := []rune(out); len(runes) > maxSlugLength {
		out = strings.TrimRight(string(runes[:maxSlugLength]), "-")
	}
	if out == "" {
		return "project"
	}
	return out
}

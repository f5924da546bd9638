// Package portal drives the SAMU management portal with a headless Chrome
// to request the occurrence report export.
package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/port"
)

// dateLayout is the format the report form expects
const dateLayout = "02/01/2006"

// Config contains portal connection and browser settings
type Config struct {
	LoginURL  string
	Username  string
	Password  string
	Headless  bool
	ChromeBin string

	LoginTimeout      time.Duration
	NavigationTimeout time.Duration
	ReportTimeout     time.Duration
	DownloadTimeout   time.Duration

	// ElementTimeout bounds each attempt of a fallback selector
	ElementTimeout time.Duration
}

// DefaultConfig returns default portal timeouts
func DefaultConfig() *Config {
	return &Config{
		Headless:          true,
		LoginTimeout:      30 * time.Second,
		NavigationTimeout: 20 * time.Second,
		ReportTimeout:     60 * time.Second,
		DownloadTimeout:   120 * time.Second,
		ElementTimeout:    10 * time.Second,
	}
}

// Downloads is the download directory as seen by the browser step
type Downloads interface {
	port.ExportDir
	ScreenshotPath() string
}

// Client implements port.Portal with chromedp
type Client struct {
	config *Config
	files  Downloads
	logger *zap.Logger
}

var _ port.Portal = (*Client)(nil)

// New creates a new portal Client
func New(cfg *Config, files Downloads, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = def.ReportTimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = def.DownloadTimeout
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = def.ElementTimeout
	}
	return &Client{config: cfg, files: files, logger: logger}
}

// allocatorOptions returns the Chrome flags for one session
func (c *Client) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", c.config.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)
	if !c.config.Headless {
		opts = append(opts, chromedp.Flag("start-maximized", true))
	}
	if c.config.ChromeBin != "" {
		if _, err := os.Stat(c.config.ChromeBin); err == nil {
			opts = append(opts, chromedp.ExecPath(c.config.ChromeBin))
		} else {
			c.logger.Warn("configured chrome binary not found, using default lookup",
				zap.String("chrome_bin", c.config.ChromeBin))
		}
	}
	return opts
}

// Download logs in, requests the occurrence export for r and waits for the
// browser to finish writing it. Step failures are retryable.
func (c *Client) Download(ctx context.Context, r port.DateRange) (string, error) {
	if c.config.Username == "" || c.config.Password == "" {
		return "", domain.ErrMissingCredentials
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions()...)
	defer cancelAlloc()

	sugar := c.logger.Sugar()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf))
	defer cancelBrowser()

	started := time.Now()
	if err := chromedp.Run(browserCtx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(c.files.Dir()).
			WithEventsEnabled(true),
	); err != nil {
		return "", classify(fmt.Errorf("failed to start browser: %w", err))
	}

	if err := c.login(browserCtx); err != nil {
		return "", classify(err)
	}
	if err := c.openReport(browserCtx); err != nil {
		c.screenshot(browserCtx)
		return "", classify(err)
	}
	if err := c.requestExport(browserCtx, r); err != nil {
		c.screenshot(browserCtx)
		return "", classify(err)
	}

	c.logger.Info("waiting for export", zap.Duration("timeout", c.config.DownloadTimeout))
	path, err := c.files.WaitForExport(ctx, started, c.config.DownloadTimeout)
	if err != nil {
		return "", classify(err)
	}
	c.logger.Info("export downloaded", zap.String("path", path), zap.Duration("elapsed", time.Since(started)))
	return path, nil
}

// classify marks transient portal failures as retryable. A rejected login
// is returned as is so the account is not locked by repeated attempts.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrLoginFailed),
		errors.Is(err, domain.ErrMissingCredentials),
		errors.Is(err, context.Canceled):
		return err
	default:
		return domain.NewRetryableError(err, 0)
	}
}

func (c *Client) login(ctx context.Context) error {
	loginCtx, cancel := context.WithTimeout(ctx, c.config.LoginTimeout)
	defer cancel()

	c.logger.Info("opening portal", zap.String("url", c.config.LoginURL))
	if err := chromedp.Run(loginCtx, chromedp.Navigate(c.config.LoginURL)); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}

	if err := c.fill(loginCtx, "username", usernameSelectors, c.config.Username); err != nil {
		return err
	}
	if err := c.fill(loginCtx, "password", passwordSelectors, c.config.Password); err != nil {
		return err
	}
	if err := c.click(loginCtx, "login button", loginButtonSelectors); err != nil {
		return err
	}

	if err := c.waitLeave(loginCtx, c.config.LoginURL); err != nil {
		return err
	}
	c.logger.Info("logged in")
	return nil
}

// waitLeave polls the current URL until it differs from url
func (c *Client) waitLeave(ctx context.Context, url string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		var current string
		if err := chromedp.Run(ctx, chromedp.Location(&current)); err == nil && !sameURL(current, url) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: still on the login page", domain.ErrLoginFailed)
		case <-ticker.C:
		}
	}
}

func (c *Client) openReport(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, c.config.NavigationTimeout+c.config.ReportTimeout)
	defer cancel()

	// the portal sometimes opens the reports menu directly, so the main
	// menu is optional
	if err := c.click(navCtx, "main menu", mainMenuSelectors); err != nil {
		c.logger.Warn("main menu not found, trying the reports menu directly")
	}
	if err := c.click(navCtx, "reports menu", reportsMenuSelectors); err != nil {
		c.logger.Warn("reports menu not found, continuing")
	}
	if err := c.click(navCtx, "occurrence group", occurrenceGroupSelectors); err != nil {
		return err
	}
	if err := c.click(navCtx, "occurrence report", occurrenceReportSelectors); err != nil {
		c.logger.Debug("occurrence report entry already open")
	}
	return nil
}

func (c *Client) requestExport(ctx context.Context, r port.DateRange) error {
	reportCtx, cancel := context.WithTimeout(ctx, c.config.ReportTimeout)
	defer cancel()

	start, end := FormatRange(r)
	c.logger.Info("requesting export", zap.String("start", start), zap.String("end", end))

	if err := c.fill(reportCtx, "start date", []string{startDateSelector}, start); err != nil {
		return err
	}
	if err := c.fill(reportCtx, "end date", []string{endDateSelector}, end); err != nil {
		return err
	}
	// the confirmation button only shows for some date ranges
	if err := c.click(reportCtx, "confirm", []string{confirmSelector}); err != nil {
		c.logger.Debug("no confirmation step")
	}
	return c.click(reportCtx, "export", []string{exportSelector})
}

// find returns the first selector that becomes visible, trying each for at
// most ElementTimeout
func (c *Client) find(ctx context.Context, name string, selectors []string) (string, error) {
	for i, sel := range selectors {
		attemptCtx, cancel := context.WithTimeout(ctx, c.config.ElementTimeout)
		err := chromedp.Run(attemptCtx, chromedp.WaitVisible(sel, chromedp.BySearch))
		cancel()
		if err == nil {
			c.logger.Debug("element found", zap.String("element", name), zap.Int("attempt", i+1))
			return sel, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("%w: %s", domain.ErrElementNotFound, name)
}

func (c *Client) fill(ctx context.Context, name string, selectors []string, value string) error {
	sel, err := c.find(ctx, name, selectors)
	if err != nil {
		return err
	}
	if err := chromedp.Run(ctx,
		chromedp.Click(sel, chromedp.BySearch),
		chromedp.Clear(sel, chromedp.BySearch),
		chromedp.SendKeys(sel, value, chromedp.BySearch),
	); err != nil {
		return fmt.Errorf("failed to fill %s: %w", name, err)
	}
	return nil
}

// click scrolls to the element and clicks it, falling back to a script
// click when the native one is intercepted
func (c *Client) click(ctx context.Context, name string, selectors []string) error {
	sel, err := c.find(ctx, name, selectors)
	if err != nil {
		return err
	}
	err = chromedp.Run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.BySearch),
		chromedp.Click(sel, chromedp.BySearch),
	)
	if err == nil {
		return nil
	}

	c.logger.Debug("native click failed, using script", zap.String("element", name), zap.Error(err))
	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(ClickScript(sel), &clicked)); err != nil {
		return fmt.Errorf("failed to click %s: %w", name, err)
	}
	if !clicked {
		return fmt.Errorf("%w: %s", domain.ErrElementNotFound, name)
	}
	return nil
}

// screenshot saves the current page for troubleshooting; failures are logged
func (c *Client) screenshot(ctx context.Context) {
	shotCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		c.logger.Debug("failed to capture screenshot", zap.Error(err))
		return
	}
	path := c.files.ScreenshotPath()
	if err := os.WriteFile(path, buf, 0644); err != nil {
		c.logger.Warn("failed to save screenshot", zap.String("path", path), zap.Error(err))
		return
	}
	c.logger.Info("navigation screenshot saved", zap.String("path", path))
}

// FormatRange renders r as the dd/mm/yyyy pair the report form expects
func FormatRange(r port.DateRange) (string, string) {
	return r.Start.Format(dateLayout), r.End.Format(dateLayout)
}

// ClickScript returns a script that clicks the first node matching xpath
// and reports whether it found one
func ClickScript(xpath string) string {
	return `(function() {
	const n = document.evaluate(` + strconv.Quote(xpath) + `, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	if (!n) { return false; }
	n.scrollIntoView({block: 'center'});
	n.click();
	return true;
})()`
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

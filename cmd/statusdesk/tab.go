package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk"
	"pkt.systems/statusdesk/internal/browser"
	"pkt.systems/statusdesk/internal/tabstate"
)

const maxBodyPreview = 512

func newTabCmd() *cobra.Command {
	var cfgPath string
	var chrome bool
	var headless bool
	cmd := &cobra.Command{
		Use:   "tab",
		Short: "Open an interactive tab of the origin",
		Long: "Open an interactive tab. Commands: show, hide, status, get <path>, " +
			"route <path>, revalidate, logout, help, quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer e.Close()

			stopMetrics := serveMetrics(ctx, e)
			defer stopMetrics()

			open := func(route string) (*statusdesk.Tab, error) {
				page := tabstate.NewMemoryPage(route, nil)
				return e.openTab(ctx, e.tabDeps(nil, nil, page), statusdesk.WithStorageEvents())
			}
			if chrome {
				browserCtx, cancel, err := startChrome(ctx, e.cfg.Origin, headless)
				if err != nil {
					return err
				}
				defer cancel()
				page, err := browser.NewPage(browserCtx, e.cfg.Origin)
				if err != nil {
					return err
				}
				open = func(string) (*statusdesk.Tab, error) {
					deps := e.tabDeps(
						browser.NewStore(browserCtx, browser.LocalStorage),
						browser.NewStore(browserCtx, browser.SessionStorage),
						page,
						browser.NewCacheSweeper(browserCtx),
					)
					return e.openTab(ctx, deps)
				}
			}
			return runShell(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), e.cfg.Timing.ReloadDelay(), open)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&chrome, "chrome", false, "back the tab with a Chrome page via the DevTools protocol")
	cmd.Flags().BoolVar(&headless, "headless", true, "run Chrome headless")
	return cmd
}

func startChrome(ctx context.Context, origin string, headless bool) (context.Context, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}
	if err := chromedp.Run(browserCtx, chromedp.Navigate(origin)); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("open %s in chrome: %w", origin, err)
	}
	return browserCtx, cancel, nil
}

func serveMetrics(ctx context.Context, e *env) func() {
	if e.cfg.Metrics.Addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log := pslog.Ctx(ctx).With("addr", e.cfg.Metrics.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "err", err)
		}
	}()
	log.Info("metrics listening")
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// runShell reads commands from in until quit or EOF. A tab torn down by the
// logout reload is replaced by a fresh one opened at the route it was sent to.
func runShell(ctx context.Context, in io.Reader, out io.Writer, reloadDelay time.Duration, open func(route string) (*statusdesk.Tab, error)) error {
	tab, err := open("/")
	if err != nil {
		return err
	}
	defer func() { tab.Close() }()
	if _, err := tab.ApplyCredentialInjection(); err != nil {
		return err
	}
	fmt.Fprintf(out, "tab %s open\n", tab.TabID())

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Fprintln(out, "show | hide | status | get <path> | route <path> | revalidate | logout | quit")
		case "show":
			tab.SetVisible(true)
			fmt.Fprintln(out, "visible")
		case "hide":
			tab.SetVisible(false)
			fmt.Fprintln(out, "hidden")
		case "status":
			if err := writeStatus(out, tab); err != nil {
				return err
			}
		case "revalidate":
			fmt.Fprintln(out, tab.Revalidate(ctx))
		case "route":
			if arg == "" {
				fmt.Fprintln(out, "usage: route <path>")
				continue
			}
			if err := tab.Page().Navigate(ctx, arg); err != nil {
				fmt.Fprintf(out, "navigate failed: %v\n", err)
				continue
			}
			tab.SaveTabState(nil)
			fmt.Fprintln(out, tab.Page().Route())
		case "get":
			if arg == "" {
				fmt.Fprintln(out, "usage: get <path>")
				continue
			}
			fetch(ctx, out, tab, arg)
		case "logout":
			if err := writeReport(out, tab.SignOut(ctx)); err != nil {
				return err
			}
			waitReload(tab, reloadDelay)
			route := tab.Page().Route()
			tab.Close()
			next, err := open(route)
			if err != nil {
				return err
			}
			tab = next
			if _, err := tab.ApplyCredentialInjection(); err != nil {
				return err
			}
			fmt.Fprintf(out, "reloaded at %s as tab %s\n", tab.Page().Route(), tab.TabID())
		default:
			fmt.Fprintf(out, "unknown command %q\n", fields[0])
		}
	}
}

func fetch(ctx context.Context, out io.Writer, tab *statusdesk.Tab, path string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		fmt.Fprintf(out, "bad request: %v\n", err)
		return
	}
	resp, err := tab.HTTPClient().Do(req)
	if err != nil {
		fmt.Fprintf(out, "request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyPreview))
	fmt.Fprintf(out, "%s\n%s\n", resp.Status, strings.TrimSpace(string(body)))
}

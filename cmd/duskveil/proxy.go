package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/proxy"
	"github.com/duskveil/duskveil/internal/types"
)

func proxyCmd() *cobra.Command {
	var file string
	var runTest bool
	var checkURL string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "manage the proxy list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(configFile())
			setupLogging(cfg.LogLevel)

			if file == "" {
				file = cfg.ProxyListFile
			}
			if file == "" {
				return fmt.Errorf("no proxy list file given: pass -f or set PROXY_LIST_FILE")
			}

			pool := proxy.NewPool(cfg.ProxyRotationMs)
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open proxy list: %w", err)
			}
			entries := proxy.ParseFile(f)
			f.Close()
			for _, px := range entries {
				if err := pool.Add(px); err != nil {
					fmt.Fprintf(os.Stderr, "skip %s: %v\n", px.HostPort(), err)
				}
			}

			if !runTest {
				stats := pool.Stats()
				fmt.Printf("loaded %d proxies (%d residential, avg score %.2f)\n", stats.Total, stats.Residential, stats.AvgScore)
				for _, px := range entries {
					fmt.Printf("  %-22s type=%-6s score=%.2f\n", px.HostPort(), px.Type, px.Score)
				}
				return nil
			}

			return runProxyTestTUI(entries, checkURL)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "proxy list file (default: PROXY_LIST_FILE)")
	cmd.Flags().BoolVarP(&runTest, "test", "t", false, "live-probe every proxy's reachability")
	cmd.Flags().StringVar(&checkURL, "check-url", "https://httpbin.org/ip", "URL each proxy probes during -t test")

	return cmd
}

// probeResult is one proxy's outcome, sent into the TUI as a tea.Msg.
type probeResult struct {
	hostPort string
	ok       bool
	latency  time.Duration
	err      error
}

func probeProxy(px *types.Proxy, checkURL string) probeResult {
	driver := px.ToDriverForm()
	transport := &http.Transport{}
	if proxyURL, err := url.Parse(driver.Server); err == nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{Transport: transport, Timeout: 8 * time.Second}

	start := time.Now()
	resp, err := client.Get(checkURL)
	latency := time.Since(start)
	if err != nil {
		return probeResult{hostPort: px.HostPort(), ok: false, latency: latency, err: err}
	}
	defer resp.Body.Close()
	return probeResult{hostPort: px.HostPort(), ok: resp.StatusCode < 400, latency: latency}
}

// proxyTestModel is a bubbletea Model rendering live per-proxy probe
// status as results stream in from probeAllCmd's goroutines.
type proxyTestModel struct {
	targets []*types.Proxy
	status  map[string]probeResult
	done    int
	results chan probeResult
}

func newProxyTestModel(targets []*types.Proxy, checkURL string) proxyTestModel {
	results := make(chan probeResult, len(targets))
	for _, px := range targets {
		go func(p *types.Proxy) { results <- probeProxy(p, checkURL) }(px)
	}
	return proxyTestModel{targets: targets, status: map[string]probeResult{}, results: results}
}

type probeMsg probeResult

func waitForProbe(results chan probeResult) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-results
		if !ok {
			return nil
		}
		return probeMsg(r)
	}
}

func (m proxyTestModel) Init() tea.Cmd {
	return waitForProbe(m.results)
}

func (m proxyTestModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case probeMsg:
		m.status[v.hostPort] = probeResult(v)
		m.done++
		if m.done >= len(m.targets) {
			return m, tea.Quit
		}
		return m, waitForProbe(m.results)
	case tea.KeyMsg:
		if v.String() == "ctrl+c" || v.String() == "q" {
			return m, tea.Quit
		}
	}
	return m, nil
}

var (
	probeOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	probeFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	probePending = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	probeHeader  = lipgloss.NewStyle().Bold(true).Underline(true)
)

func (m proxyTestModel) View() string {
	view := probeHeader.Render(fmt.Sprintf("probing %d proxies (%d/%d done)", len(m.targets), m.done, len(m.targets))) + "\n"
	for _, px := range m.targets {
		r, seen := m.status[px.HostPort()]
		switch {
		case !seen:
			view += fmt.Sprintf("  %-22s %s\n", px.HostPort(), probePending.Render("pending..."))
		case r.ok:
			view += fmt.Sprintf("  %-22s %s (%s)\n", px.HostPort(), probeOK.Render("ok"), r.latency.Round(time.Millisecond))
		default:
			view += fmt.Sprintf("  %-22s %s\n", px.HostPort(), probeFail.Render("fail: "+errString(r.err)))
		}
	}
	return view
}

func errString(err error) string {
	if err == nil {
		return "non-2xx/3xx status"
	}
	return err.Error()
}

func runProxyTestTUI(targets []*types.Proxy, checkURL string) error {
	if len(targets) == 0 {
		return fmt.Errorf("no proxies to test")
	}
	model := newProxyTestModel(targets, checkURL)
	p := tea.NewProgram(model)
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("proxy test TUI: %w", err)
	}

	final := finalModel.(proxyTestModel)
	var ok, fail int
	for _, r := range final.status {
		if r.ok {
			ok++
		} else {
			fail++
		}
	}
	fmt.Printf("%d reachable, %d unreachable\n", ok, fail)
	return nil
}

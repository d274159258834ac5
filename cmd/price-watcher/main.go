// Command price-watcher is a terminal dashboard that shows the DeltaDeFi
// order book for a symbol next to its Binance reference ticker, with the
// live basis between the two venues.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/deltadefi"
	"github.com/deltabot/godelta/internal/feed"
	"github.com/deltabot/godelta/pkg/config"
)

const (
	depthLevels  = 5
	pollInterval = time.Second
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	bidStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2"))

	askStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1"))

	priceStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type model struct {
	symbolDst string
	symbolSrc string

	ddPrice   float64
	ddBids    []deltadefi.DepthLevel
	ddAsks    []deltadefi.DepthLevel
	ddUpdated time.Time
	ddErr     error

	refTick      feed.BookTicker
	refConnected bool

	client *deltadefi.Client
	ticks  <-chan feed.BookTicker
	ctx    context.Context
	cancel context.CancelFunc
}

type tickMsg time.Time

type marketMsg struct {
	price float64
	bids  []deltadefi.DepthLevel
	asks  []deltadefi.DepthLevel
	err   error
}

type refTickMsg feed.BookTicker

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchMarketCmd(ctx context.Context, client *deltadefi.Client, symbol string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		price, err := client.Market.GetMarketPrice(ctx, symbol)
		if err != nil {
			return marketMsg{err: err}
		}
		depth, err := client.Market.GetDepth(ctx, symbol)
		if err != nil {
			return marketMsg{price: price.Price, err: err}
		}
		return marketMsg{price: price.Price, bids: depth.Bids, asks: depth.Asks}
	}
}

func waitForRefTick(ticks <-chan feed.BookTicker) tea.Cmd {
	return func() tea.Msg {
		t, ok := <-ticks
		if !ok {
			return nil
		}
		return refTickMsg(t)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		fetchMarketCmd(m.ctx, m.client, m.symbolDst),
		waitForRefTick(m.ticks),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tea.Batch(tickCmd(), fetchMarketCmd(m.ctx, m.client, m.symbolDst))

	case marketMsg:
		m.ddErr = msg.err
		if msg.err == nil || msg.price > 0 {
			m.ddPrice = msg.price
			m.ddUpdated = time.Now()
		}
		if msg.err == nil {
			m.ddBids = msg.bids
			m.ddAsks = msg.asks
		}
		return m, nil

	case refTickMsg:
		m.refTick = feed.BookTicker(msg)
		m.refConnected = true
		return m, waitForRefTick(m.ticks)
	}

	return m, nil
}

func (m model) View() string {
	header := headerStyle.Render(fmt.Sprintf(" %s vs %s ", m.symbolDst, m.symbolSrc))

	dd := m.renderDeltaDeFi()
	ref := m.renderReference()
	panels := lipgloss.JoinHorizontal(lipgloss.Top, dd, " ", ref)

	basis := m.renderBasis()
	footer := dimStyle.Render("q to quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, panels, basis, footer) + "\n"
}

func (m model) renderDeltaDeFi() string {
	var b []string
	b = append(b, titleStyle.Render("DeltaDeFi "+m.symbolDst))
	if m.ddErr != nil {
		b = append(b, askStyle.Render("error: "+m.ddErr.Error()))
	}
	b = append(b, priceStyle.Render(fmt.Sprintf("last %0.6f", m.ddPrice)))
	b = append(b, "")

	asks := topLevels(m.ddAsks, depthLevels)
	for i := len(asks) - 1; i >= 0; i-- {
		b = append(b, askStyle.Render(fmt.Sprintf("%10.6f  %12.2f", asks[i].Price, asks[i].Quantity)))
	}
	b = append(b, dimStyle.Render("----------  ------------"))
	for _, l := range topLevels(m.ddBids, depthLevels) {
		b = append(b, bidStyle.Render(fmt.Sprintf("%10.6f  %12.2f", l.Price, l.Quantity)))
	}
	if !m.ddUpdated.IsZero() {
		b = append(b, "", dimStyle.Render("updated "+time.Since(m.ddUpdated).Truncate(time.Second).String()+" ago"))
	}
	return borderStyle.Render(lipgloss.JoinVertical(lipgloss.Left, b...))
}

func (m model) renderReference() string {
	var b []string
	b = append(b, titleStyle.Render("Binance "+m.symbolSrc))
	if !m.refConnected {
		b = append(b, dimStyle.Render("connecting..."))
		return borderStyle.Render(lipgloss.JoinVertical(lipgloss.Left, b...))
	}

	t := m.refTick
	b = append(b, priceStyle.Render(fmt.Sprintf("mid  %0.6f", t.Mid())))
	b = append(b, "")
	b = append(b, askStyle.Render(fmt.Sprintf("ask  %10.6f  %12.2f", t.AskPrice, t.AskQty)))
	b = append(b, bidStyle.Render(fmt.Sprintf("bid  %10.6f  %12.2f", t.BidPrice, t.BidQty)))
	b = append(b, "")
	b = append(b, dimStyle.Render(fmt.Sprintf("spread %.1f bps", t.SpreadBps())))
	b = append(b, dimStyle.Render(fmt.Sprintf("age %s", t.Age().Truncate(time.Millisecond))))
	return borderStyle.Render(lipgloss.JoinVertical(lipgloss.Left, b...))
}

func (m model) renderBasis() string {
	if !m.refConnected || m.ddPrice <= 0 {
		return dimStyle.Render("basis: waiting for both venues")
	}
	mid := m.refTick.Mid()
	if mid <= 0 {
		return dimStyle.Render("basis: reference mid unavailable")
	}
	bps := (m.ddPrice - mid) / mid * 10000
	style := bidStyle
	if bps < 0 {
		style = askStyle
	}
	return style.Render(fmt.Sprintf("basis: %+.1f bps (venue %0.6f vs reference %0.6f)", bps, m.ddPrice, mid))
}

func topLevels(levels []deltadefi.DepthLevel, n int) []deltadefi.DepthLevel {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

// silenceLogs drops library logging; the TUI owns the terminal and any
// stray reconnect log would corrupt the alt screen.
func silenceLogs() {
	logrus.SetOutput(io.Discard)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	symbol := flag.String("symbol", "", "DeltaDeFi symbol override, e.g. ADAUSDM")
	refSymbol := flag.String("ref", "", "Binance reference symbol override, e.g. ADAUSDT")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.Trading.SymbolDst = *symbol
	}
	if *refSymbol != "" {
		cfg.Trading.SymbolSrc = *refSymbol
	}

	silenceLogs()

	client := deltadefi.NewClient(deltadefi.ApiConfig{
		Network: cfg.Exchange.Network,
		ApiKey:  cfg.Exchange.APIKey,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan feed.BookTicker, 16)
	refFeed := feed.NewBinanceFeed(cfg.Trading.SymbolSrc, func(t feed.BookTicker) {
		select {
		case ticks <- t:
		default:
		}
	}, feed.Options{})
	if err := refFeed.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start reference feed: %v\n", err)
		os.Exit(1)
	}
	defer refFeed.Stop()

	m := model{
		symbolDst: cfg.Trading.SymbolDst,
		symbolSrc: cfg.Trading.SymbolSrc,
		client:    client,
		ticks:     ticks,
		ctx:       ctx,
		cancel:    cancel,
	}

	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "price watcher: %v\n", err)
		os.Exit(1)
	}
}

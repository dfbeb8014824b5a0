// internal/tui/app.go
//
// The run monitor for Lattice. It uses bubbletea, which follows The Elm
// Architecture:
//
// 1. Model: the folded projection plus UI state
// 2. Update: applies snapshots, live events and key presses
// 3. View: renders runs, the selected run and the event feed
//
// The flow is: Event Log -> Snapshot/Live Message -> Update -> View -> Screen

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/projection"
)

// appState represents which "screen" we're on
type appState int

const (
	stateRuns           appState = iota // Run board with details and event feed
	stateWorkflowSelect                 // Workflow picker before launching a run
)

const (
	defaultRefreshInterval = 3 * time.Second
	feedSize               = 8
)

// Launcher starts a run of the named workflow and returns its run ID without
// waiting for the run to finish.
type Launcher func(ctx context.Context, workflow string) (string, error)

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithLiveEvents follows a router subscription. Each event triggers a
// projection refresh and lands in the feed panel.
func WithLiveEvents(events <-chan eventlog.Event) AppOption {
	return func(a *App) { a.live = events }
}

// WithLauncher enables the workflow picker ("n").
func WithLauncher(l Launcher) AppOption {
	return func(a *App) { a.launcher = l }
}

// WithWorkflows lists the workflows offered by the picker. The default is
// preselected.
func WithWorkflows(names []string, defaultName string) AppOption {
	return func(a *App) {
		a.workflows = append([]string(nil), names...)
		a.selectedWorkflow = strings.TrimSpace(defaultName)
	}
}

// WithFilter narrows the monitored events, e.g. to one issue.
func WithFilter(f eventlog.Filter) AppOption {
	return func(a *App) { a.filter = f }
}

// WithRefreshInterval overrides the polling interval.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.refreshEvery = d
		}
	}
}

type snapshotMsg struct {
	model projection.ReadModel
	err   error
}

type refreshTickMsg struct{}

type liveEventMsg struct {
	event eventlog.Event
}

type liveClosedMsg struct{}

type launchedMsg struct {
	workflow string
	runID    string
	err      error
}

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	state        appState
	builder      *projection.Builder
	filter       eventlog.Filter
	live         <-chan eventlog.Event
	launcher     Launcher
	refreshEvery time.Duration

	model     projection.ReadModel
	runs      []projection.RunView
	selection int
	selected  string
	feed      []eventlog.Event
	loaded    bool

	workflows        []string
	workflowMenu     list.Model
	selectedWorkflow string

	statusMsg string
	boardErr  string

	width  int
	height int
}

type workflowOption struct {
	id    string
	title string
}

func (o workflowOption) Title() string       { return o.title }
func (o workflowOption) Description() string { return fmt.Sprintf("Workflow: %s", o.id) }
func (o workflowOption) FilterValue() string { return o.id }

// NewApp creates a monitor over the log.
func NewApp(log eventlog.Reader, opts ...AppOption) (*App, error) {
	builder, err := projection.NewBuilder(log)
	if err != nil {
		return nil, err
	}
	workflowMenu := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	workflowMenu.Title = "Select Workflow"
	workflowMenu.SetShowStatusBar(false)
	workflowMenu.SetFilteringEnabled(false)

	app := &App{
		state:        stateRuns,
		builder:      builder,
		refreshEvery: defaultRefreshInterval,
		workflowMenu: workflowMenu,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.refreshWorkflowMenu()
	return app, nil
}

func (a *App) refreshWorkflowMenu() {
	items := make([]list.Item, 0, len(a.workflows))
	selected := 0
	for i, name := range a.workflows {
		items = append(items, workflowOption{id: name, title: humanizeWorkflowID(name)})
		if strings.EqualFold(name, a.selectedWorkflow) {
			selected = i
		}
	}
	a.workflowMenu.SetItems(items)
	if len(items) > 0 {
		a.workflowMenu.Select(selected)
	}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchSnapshot(), a.scheduleRefresh(), a.waitForEvent())
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.workflowMenu.SetSize(max(0, msg.Width-6), max(0, msg.Height-10))
		return a, nil

	case snapshotMsg:
		a.applySnapshot(msg)
		return a, nil

	case refreshTickMsg:
		return a, tea.Batch(a.fetchSnapshot(), a.scheduleRefresh())

	case liveEventMsg:
		a.pushFeed(msg.event)
		return a, tea.Batch(a.fetchSnapshot(), a.waitForEvent())

	case liveClosedMsg:
		a.live = nil
		a.statusMsg = "Live feed closed; polling only"
		return a, nil

	case launchedMsg:
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Launch of %s failed: %v", msg.workflow, msg.err)
			return a, nil
		}
		a.selected = msg.runID
		a.statusMsg = fmt.Sprintf("Launched %s · run %s", msg.workflow, shortID(msg.runID))
		return a, a.fetchSnapshot()

	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "ctrl+c":
			return a, tea.Quit
		case "q":
			if a.state == stateRuns {
				return a, tea.Quit
			}
		case "esc":
			if a.state != stateRuns {
				a.state = stateRuns
				a.statusMsg = ""
				return a, nil
			}
		}
		switch a.state {
		case stateRuns:
			return a, a.handleRunsKey(key)
		case stateWorkflowSelect:
			if key == "enter" {
				return a, a.confirmWorkflowSelection()
			}
		}
	}

	if a.state == stateWorkflowSelect {
		var menuCmd tea.Cmd
		a.workflowMenu, menuCmd = a.workflowMenu.Update(msg)
		return a, menuCmd
	}
	return a, nil
}

func (a *App) handleRunsKey(key string) tea.Cmd {
	switch key {
	case "up", "k":
		if a.selection > 0 {
			a.selection--
			a.selected = a.runs[a.selection].RunID
		}
	case "down", "j":
		if a.selection < len(a.runs)-1 {
			a.selection++
			a.selected = a.runs[a.selection].RunID
		}
	case "r":
		a.statusMsg = "Refreshing..."
		return a.fetchSnapshot()
	case "n":
		return a.beginWorkflowSelection()
	}
	return nil
}

func (a *App) beginWorkflowSelection() tea.Cmd {
	if a.launcher == nil {
		a.statusMsg = "Launching is not available in this session"
		return nil
	}
	if len(a.workflows) == 0 {
		a.statusMsg = "No workflows in the catalog"
		return nil
	}
	a.state = stateWorkflowSelect
	if a.width > 0 && a.height > 0 {
		a.workflowMenu.SetSize(max(0, a.width-6), max(0, a.height-10))
	}
	a.statusMsg = "Select a workflow to launch"
	return nil
}

func (a *App) confirmWorkflowSelection() tea.Cmd {
	item, ok := a.workflowMenu.SelectedItem().(workflowOption)
	if !ok {
		a.statusMsg = "Workflow selection unavailable"
		return nil
	}
	a.selectedWorkflow = item.id
	a.state = stateRuns
	a.statusMsg = fmt.Sprintf("Launching %s...", item.id)
	launcher := a.launcher
	return func() tea.Msg {
		runID, err := launcher(context.Background(), item.id)
		return launchedMsg{workflow: item.id, runID: runID, err: err}
	}
}

func (a *App) applySnapshot(msg snapshotMsg) {
	if msg.err != nil {
		a.boardErr = msg.err.Error()
		return
	}
	a.boardErr = ""
	a.loaded = true
	a.model = msg.model
	// Newest run first.
	runs := make([]projection.RunView, len(msg.model.Runs))
	for i, run := range msg.model.Runs {
		runs[len(runs)-1-i] = run
	}
	a.runs = runs
	a.selection = 0
	for i, run := range runs {
		if run.RunID == a.selected {
			a.selection = i
			break
		}
	}
	if len(runs) > 0 {
		a.selected = runs[a.selection].RunID
	}
	if a.statusMsg == "Refreshing..." {
		a.statusMsg = ""
	}
}

func (a *App) pushFeed(ev eventlog.Event) {
	a.feed = append(a.feed, ev)
	if len(a.feed) > feedSize {
		a.feed = a.feed[len(a.feed)-feedSize:]
	}
}

func (a *App) fetchSnapshot() tea.Cmd {
	builder, filter := a.builder, a.filter
	return func() tea.Msg {
		model, err := builder.Build(context.Background(), filter)
		return snapshotMsg{model: model, err: err}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(a.refreshEvery, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func (a *App) waitForEvent() tea.Cmd {
	live := a.live
	if live == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-live
		if !ok {
			return liveClosedMsg{}
		}
		return liveEventMsg{event: ev}
	}
}

func (a *App) selectedRun() (projection.RunView, bool) {
	if len(a.runs) == 0 || a.selection >= len(a.runs) {
		return projection.RunView{}, false
	}
	return a.runs[a.selection], true
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/2)
	leftWidth := width - rightWidth - 4
	if leftWidth < 30 {
		leftWidth = width - 4
		rightWidth = 0
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ LATTICE")

	var body string
	if a.state == stateWorkflowSelect {
		body = panelStyle(width - 4).Render(a.renderWorkflowSelection())
	} else {
		left := panelStyle(leftWidth).Render(a.renderRunsPanel(leftWidth - 4))
		if rightWidth > 0 {
			right := panelStyle(rightWidth).Render(a.renderRunPanel(rightWidth - 4))
			body = lipgloss.JoinHorizontal(lipgloss.Top, left, right)
		} else {
			body = left
		}
	}
	sections := []string{header, body}
	if feed := a.renderFeedPanel(); feed != "" {
		sections = append(sections, feed)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.footer())
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width))
}

func (a *App) footer() string {
	hints := "↑/↓ select    r refresh    q quit"
	if a.launcher != nil {
		hints = "↑/↓ select    n launch    r refresh    q quit"
	}
	if a.state == stateWorkflowSelect {
		hints = "Enter → launch workflow    Esc → cancel"
	}
	if a.statusMsg == "" {
		return hints
	}
	return a.statusMsg + "\n" + hints
}

func (a *App) renderRunsPanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("Runs (%d) · %d events", len(a.runs), a.model.EventCount))
	lines := []string{title}
	if a.boardErr != "" {
		lines = append(lines, labelStyleFailed.Render("⚠ "+a.boardErr))
	}
	switch {
	case !a.loaded:
		lines = append(lines, detailTextStyle.Render("Loading event log..."))
	case len(a.runs) == 0:
		lines = append(lines, detailTextStyle.Render("No runs yet."))
	}
	for i, run := range a.runs {
		indicator := " "
		if i == a.selection {
			indicator = ">"
		}
		status := labelStyleForStatus(run.Status).Render(friendlyLabel(string(run.Status)))
		line := fmt.Sprintf("%s %s · %s · %s", indicator, shortID(run.RunID), run.Workflow, status)
		if run.IssueID != "" {
			line += " · " + run.IssueID
		}
		lines = append(lines, lipgloss.NewStyle().MaxWidth(max(20, width)).Render(line))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderRunPanel(width int) string {
	run, ok := a.selectedRun()
	if !ok {
		return detailTextStyle.Render("Select a run to see its steps.")
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(renderRunDetails(run, time.Now()))
}

func (a *App) renderWorkflowSelection() string {
	view := a.workflowMenu.View()
	if strings.TrimSpace(view) == "" {
		view = "No workflows available"
	}
	return view
}

func (a *App) renderFeedPanel() string {
	if len(a.feed) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("LIVE EVENTS")
	lines := make([]string, 0, len(a.feed))
	for _, ev := range a.feed {
		lines = append(lines, formatFeedLine(ev))
	}
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func formatFeedLine(ev eventlog.Event) string {
	line := fmt.Sprintf("#%d %s", ev.Position, ev.Type)
	if run := ev.Tags[eventlog.TagRun]; run != "" {
		line += " · run " + shortID(run)
	}
	if step := ev.Tags[eventlog.TagStep]; step != "" {
		line += " · " + step
	}
	if plugin := ev.Tags[eventlog.TagPlugin]; plugin != "" {
		line += " · " + plugin
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanizeWorkflowID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "Workflow"
	}
	if label := friendlyLabel(trimmed); label != "" {
		return label
	}
	return "Workflow"
}

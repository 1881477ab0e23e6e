package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"turtle_botnet/internal/domain"
	"turtle_botnet/internal/orchestrator"
)

type client struct {
	baseURL string
	http    *http.Client
}

// embeddedOrchestrator is a child orchestrator process owned by the monitor.
type embeddedOrchestrator struct {
	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{}
}

func main() {
	addr := flag.String("addr", "http://localhost:8787", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start an orchestrator alongside the monitor")
	orchestratorBinary := flag.String("orchestrator-bin", "orchestrator", "orchestrator binary for embedded mode, looked up on PATH")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded orchestrator; its log goes next to it")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var child *embeddedOrchestrator
	if *embedded {
		var err error
		child, err = startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer child.Stop()
	}

	if err := c.waitReady(30*time.Second, child.exitedChan()); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator not reachable: %v\n", err)
		child.Stop()
		os.Exit(1)
	}

	app := tview.NewApplication()
	turtlesTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	turtlesTable.SetTitle("Turtles (Enter inspect, Ctrl+D retire, F5 refresh, F10 quit)").SetBorder(true)

	stateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	stateView.SetTitle("Turtle").SetBorder(true)

	jobsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	jobsView.SetTitle("Jobs").SetBorder(true)

	treesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	treesView.SetTitle("Trees").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Tree Events").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Connected to %s | embedded=%t", c.baseURL, *embedded))

	rightTop := tview.NewFlex().
		AddItem(stateView, 0, 1, false).
		AddItem(jobsView, 0, 2, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(treesView, 7, 0, false).
		AddItem(eventsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(turtlesTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(statusView, 3, 0, false)

	var selectedID string
	var lastTurtles []orchestrator.TurtleView
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshTurtles := func() {
		turtles, err := c.listTurtles()
		if err != nil {
			app.QueueUpdateDraw(func() {
				turtlesTable.Clear()
				turtlesTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(turtles, func(i, j int) bool {
			return turtles[i].CreatedAt.Before(turtles[j].CreatedAt)
		})
		lastTurtles = turtles
		app.QueueUpdateDraw(func() {
			renderTurtlesTable(turtlesTable, turtles, selectedID)
		})
	}

	refreshTrees := func() {
		trees, err := c.listTrees()
		app.QueueUpdateDraw(func() {
			if err != nil {
				treesView.SetText(fmt.Sprintf("error: %v", err))
				return
			}
			treesView.SetText(renderTrees(trees))
		})
	}

	refreshDetailsAsync := func(turtleID string) {
		if strings.TrimSpace(turtleID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			type eventsResult struct {
				items []domain.TreeEvent
				err   error
			}

			view, viewErr := c.turtle(selected, 40)
			eventsCh := make(chan eventsResult, 1)
			go func() {
				if viewErr != nil || view.Tree == "" {
					eventsCh <- eventsResult{}
					return
				}
				items, err := c.listTreeEvents(view.Tree, 200)
				eventsCh <- eventsResult{items: items, err: err}
			}()
			events := <-eventsCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedID {
					return
				}
				if viewErr != nil {
					stateView.SetText(fmt.Sprintf("error: %v", viewErr))
					jobsView.SetText("")
					eventsView.SetText("")
					return
				}
				stateView.SetText(renderTurtle(view))
				jobsView.SetText(renderJobs(view.ActiveJob, view.RecentJobs))
				if events.err != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", events.err))
				} else {
					eventsView.SetText(renderEvents(selected, events.items))
				}
			})
		}(turtleID, version)
	}

	retireSelected := func() {
		id := selectedID
		if id == "" {
			return
		}
		setStatusUI("Retiring " + idPrefix(id) + "...")
		go func() {
			if err := c.retireTurtle(id); err != nil {
				setStatusAsync("Retire failed: " + err.Error())
				return
			}
			selectedID = ""
			refreshTurtles()
			refreshTrees()
			setStatusAsync("Retired " + id)
		}()
	}

	turtlesTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTurtles) {
			return
		}
		selectedID = lastTurtles[row-1].ID
		refreshDetailsAsync(selectedID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshTurtles()
			refreshTrees()
			refreshDetailsAsync(selectedID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlD:
			retireSelected()
			return nil
		case tcell.KeyEscape:
			app.SetFocus(turtlesTable)
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshTurtles()
		refreshTrees()
		if len(lastTurtles) > 0 {
			selectedID = lastTurtles[0].ID
			refreshDetailsAsync(selectedID)
		}

		for range ticker.C {
			refreshTurtles()
			refreshTrees()
			if selectedID == "" && len(lastTurtles) > 0 {
				selectedID = lastTurtles[0].ID
			}
			refreshDetailsAsync(selectedID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(turtlesTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

// waitReady polls /healthz until it answers, the timeout passes, or exited
// closes.
func (c *client) waitReady(timeout time.Duration, exited <-chan struct{}) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for {
		err := c.do(http.MethodGet, "/healthz", nil)
		if err == nil {
			return nil
		}
		select {
		case <-exited:
			return errors.New("embedded orchestrator exited during startup")
		case <-deadline.C:
			return fmt.Errorf("no healthy answer within %s: %w", timeout, err)
		case <-poll.C:
		}
	}
}

func startEmbeddedOrchestrator(addr, binary, dbPath string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	if parsed.Port() == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("locate orchestrator binary: %w", err)
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	// The UI owns the terminal, so the child logs to a file.
	logFile, err := os.OpenFile(filepath.Join(dir, "orchestrator.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open orchestrator log: %w", err)
	}

	cmd := exec.Command(path, "--addr", ":"+parsed.Port(), "--db", dbPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	e := &embeddedOrchestrator{cmd: cmd, logFile: logFile, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
		close(e.exited)
	}()
	return e, nil
}

func (e *embeddedOrchestrator) exitedChan() <-chan struct{} {
	if e == nil {
		return nil
	}
	return e.exited
}

// Stop interrupts the child so it drains its trees and writes a final
// snapshot, killing it if that takes too long. Safe to call more than once.
func (e *embeddedOrchestrator) Stop() {
	if e == nil {
		return
	}
	select {
	case <-e.exited:
		return
	default:
	}
	if err := e.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = e.cmd.Process.Kill()
	}
	select {
	case <-e.exited:
	case <-time.After(10 * time.Second):
		_ = e.cmd.Process.Kill()
		<-e.exited
	}
}

func renderTurtlesTable(table *tview.Table, turtles []orchestrator.TurtleView, selectedID string) {
	table.Clear()
	headers := []string{"Turtle", "Position", "Facing", "Fuel", "Tree", "Node"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range turtles {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(idPrefix(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(t.Position.String()))
		table.SetCell(row, 2, tview.NewTableCell(string(t.Direction)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", t.Fuel)).SetTextColor(fuelColor(t.Fuel)))
		table.SetCell(row, 4, tview.NewTableCell(orDash(t.Tree)))
		table.SetCell(row, 5, tview.NewTableCell(ellipsize(orDash(t.Node), 32)))
		if t.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func fuelColor(fuel int) tcell.Color {
	switch {
	case fuel <= 0:
		return tcell.ColorRed
	case fuel < 200:
		return tcell.ColorYellow
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderTurtle(v orchestrator.TurtleView) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("id:       %s\n", v.ID))
	b.WriteString(fmt.Sprintf("position: %s facing %s\n", v.Position, v.Direction))
	b.WriteString(fmt.Sprintf("fuel:     %d / %d\n", v.Fuel, domain.MaxFuel))
	b.WriteString(fmt.Sprintf("tree:     %s @ %s\n", orDash(v.Tree), orDash(v.Node)))
	b.WriteString(fmt.Sprintf("hands:    %s | %s\n", itemLabel(v.LeftHand), itemLabel(v.RightHand)))
	b.WriteString("inventory:\n")
	for i, item := range v.Inventory {
		if item.Empty() {
			continue
		}
		b.WriteString(fmt.Sprintf("  %2d %s\n", i+1, itemLabel(item)))
	}
	return b.String()
}

func itemLabel(item domain.Item) string {
	if item.Empty() {
		return "empty"
	}
	return fmt.Sprintf("%s x%d", item.Name, item.Quantity)
}

func renderJobs(active *domain.Job, items []domain.JobRecord) string {
	var b strings.Builder
	if active != nil {
		b.WriteString(fmt.Sprintf("[yellow]active[-] %s %s %s\n", idPrefix(active.TrackerID), active.Action, argsSummary(active.Args)))
	}
	if len(items) == 0 {
		if active == nil {
			return "No jobs"
		}
		return b.String()
	}
	for _, j := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %-10s %s %s\n",
			j.CreatedAt.Format("15:04:05"),
			j.Status,
			j.Action,
			argsSummary(j.Args),
		))
		if len(j.Results) > 0 {
			b.WriteString("  -> " + ellipsize(strings.TrimSpace(string(j.Results)), 100) + "\n")
		}
	}
	return b.String()
}

func argsSummary(args []any) string {
	if len(args) == 0 {
		return ""
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args...)
	}
	return ellipsize(string(raw), 48)
}

func renderTrees(trees []orchestrator.TreeView) string {
	if len(trees) == 0 {
		return "No trees"
	}
	var b strings.Builder
	for _, t := range trees {
		updating := 0
		for _, s := range t.Sequencers {
			if s.Updating {
				updating++
			}
		}
		b.WriteString(fmt.Sprintf(
			"%-12s nodes=%-3d auto=%-5t sequencers=%d updating=%d\n",
			t.Name, t.Nodes, t.AutoUpdating, len(t.Sequencers), updating,
		))
	}
	return b.String()
}

func renderEvents(turtleID string, items []domain.TreeEvent) string {
	var b strings.Builder
	for _, e := range items {
		if e.AgentID != turtleID {
			continue
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %-8s %s",
			e.CreatedAt.Format("15:04:05"),
			e.Kind,
			e.Tree,
		))
		if e.NodeID != "" {
			b.WriteString(" node=" + e.NodeID)
		}
		b.WriteString("\n")
		if e.Reason != "" {
			b.WriteString("  reason: " + ellipsize(e.Reason, 100) + "\n")
		}
	}
	if b.Len() == 0 {
		return "No events"
	}
	return b.String()
}

func (c *client) listTurtles() ([]orchestrator.TurtleView, error) {
	var out []orchestrator.TurtleView
	if err := c.do(http.MethodGet, "/turtles", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) turtle(id string, jobs int) (orchestrator.TurtleView, error) {
	var out orchestrator.TurtleView
	err := c.do(http.MethodGet, fmt.Sprintf("/turtles/%s?jobs=%d", url.PathEscape(id), jobs), &out)
	return out, err
}

func (c *client) retireTurtle(id string) error {
	return c.do(http.MethodDelete, "/turtles/"+url.PathEscape(id), nil)
}

func (c *client) listTrees() ([]orchestrator.TreeView, error) {
	var out []orchestrator.TreeView
	if err := c.do(http.MethodGet, "/trees", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTreeEvents(tree string, limit int) ([]domain.TreeEvent, error) {
	var out []domain.TreeEvent
	if err := c.do(http.MethodGet, fmt.Sprintf("/trees/%s/events?limit=%d", url.PathEscape(tree), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// ellipsize cuts s to at most limit runes.
func ellipsize(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

// idPrefix is the first group of a uuid, enough to tell turtles and jobs apart.
func idPrefix(id string) string {
	head, _, _ := strings.Cut(id, "-")
	return head
}

package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"mailscout/internal/fts"
	"mailscout/internal/keys"
	"mailscout/internal/model"
	"mailscout/internal/search"
	"mailscout/internal/store"
	msync "mailscout/internal/sync"
	"mailscout/internal/theme"
)

// uiCallMsg carries a function posted by the boundary worker; it runs
// inside Update, on the program's own goroutine.
type uiCallMsg struct {
	fn func()
}

// loadingMsg is sent when a boundary load starts.
type loadingMsg struct{}

// loadedMsg is sent when a boundary load finished, with the number of
// messages that newly matched.
type loadedMsg struct {
	found int
}

// loadFailedMsg is sent when a boundary load failed terminally.
type loadFailedMsg struct {
	err error
}

// RefreshMsg reports messages stored by the background poller; sent
// from outside the program through the Sender.
type RefreshMsg struct {
	New int
}

// messagesMsg carries a refreshed page of rows from the store.
type messagesMsg struct {
	messages []model.Message
}

// detailMsg carries an opened message and its body text.
type detailMsg struct {
	message model.Message
	body    string
}

// teaCallback translates boundary outcomes into Bubble Tea messages.
// Its methods already run on the UI side, marshalled there by the
// controller's post function.
type teaCallback struct {
	sender *Sender
}

func (c *teaCallback) OnLoading()            { c.sender.Send(loadingMsg{}) }
func (c *teaCallback) OnLoaded(found int)    { c.sender.Send(loadedMsg{found: found}) }
func (c *teaCallback) OnException(err error) { c.sender.Send(loadFailedMsg{err: err}) }

// Deps bundles everything the root model needs to build boundaries.
type Deps struct {
	Store   store.Store
	Index   *fts.Index
	Sync    *msync.Synchronizer
	BodyDir string

	AccountID *int64
	FolderID  *int64

	PageSize int
	FTS      bool

	NewSession func() search.RemoteSession
	Probe      msync.Prober
	Sender     *Sender
	Logger     *zap.Logger
}

// Model is the root Bubble Tea model: a message list fed by a boundary
// controller, plus the criteria form.
type Model struct {
	deps Deps
	keys *keys.KeyMap

	list    list.Model
	spinner spinner.Model
	help    help.Model

	form *huh.Form
	fb   *formBindings

	detail   *model.Message
	viewport viewport.Model

	boundary *search.Boundary
	cb       *teaCallback
	criteria *search.Criteria
	server   bool

	loading  bool
	found    int
	limit    int
	errText  string
	showHelp bool

	width  int
	height int
}

// New creates the root model. The boundary for plain browsing is
// created on Init.
func New(deps Deps) Model {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.PageSize <= 0 {
		deps.PageSize = 50
	}

	l := list.New([]list.Item{}, messageDelegate{}, 80, 20)
	l.Title = "Messages"
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = theme.HeaderStyle

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		deps:    deps,
		keys:    keys.DefaultKeyMap(),
		list:    l,
		spinner: sp,
		help:    help.New(),
		cb:      &teaCallback{sender: deps.Sender},
	}
}

// Init attaches the browse boundary and fires the first load.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		return startMsg{}
	})
}

// startMsg kicks off the initial browse boundary from inside Update,
// where the model can be mutated.
type startMsg struct{}

// attach replaces the current boundary with one for the given criteria.
// Browsing (nil criteria) always pages against the server: the local
// rows are already in the list, the boundary exists to fetch older
// ones.
func (m *Model) attach(criteria *search.Criteria, server bool) {
	if criteria == nil {
		server = true
	}
	if m.boundary != nil {
		m.boundary.Destroy()
		m.boundary.Shutdown()
	}

	m.criteria = criteria
	m.server = server
	m.found = 0
	m.limit = m.deps.PageSize
	m.errText = ""

	var ld interface {
		Load(ctx context.Context, st *search.State) (int, error)
		Close(st *search.State, reset bool)
	}
	if server {
		ld = search.NewRemote(m.deps.Store, m.deps.Sync, m.deps.Probe, m.deps.NewSession,
			m.deps.AccountID, m.deps.FolderID, criteria, m.deps.PageSize, m.deps.Logger)
	} else {
		ld = search.NewLocal(m.deps.Store, m.deps.Index, m.deps.BodyDir,
			m.deps.AccountID, m.deps.FolderID, criteria, m.deps.PageSize, m.deps.Logger)
	}

	post := func(f func()) { m.deps.Sender.Send(uiCallMsg{fn: f}) }
	m.boundary = search.NewBoundary(server, criteria, ld, m.deps.Store, post, m.deps.Logger)
	m.boundary.AttachCallback(m.cb)
	m.boundary.OnBoundaryTriggered()

	if criteria != nil {
		m.list.Title = criteria.Title()
	} else {
		m.list.Title = "Messages"
	}
}

// Update handles messages for the root model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case startMsg:
		m.attach(nil, false)
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, msg.Height-3)
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 7
		return m, nil

	case uiCallMsg:
		msg.fn()
		return m, nil

	case loadingMsg:
		m.loading = true
		return m, m.spinner.Tick

	case loadedMsg:
		m.loading = false
		m.found += msg.found
		if msg.found > 0 {
			m.limit += msg.found
		}
		return m, m.loadMessages()

	case loadFailedMsg:
		m.loading = false
		m.errText = msg.err.Error()
		return m, nil

	case RefreshMsg:
		// New arrivals matter to the browse list only; a search list
		// shows found rows and stays as it is.
		if m.criteria == nil {
			m.limit += msg.New
			return m, m.loadMessages()
		}
		return m, nil

	case messagesMsg:
		items := make([]list.Item, len(msg.messages))
		for i, mm := range msg.messages {
			items[i] = MessageItem{Message: mm}
		}
		cmd := m.list.SetItems(items)
		return m, cmd

	case detailMsg:
		msgCopy := msg.message
		m.detail = &msgCopy
		m.viewport = viewport.New(m.width, max(m.height-7, 1))
		m.viewport.SetContent(msg.body)
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		if m.detail != nil {
			return m.updateDetail(msg)
		}
		return m.handleKeys(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// handleKeys processes key input in the list view.
func (m Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.boundary != nil {
			m.boundary.Destroy()
			m.boundary.Shutdown()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
		return m, nil

	case key.Matches(msg, m.keys.Retry):
		if m.errText != "" && m.boundary != nil {
			m.errText = ""
			m.boundary.Retry()
		}
		return m, nil

	case key.Matches(msg, m.keys.Search):
		m.fb = &formBindings{server: m.server}
		m.form = newSearchForm(m.fb)
		return m, m.form.Init()

	case key.Matches(msg, m.keys.Server):
		// Re-run the current search against the server.
		if m.criteria != nil && !m.server {
			m.attach(m.criteria, true)
		}
		return m, nil

	case key.Matches(msg, m.keys.Back):
		if m.criteria != nil {
			m.attach(nil, false)
		}
		return m, nil

	case key.Matches(msg, m.keys.Select):
		if item, ok := m.list.SelectedItem().(MessageItem); ok {
			return m, m.openMessage(item.Message)
		}
		return m, nil
	}

	atEnd := len(m.list.Items()) == 0 || m.list.Index() == len(m.list.Items())-1

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)

	// Reaching the last row (or paging an empty list) asks the
	// boundary for more.
	if key.Matches(msg, m.keys.Down) && atEnd && m.boundary != nil && m.errText == "" {
		m.boundary.OnBoundaryTriggered()
	}
	return m, cmd
}

// updateForm routes input to the criteria form until it completes.
func (m Model) updateForm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok && key.Matches(km, m.keys.Back) {
		m.form = nil
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		fb := m.fb
		m.form = nil
		c := fb.criteria(m.deps.FTS)
		if c.Query == "" && !c.WithUnseen && !c.WithFlagged && !c.WithAttachments && c.WithSize == nil {
			return m, nil
		}
		m.attach(c, fb.server)
		return m, nil
	}
	if m.form.State == huh.StateAborted {
		m.form = nil
		return m, nil
	}

	return m, cmd
}

// updateDetail routes input to the open message view.
func (m Model) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Back), key.Matches(msg, m.keys.Quit):
		m.detail = nil
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// openMessage loads the stored body of a message for the detail view.
func (m Model) openMessage(message model.Message) tea.Cmd {
	bodyDir := m.deps.BodyDir
	return func() tea.Msg {
		body, ok, err := msync.ReadBody(bodyDir, message.ID)
		switch {
		case err != nil:
			body = fmt.Sprintf("(body not readable: %v)", err)
		case !ok:
			body = message.Preview
			if body == "" {
				body = "(body not downloaded)"
			}
		default:
			body = msync.ExtractText(body)
		}
		return detailMsg{message: message, body: body}
	}
}

// loadMessages reads the visible page of rows from the store.
func (m Model) loadMessages() tea.Cmd {
	st := m.deps.Store
	folderID := m.deps.FolderID
	foundOnly := m.criteria != nil
	limit := m.limit

	return func() tea.Msg {
		msgs, err := st.ListMessages(context.Background(), folderID, foundOnly, limit, 0)
		if err != nil {
			return loadFailedMsg{err: err}
		}
		return messagesMsg{messages: msgs}
	}
}

// View renders the list with a status bar underneath.
func (m Model) View() string {
	if m.form != nil {
		return m.form.View()
	}
	if m.detail != nil {
		return m.detailView()
	}

	var status string
	switch {
	case m.errText != "":
		status = theme.ErrorStyle.Render(fmt.Sprintf("✗ %s", m.errText)) +
			theme.HelpStyle.Render("  press r to retry")
	case m.loading:
		status = m.spinner.View() + " loading…"
	case m.criteria != nil:
		status = theme.StatusBarStyle.Render(fmt.Sprintf("%d found", m.found))
	default:
		status = theme.StatusBarStyle.Render(fmt.Sprintf("%d messages", len(m.list.Items())))
	}

	helpView := m.help.View(m.keys)

	return lipgloss.JoinVertical(lipgloss.Left, m.list.View(), status, helpView)
}

// detailView renders one opened message: header block, body viewport,
// and a hint line.
func (m Model) detailView() string {
	d := m.detail

	var header strings.Builder
	header.WriteString(theme.HeaderStyle.Render(d.Subject) + "\n")
	header.WriteString("From: " + strings.Join(d.From, ", ") + "\n")
	if len(d.To) > 0 {
		header.WriteString("To: " + strings.Join(d.To, ", ") + "\n")
	}
	header.WriteString("Date: " + d.Received.Format("2006-01-02 15:04") + "\n")
	if d.Attachments > 0 {
		header.WriteString(fmt.Sprintf("Attachments: %d (%s)\n",
			d.Attachments, strings.Join(d.AttachmentTypes, ", ")))
	}

	hint := theme.HelpStyle.Render("esc back · j/k scroll")

	return lipgloss.JoinVertical(lipgloss.Left,
		header.String(), m.viewport.View(), hint)
}

// Shutdown stops the active boundary; called when the program exits.
func (m Model) Shutdown() {
	if m.boundary != nil {
		m.boundary.Destroy()
		m.boundary.Shutdown()
	}
}

// Package tui is the interactive dashboard behind `tada ui`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Makepad-fr/tada/internal/app"
	"github.com/Makepad-fr/tada/internal/auth"
	"github.com/Makepad-fr/tada/internal/cache"
	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/notice"
	"github.com/Makepad-fr/tada/internal/session"
	"github.com/Makepad-fr/tada/internal/transport"
	"github.com/Makepad-fr/tada/internal/ui"
	"github.com/Makepad-fr/tada/internal/view"
)

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, a *app.App) error {
	p := tea.NewProgram(New(ctx, a), tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))

	restore := a.Redirect(
		notice.Func(func(n notice.Notice) { p.Send(noticeMsg(n)) }),
		session.NavigatorFunc(func(session.Route) { p.Send(signInMsg{}) }),
	)
	defer restore()
	unsubscribe := a.Store.Subscribe(cache.ListKey, func(any) { p.Send(listMsg{}) })
	defer unsubscribe()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type mode int

const (
	browsing mode = iota
	adding
	editing
	signingIn
)

type (
	// listMsg means the cached list changed.
	listMsg struct{}

	loadedMsg struct{ err error }

	// mutationMsg ends a mutation. draft is what the user typed, restored
	// into the input when the mutation failed.
	mutationMsg struct {
		mode  mode
		id    string
		draft string
		err   error
	}

	noticeMsg       notice.Notice
	noticeGoneMsg   struct{ seq int }
	signInMsg       struct{}
	focusRefetchMsg struct{}

	signedInMsg struct {
		user string
		err  error
	}
)

// Model is the bubbletea model of the dashboard.
type Model struct {
	ctx context.Context
	app *app.App
	st  styles

	list   list.Model
	todos  []model.Todo
	filter view.Filter
	sortBy view.SortBy
	loaded bool

	mode     mode
	ti       textinput.Model
	editID   string
	inputErr string

	email, password textinput.Model
	authErr         string

	note      *notice.Notice
	noticeSeq int

	width, height int
}

var (
	toggleKey  = key.NewBinding(key.WithKeys(" "), key.WithHelp("space", "toggle"))
	addKey     = key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "add"))
	editKey    = key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "edit"))
	deleteKey  = key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete"))
	filterKey  = key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "filter"))
	sortKey    = key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "sort"))
	refreshKey = key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh"))
	quitKey    = key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit"))
)

// New returns the dashboard model for a.
func New(ctx context.Context, a *app.App) Model {
	st := stylesFor(a.Config.Theme)

	l := list.New(nil, delegate{st: st}, 0, 0)
	l.SetShowTitle(true)
	l.SetShowHelp(true)
	l.SetShowPagination(true)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()
	l.Styles.Title = st.title
	l.Styles.HelpStyle = st.help
	l.Styles.PaginationStyle = st.help
	l.SetStatusBarItemName("todo", "todos")
	bindings := func() []key.Binding {
		return []key.Binding{toggleKey, addKey, editKey, deleteKey, filterKey, sortKey, refreshKey, quitKey}
	}
	l.AdditionalShortHelpKeys = bindings
	l.AdditionalFullHelpKeys = bindings

	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = model.MaxTitleLen

	email := textinput.New()
	email.Prompt = "Email:    "
	email.Placeholder = "ada@example.com"
	password := textinput.New()
	password.Prompt = "Password: "
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'

	m := Model{
		ctx:      ctx,
		app:      a,
		st:       st,
		list:     l,
		filter:   view.All,
		sortBy:   view.ByDate,
		ti:       ti,
		email:    email,
		password: password,
		width:    80,
		height:   24,
	}
	if !a.Auth.HasSession() {
		m.mode = signingIn
		m.email.Focus()
	}
	m.resize()
	return m
}

func (m Model) Init() tea.Cmd {
	if m.mode == signingIn {
		return textinput.Blink
	}
	return m.load()
}

func (m Model) load() tea.Cmd {
	return func() tea.Msg {
		_, err := m.app.Todos(m.ctx)
		return loadedMsg{err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case tea.FocusMsg:
		return m, func() tea.Msg {
			m.app.Store.RefetchActive()
			return focusRefetchMsg{}
		}

	case listMsg:
		m.sync()
		return m, nil

	case loadedMsg:
		m.loaded = true
		m.sync()
		if msg.err != nil && !transport.IsUnauthenticated(msg.err) {
			cmd := m.show(notice.Notice{Level: notice.Error, Text: transport.UserMessage(msg.err)})
			return m, cmd
		}
		return m, nil

	case mutationMsg:
		m.sync()
		if msg.err != nil && msg.draft != "" && m.mode == browsing &&
			!transport.IsUnauthenticated(msg.err) && !transport.IsNotFound(msg.err) {
			m.reopen(msg.mode, msg.id, msg.draft)
			if transport.IsValidation(msg.err) {
				m.inputErr = transport.UserMessage(msg.err)
			}
			return m, textinput.Blink
		}
		return m, nil

	case noticeMsg:
		cmd := m.show(notice.Notice(msg))
		return m, cmd

	case noticeGoneMsg:
		if msg.seq == m.noticeSeq {
			m.note = nil
		}
		return m, nil

	case signInMsg:
		m.mode = signingIn
		m.todos = nil
		m.sync()
		m.ti.Blur()
		m.password.SetValue("")
		m.password.Blur()
		m.authErr = ""
		cmd := m.email.Focus()
		return m, cmd

	case signedInMsg:
		if msg.err != nil {
			m.authErr = msg.err.Error()
			return m, nil
		}
		m.mode = browsing
		m.email.Blur()
		m.password.Blur()
		m.password.SetValue("")
		m.authErr = ""
		cmd := tea.Batch(m.load(), m.show(notice.Notice{Level: notice.Success, Text: "Signed in as " + msg.user}))
		return m, cmd

	case tea.KeyMsg:
		switch m.mode {
		case adding, editing:
			return m.updateInput(msg)
		case signingIn:
			return m.updateSignIn(msg)
		}
		return m.updateBrowse(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, quitKey):
		return m, tea.Quit
	case key.Matches(msg, toggleKey):
		if t, ok := m.idle(); ok {
			done := !t.IsCompleted
			return m, m.mutate(browsing, t.ID, "", func(ctx context.Context) error {
				_, err := m.app.Mutations.Toggle(ctx, t.ID, done)
				return err
			})
		}
		return m, nil
	case key.Matches(msg, deleteKey):
		if t, ok := m.idle(); ok {
			return m, m.mutate(browsing, t.ID, "", func(ctx context.Context) error {
				return m.app.Mutations.Delete(ctx, t.ID)
			})
		}
		return m, nil
	case key.Matches(msg, addKey):
		cmd := m.reopen(adding, "", "")
		return m, cmd
	case key.Matches(msg, editKey):
		if t, ok := m.idle(); ok {
			cmd := m.reopen(editing, t.ID, t.Title)
			return m, cmd
		}
		return m, nil
	case key.Matches(msg, filterKey):
		m.filter = m.filter.Next()
		m.sync()
		return m, nil
	case key.Matches(msg, sortKey):
		m.sortBy = m.sortBy.Next()
		m.sync()
		return m, nil
	case key.Matches(msg, refreshKey):
		return m, func() tea.Msg {
			_, err := m.app.Refresh(m.ctx)
			return loadedMsg{err: err}
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.closeInput()
		return m, nil
	case tea.KeyEnter:
		title := strings.TrimSpace(m.ti.Value())
		if title == "" {
			m.inputErr = "Title cannot be empty"
			return m, nil
		}
		mode, id := m.mode, m.editID
		m.closeInput()
		if mode == adding {
			return m, m.mutate(adding, "", title, func(ctx context.Context) error {
				_, err := m.app.Mutations.Create(ctx, model.Draft{Title: title})
				return err
			})
		}
		if i := slices.IndexFunc(m.todos, func(t model.Todo) bool { return t.ID == id }); i >= 0 && m.todos[i].Title == title {
			return m, nil
		}
		return m, m.mutate(editing, id, title, func(ctx context.Context) error {
			_, err := m.app.Mutations.Update(ctx, id, model.Patch{Title: &title})
			return err
		})
	}
	m.inputErr = ""
	var cmd tea.Cmd
	m.ti, cmd = m.ti.Update(msg)
	return m, cmd
}

func (m Model) updateSignIn(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit
	case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
		if m.email.Focused() {
			m.email.Blur()
			cmd := m.password.Focus()
			return m, cmd
		}
		m.password.Blur()
		cmd := m.email.Focus()
		return m, cmd
	case tea.KeyEnter:
		if m.email.Focused() {
			m.email.Blur()
			cmd := m.password.Focus()
			return m, cmd
		}
		email, pw := strings.TrimSpace(m.email.Value()), m.password.Value()
		if err := auth.ValidateSignIn(email, pw, false); err != nil {
			m.authErr = err.Error()
			return m, nil
		}
		m.authErr = "signing in..."
		return m, func() tea.Msg {
			u, err := m.app.SignIn(m.ctx, email, pw)
			if err != nil {
				return signedInMsg{err: errors.New(signInMessage(err))}
			}
			return signedInMsg{user: u.Email}
		}
	}
	var cmd tea.Cmd
	if m.email.Focused() {
		m.email, cmd = m.email.Update(msg)
	} else {
		m.password, cmd = m.password.Update(msg)
	}
	return m, cmd
}

func signInMessage(err error) string {
	var aerr *auth.Error
	if errors.As(err, &aerr) && aerr.Message != "" {
		return aerr.Message
	}
	return transport.UserMessage(err)
}

// mutate runs fn off the event loop. The optimistic write reaches the view
// through the store subscription.
func (m Model) mutate(md mode, id, draft string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return mutationMsg{mode: md, id: id, draft: draft, err: fn(m.ctx)}
	}
}

func (m *Model) reopen(md mode, id, value string) tea.Cmd {
	m.mode = md
	m.editID = id
	m.inputErr = ""
	m.ti.SetValue(value)
	m.ti.CursorEnd()
	if md == adding {
		m.ti.Placeholder = "New todo title..."
	} else {
		m.ti.Placeholder = "Edit todo title..."
	}
	m.resize()
	return m.ti.Focus()
}

func (m *Model) closeInput() {
	m.mode = browsing
	m.editID = ""
	m.inputErr = ""
	m.ti.SetValue("")
	m.ti.Blur()
	m.resize()
}

func (m *Model) show(n notice.Notice) tea.Cmd {
	m.noticeSeq++
	m.note = &n
	ttl := n.TTL
	if ttl <= 0 {
		ttl = notice.DefaultTTL
	}
	seq := m.noticeSeq
	return tea.Tick(ttl, func(time.Time) tea.Msg { return noticeGoneMsg{seq: seq} })
}

// sync rebuilds the visible rows from the cached list.
func (m *Model) sync() {
	todos, _ := cache.ReadList(m.app.Store)
	m.todos = todos
	shown := view.Project(todos, m.filter, m.sortBy)
	items := make([]list.Item, 0, len(shown))
	for _, t := range shown {
		items = append(items, item{todo: t, pending: m.app.Mutations.Pending(t.ID)})
	}
	sel := m.list.Index()
	m.list.SetItems(items)
	if sel >= len(items) {
		sel = len(items) - 1
	}
	if sel >= 0 {
		m.list.Select(sel)
	}
	m.list.Title = m.st.header(view.Summarize(todos))
}

func (m Model) selected() (model.Todo, bool) {
	it, ok := m.list.SelectedItem().(item)
	return it.todo, ok
}

// idle returns the selected todo unless a mutation of it is still saving.
func (m Model) idle() (model.Todo, bool) {
	t, ok := m.selected()
	if !ok || m.app.Mutations.Pending(t.ID) {
		return model.Todo{}, false
	}
	return t, true
}

func (m *Model) resize() {
	h := m.height - 6
	if m.mode == adding || m.mode == editing {
		h -= 4
	}
	m.list.SetSize(m.width-4, max(h, 3))
}

func (m Model) View() string {
	if m.mode == signingIn {
		return m.signInView()
	}
	st := view.Summarize(m.todos)
	lines := []string{
		m.st.muted.Render(ui.ProgressBar(st.Completed, st.Total, 28)) + "  " +
			m.st.help.Render(fmt.Sprintf("filter: %s  sort: %s", m.filter, m.sortBy)),
	}
	if !m.loaded {
		lines = append(lines, m.st.muted.Render("loading..."))
	}
	lines = append(lines, m.list.View())
	if m.mode == adding || m.mode == editing {
		title := "Add todo"
		if m.mode == editing {
			title = "Edit todo"
		}
		if m.inputErr != "" {
			title += "  " + m.st.errText.Render(m.inputErr)
		}
		lines = append(lines, m.st.input.Render(title+"\n"+m.ti.View()))
	}
	if m.note != nil {
		lines = append(lines, m.st.notice(*m.note))
	}
	return m.st.panel.Render(strings.Join(lines, "\n"))
}

func (m Model) signInView() string {
	lines := []string{
		m.st.title.Render("Sign in"),
		"",
		m.email.View(),
		m.password.View(),
		"",
	}
	if m.authErr != "" {
		lines = append(lines, m.st.errText.Render(m.authErr))
	}
	if m.note != nil {
		lines = append(lines, m.st.notice(*m.note))
	}
	lines = append(lines, m.st.help.Render("tab switch field • enter submit • esc quit"))
	return m.st.panel.Render(strings.Join(lines, "\n"))
}

// item adapts a todo to bubbles/list.
type item struct {
	todo    model.Todo
	pending bool
}

func (i item) FilterValue() string { return i.todo.Title }

type delegate struct{ st styles }

func (d delegate) Height() int                         { return 1 }
func (d delegate) Spacing() int                        { return 0 }
func (d delegate) Update(tea.Msg, *list.Model) tea.Cmd { return nil }
func (d delegate) Render(w io.Writer, m list.Model, index int, li list.Item) {
	it, ok := li.(item)
	if !ok {
		return
	}
	box, text := d.st.muted.Render(d.st.boxUnchecked), ui.Truncate(it.todo.Title, 60)
	if it.todo.IsCompleted {
		box, text = d.st.success.Render(d.st.boxChecked), d.st.done.Render(text)
	}
	line := box + " " + text
	if desc := it.todo.Desc(); desc != "" {
		line += "  " + d.st.muted.Render(ui.Truncate(desc, 30))
	}
	if it.pending {
		line += " " + d.st.pending.Render("(saving)")
	}
	prefix := "  "
	if index == m.Index() {
		prefix = d.st.selected.Render("> ")
	}
	fmt.Fprintln(w, prefix+line)
}

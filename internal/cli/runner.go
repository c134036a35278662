package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Makepad-fr/tada/internal/app"
	"github.com/Makepad-fr/tada/internal/auth"
	"github.com/Makepad-fr/tada/internal/config"
	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/session"
	"github.com/Makepad-fr/tada/internal/transport"
	"github.com/Makepad-fr/tada/internal/ui"
	"github.com/Makepad-fr/tada/internal/view"
)

// Options wire the runner to its environment. Zero values mean the
// process defaults.
type Options struct {
	Stdin          io.Reader
	Stdout, Stderr io.Writer
	Sources        *config.Sources
	HTTPClient     *http.Client

	// Dashboard runs `tada ui`. Nil means the command is unavailable.
	Dashboard func(ctx context.Context, a *app.App) error
}

type runner struct {
	app   *app.App
	in    *bufio.Reader
	group bool
}

// Run dispatches subcommands and returns an exit code (0 ok, 1 error, 2 usage).
func Run(ctx context.Context, args []string, opt Options) int {
	if opt.Stdin == nil {
		opt.Stdin = os.Stdin
	}
	ui.SetOutput(opt.Stdout, opt.Stderr)

	fs := flag.NewFlagSet("tada", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var group bool
	fs.BoolVar(&group, "group", false, "group output by active/completed")
	src := config.DefaultSources()
	if opt.Sources != nil {
		src = *opt.Sources
	}
	cfg, rest, err := config.LoadFrom(src, fs, args)
	if err != nil {
		ui.Fail(err.Error())
		return 2
	}
	ui.SetTheme(cfg.Theme)

	if len(rest) == 0 {
		PrintHelp()
		return 2
	}
	cmd, a := rest[0], rest[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		PrintHelp()
		return 0
	}

	appOpts := []app.Option{
		app.WithNotifier(ui.Notifier),
		app.WithNavigator(session.NavigatorFunc(func(session.Route) {
			ui.Info("Run: tada signin <email>")
		})),
	}
	if opt.HTTPClient != nil {
		appOpts = append(appOpts, app.WithHTTPClient(opt.HTTPClient))
	}
	application, err := app.New(cfg, appOpts...)
	if err != nil {
		ui.Fail(err.Error())
		return 1
	}
	defer application.Close()
	r := &runner{app: application, in: bufio.NewReader(opt.Stdin), group: group}

	switch cmd {
	case "signup":
		if len(a) != 2 {
			ui.Fail("usage: tada signup <email> <name>")
			return 2
		}
		return r.signUp(ctx, a[0], a[1])

	case "signin":
		if len(a) != 1 {
			ui.Fail("usage: tada signin <email>")
			return 2
		}
		return r.signIn(ctx, a[0])

	case "signout":
		return r.signOut(ctx)

	case "whoami":
		return r.whoAmI(ctx)

	case "ls":
		return r.list(ctx, a)

	case "add":
		return r.add(ctx, a)

	case "done":
		n, code := indexArg("done", a)
		if code != 0 {
			return code
		}
		return r.toggle(ctx, n)

	case "edit":
		return r.edit(ctx, a)

	case "rm":
		n, code := indexArg("rm", a)
		if code != 0 {
			return code
		}
		return r.remove(ctx, n)

	case "ui":
		if opt.Dashboard == nil {
			ui.Fail("ui: dashboard not available")
			return 1
		}
		if code := r.requireSession(); code != 0 {
			return code
		}
		if err := opt.Dashboard(ctx, application); err != nil {
			ui.Fail("ui: " + err.Error())
			return 1
		}
		return 0
	}

	ui.Fail("unknown subcommand: " + cmd)
	fmt.Fprintln(ui.Stdout())
	PrintHelp()
	return 2
}

func PrintHelp() {
	fmt.Fprint(ui.Stdout(), `tada - todos that sync

Usage:
  tada [global flags] <subcommand> [args]

Subcommands:
  signup <email> <name>            Create an account (password read from stdin)
  signin <email>                   Sign in (password read from stdin)
  signout                          End the session
  whoami                           Show the signed-in account
  ls [--filter f] [--sort s]       List todos (filter: all|active|completed, sort: date|alpha)
  add [--desc text] <title...>     Add a todo
  done <index>                     Toggle completion of the todo at a 1-based index
  edit [--desc text] <index> [title...]
                                   Change title and/or description
  rm <index>                       Delete the todo at a 1-based index
  ui                               Interactive dashboard

Global flags:
  --api URL  --auth URL  --timeout 10s  --retries 3  --theme classic|neon|mono
  --log-level warn  --log-format text|json|logfmt  --group

Examples:
  tada signin ada@example.com
  tada add "Buy milk"
  tada ls --filter active
  tada done 2
`)
}

// -------------- session ----------------

func (r *runner) readPassword() (string, error) {
	fmt.Fprint(ui.Stdout(), "Password: ")
	line, err := r.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *runner) signUp(ctx context.Context, email, name string) int {
	pw, err := r.readPassword()
	if err != nil {
		ui.Fail(err.Error())
		return 1
	}
	if err := auth.ValidateSignUp(email, pw, name); err != nil {
		ui.Fail("signup: " + err.Error())
		return 2
	}
	u, err := r.app.SignUp(ctx, email, pw, name)
	if err != nil {
		ui.Fail("signup: " + authMessage(err))
		return 1
	}
	ui.OK("welcome, " + u.Name)
	return 0
}

func (r *runner) signIn(ctx context.Context, email string) int {
	pw, err := r.readPassword()
	if err != nil {
		ui.Fail(err.Error())
		return 1
	}
	u, err := r.app.SignIn(ctx, email, pw)
	if err != nil {
		ui.Fail("signin: " + authMessage(err))
		return 1
	}
	ui.OK("signed in as " + u.Email)
	return 0
}

func (r *runner) signOut(ctx context.Context) int {
	if c := r.app.Auth.Current(); c != nil && c.Source == "env" {
		ui.OK("session is provided by " + auth.TokenEnv + " (nothing to sign out)")
		return 0
	}
	if err := r.app.SignOut(ctx); err != nil {
		r.app.Logger.Warn("remote sign out failed", "err", err)
	}
	ui.OK("signed out")
	return 0
}

func (r *runner) whoAmI(ctx context.Context) int {
	c := r.app.Auth.Current()
	if c == nil {
		ui.Fail("not signed in. Run: tada signin <email>")
		return 2
	}
	lines := []string{ui.C(ui.Current().Title, "Session")}
	if c.Source == "file" {
		if s, err := r.app.Auth.Session(ctx); err == nil {
			lines = append(lines,
				"user:    "+s.User.Name+" <"+s.User.Email+">",
				"expires: "+s.Session.ExpiresAt.UTC().Format(time.RFC3339))
		} else {
			lines = append(lines, "user:    "+c.Email+ui.Dim(" (offline)"))
		}
	}
	lines = append(lines, "source:  "+c.Source)

	tok, err := r.app.Auth.Token(ctx)
	if err == nil {
		if claims, err := auth.Claims(tok); err == nil {
			keys := make([]string, 0, len(claims))
			for k := range claims {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			lines = append(lines, "", ui.C(ui.Current().Accent, "Token claims"))
			for _, k := range keys {
				lines = append(lines, fmt.Sprintf("%-8s %v", k+":", claims[k]))
			}
		} else {
			lines = append(lines, ui.Dim("opaque token (cannot introspect locally)"))
		}
	}
	ui.Panel(lines)
	return 0
}

// requireSession gates every command that talks to the todo API.
func (r *runner) requireSession() int {
	if !r.app.Auth.HasSession() {
		ui.Fail("not signed in. Run: tada signin <email>")
		return 2
	}
	return 0
}

func authMessage(err error) string {
	var aerr *auth.Error
	if errors.As(err, &aerr) && aerr.Message != "" {
		return aerr.Message
	}
	return transport.UserMessage(err)
}

// -------------- todos ----------------

func (r *runner) list(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	filterFlag := fs.String("filter", "all", "")
	sortFlag := fs.String("sort", "date", "")
	fs.BoolVar(&r.group, "group", r.group, "")
	if err := fs.Parse(args); err != nil {
		ui.Fail("ls: " + err.Error())
		return 2
	}
	f, err := view.ParseFilter(*filterFlag)
	if err != nil {
		ui.Fail("ls: " + err.Error())
		return 2
	}
	by, err := view.ParseSort(*sortFlag)
	if err != nil {
		ui.Fail("ls: " + err.Error())
		return 2
	}
	if code := r.requireSession(); code != 0 {
		return code
	}

	todos, err := r.app.Todos(ctx)
	if err != nil {
		return r.queryFailed(err)
	}
	numbers := indexes(todos)
	stats := view.Summarize(todos)

	lines := []string{
		ui.Header(stats.Completed, stats.Active, stats.Total),
		ui.C(ui.Current().Muted, ui.ProgressBar(stats.Completed, stats.Total, 28)),
		"",
	}
	shown := view.Project(todos, f, by)
	if r.group {
		lines = append(lines, r.section("Active", view.Project(shown, view.Active, by), numbers)...)
		lines = append(lines, "")
		lines = append(lines, r.section("Completed", view.Project(shown, view.Completed, by), numbers)...)
	} else {
		lines = append(lines, r.rows(shown, numbers)...)
	}
	lines = append(lines, "")
	lines = append(lines, ui.C(ui.Current().Muted, "Tip: add with `tada add \"Buy milk\"`"))
	ui.Panel(lines)
	return 0
}

func (r *runner) rows(todos []model.Todo, numbers map[string]int) []string {
	if len(todos) == 0 {
		return []string{ui.C(ui.Current().Muted, "no todos")}
	}
	out := make([]string, 0, len(todos))
	for _, t := range todos {
		line := ui.Row(numbers[t.ID], t.Title, t.IsCompleted, r.app.Mutations.Pending(t.ID))
		if d := t.Desc(); d != "" {
			line += "  " + ui.Dim(ui.Truncate(d, 40))
		}
		out = append(out, line)
	}
	return out
}

func (r *runner) section(title string, todos []model.Todo, numbers map[string]int) []string {
	lines := []string{ui.C(ui.Current().Accent, title)}
	if len(todos) == 0 {
		return append(lines, ui.C(ui.Current().Muted, "(none)"))
	}
	return append(lines, r.rows(todos, numbers)...)
}

// indexes numbers todos the way `tada ls` shows them without flags, so an
// index stays valid whatever filter was used to find it.
func indexes(todos []model.Todo) map[string]int {
	out := make(map[string]int, len(todos))
	for i, t := range view.Project(todos, view.All, view.ByDate) {
		out[t.ID] = i + 1
	}
	return out
}

func (r *runner) at(ctx context.Context, userIndex int) (model.Todo, int) {
	todos, err := r.app.Todos(ctx)
	if err != nil {
		return model.Todo{}, r.queryFailed(err)
	}
	ordered := view.Project(todos, view.All, view.ByDate)
	if userIndex < 1 || userIndex > len(ordered) {
		ui.Fail(fmt.Sprintf("index out of range: have %d, got %d", len(ordered), userIndex))
		fmt.Fprintln(ui.Stdout(), ui.Dim("Hint: run `tada ls` to see valid indexes"))
		return model.Todo{}, 2
	}
	return ordered[userIndex-1], 0
}

func (r *runner) add(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	desc := fs.String("desc", "", "")
	if err := fs.Parse(args); err != nil {
		ui.Fail("add: " + err.Error())
		return 2
	}
	title := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if title == "" {
		ui.Fail("usage: tada add [--desc text] <title...>")
		return 2
	}
	if code := r.requireSession(); code != 0 {
		return code
	}
	d := model.Draft{Title: title}
	if *desc != "" {
		d.Description = desc
	}
	if _, err := r.app.Mutations.Create(ctx, d); err != nil {
		return mutationFailed(err)
	}
	return 0
}

func (r *runner) toggle(ctx context.Context, n int) int {
	if code := r.requireSession(); code != 0 {
		return code
	}
	t, code := r.at(ctx, n)
	if code != 0 {
		return code
	}
	updated, err := r.app.Mutations.Toggle(ctx, t.ID, !t.IsCompleted)
	if err != nil {
		return mutationFailed(err)
	}
	if updated.IsCompleted {
		ui.OK("completed: " + updated.Title)
	} else {
		ui.OK("reopened: " + updated.Title)
	}
	return 0
}

func (r *runner) edit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	desc := fs.String("desc", "", "")
	clearDesc := fs.Bool("clear-desc", false, "")
	if err := fs.Parse(args); err != nil {
		ui.Fail("edit: " + err.Error())
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		ui.Fail("usage: tada edit [--desc text] [--clear-desc] <index> [title...]")
		return 2
	}
	n, code := indexArg("edit", rest[:1])
	if code != 0 {
		return code
	}
	var p model.Patch
	if title := strings.TrimSpace(strings.Join(rest[1:], " ")); title != "" {
		p.Title = &title
	}
	switch {
	case *clearDesc:
		p.ClearDescription = true
	case *desc != "":
		p.Description = desc
	}
	if p.Empty() {
		ui.Fail("edit: nothing to change")
		return 2
	}
	if code := r.requireSession(); code != 0 {
		return code
	}
	t, code := r.at(ctx, n)
	if code != 0 {
		return code
	}
	if _, err := r.app.Mutations.Update(ctx, t.ID, p); err != nil {
		return mutationFailed(err)
	}
	return 0
}

func (r *runner) remove(ctx context.Context, n int) int {
	if code := r.requireSession(); code != 0 {
		return code
	}
	t, code := r.at(ctx, n)
	if code != 0 {
		return code
	}
	if err := r.app.Mutations.Delete(ctx, t.ID); err != nil {
		return mutationFailed(err)
	}
	return 0
}

// -------------- errors ----------------

// queryFailed reports a read error. Mutations report their own through the
// notifier.
func (r *runner) queryFailed(err error) int {
	ui.Fail(transport.UserMessage(err))
	if transport.IsUnauthenticated(err) {
		ui.Info("Run: tada signin <email>")
	}
	r.app.Logger.Debug("query failed", "err", err)
	return 1
}

func mutationFailed(err error) int {
	if transport.IsValidation(err) {
		for field, msg := range transport.ValidationFields(err) {
			fmt.Fprintln(ui.Stdout(), ui.Dim("  "+field+": "+msg))
		}
		return 2
	}
	return 1
}

func indexArg(cmd string, a []string) (int, int) {
	if len(a) != 1 {
		ui.Fail("usage: tada " + cmd + " <index>")
		return 0, 2
	}
	n, err := strconv.Atoi(a[0])
	if err != nil {
		ui.Fail(cmd + ": not a number: " + a[0])
		return 0, 2
	}
	return n, 0
}

// Package telegram is the chat transport: it delivers log lines and run
// notifications, and answers owner commands such as /dispatch.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"adsync/internal/config"
	rtsup "adsync/internal/runtime/supervisor"
	"adsync/internal/transport"
	logx "adsync/pkg/logx"
)

type Config struct {
	Token          string
	PollTimeout    time.Duration
	Owners         []int64
	CommandTimeout time.Duration
}

func ConfigFrom(c config.TelegramConfig) Config {
	poll, _ := config.ParseDurationOrDefault("telegram.poll_timeout", c.PollTimeout, 10*time.Second)
	return Config{
		Token:          strings.TrimSpace(c.Token),
		PollTimeout:    poll,
		Owners:         slices.Clone(c.OwnerUserIDs),
		CommandTimeout: 30 * time.Second,
	}
}

type command struct {
	name        string
	description string
	handle      transport.CommandHandler
}

// Bot implements transport.Sender on top of telebot and routes owner commands.
type Bot struct {
	log logx.Logger
	bot *tele.Bot

	mu       sync.RWMutex
	cfg      Config
	commands map[string]command

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// reply is swapped in tests.
	reply func(ctx context.Context, to transport.ChatTarget, text string) error
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	return newBot(cfg, log, false)
}

func newBot(cfg Config, log logx.Logger, offline bool) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	t := &Bot{
		log:      log.With(logx.String("comp", "telegram")),
		bot:      b,
		cfg:      cfg,
		commands: map[string]command{},
	}
	t.reply = func(ctx context.Context, to transport.ChatTarget, text string) error {
		return t.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true})
	}
	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		cmd, ok := ParseCommand(m.Text)
		if !ok {
			return nil
		}
		cmd.ChatID, cmd.ThreadID = m.Chat.ID, m.ThreadID
		cmd.FromID, cmd.FromUsername = m.Sender.ID, m.Sender.Username
		go t.dispatch(context.Background(), cmd)
		return nil
	})
	return t, nil
}

// Apply swaps the owner list and command timeout. Token changes need a restart.
func (t *Bot) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg.Owners = slices.Clone(cfg.Owners)
	if cfg.CommandTimeout > 0 {
		t.cfg.CommandTimeout = cfg.CommandTimeout
	}
	t.mu.Unlock()
}

// Handle registers an owner-only command, e.g. Handle("dispatch", "...", h).
func (t *Bot) Handle(name, description string, h transport.CommandHandler) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	t.mu.Lock()
	t.commands[name] = command{name: name, description: description, handle: h}
	t.mu.Unlock()
}

// ParseCommand splits "/name@bot arg1 arg2" into a Command.
func ParseCommand(text string) (transport.Command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") || len(fields[0]) < 2 {
		return transport.Command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return transport.Command{}, false
	}
	return transport.Command{Name: strings.ToLower(name), Args: fields[1:]}, true
}

func (t *Bot) isOwner(id int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Contains(t.cfg.Owners, id)
}

func (t *Bot) dispatch(ctx context.Context, cmd transport.Command) {
	t.mu.RLock()
	c, ok := t.commands[cmd.Name]
	timeout := t.cfg.CommandTimeout
	t.mu.RUnlock()
	to := transport.ChatTarget{ChatID: cmd.ChatID, ThreadID: cmd.ThreadID}
	log := t.log.With(
		logx.String("cmd", cmd.Name),
		logx.Int64("chat_id", cmd.ChatID),
		logx.Int64("from_id", cmd.FromID),
	)

	if cmd.Name == "help" || cmd.Name == "start" {
		t.send(ctx, to, t.helpText(), log)
		return
	}
	if !ok {
		log.Debug("unknown command")
		return
	}
	if !t.isOwner(cmd.FromID) {
		log.Warn("command rejected: not an owner", logx.String("from", cmd.FromUsername))
		t.send(ctx, to, "⛔ not allowed", log)
		return
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := t.call(ctx, c.handle, cmd)
	fields := []logx.Field{logx.Strings("args", cmd.Args), logx.Duration("dur", time.Since(start))}
	if err != nil {
		log.Warn("command failed", append(fields, logx.Err(err))...)
		out = "⚠️ " + err.Error()
	} else {
		log.Info("command ok", fields...)
	}
	if strings.TrimSpace(out) != "" {
		t.send(ctx, to, out, log)
	}
}

func (t *Bot) call(ctx context.Context, h transport.CommandHandler, cmd transport.Command) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, cmd)
}

func (t *Bot) send(ctx context.Context, to transport.ChatTarget, text string, log logx.Logger) {
	if err := t.reply(ctx, to, text); err != nil {
		log.Warn("reply failed", logx.Err(err))
	}
}

func (t *Bot) sortedCommands() []command {
	t.mu.RLock()
	out := make([]command, 0, len(t.commands))
	for _, c := range t.commands {
		out = append(out, c)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (t *Bot) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range t.sortedCommands() {
		fmt.Fprintf(&b, "/%s - %s\n", c.name, c.description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Start begins long polling and publishes the command menu.
func (t *Bot) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return nil
	}
	t.running = true
	t.sup = rtsup.New(ctx,
		rtsup.WithLogger(t.log),
		// chat is best-effort; never take the scheduler down with it
		rtsup.WithCancelOnError(false),
	)
	sup := t.sup
	t.runMu.Unlock()

	sup.Go0("menu", func(context.Context) {
		cmds := t.sortedCommands()
		menu := make([]tele.Command, 0, len(cmds))
		for _, c := range cmds {
			menu = append(menu, tele.Command{Text: c.name, Description: c.description})
		}
		if err := t.bot.SetCommands(menu); err != nil {
			t.log.Warn("set menu commands failed", logx.Err(err))
		}
	})
	sup.Go0("stop_on_cancel", func(c context.Context) {
		<-c.Done()
		t.bot.Stop()
	})
	sup.GoRestart("poll", func(c context.Context) error {
		t.log.Info("polling started")
		t.bot.Start()
		t.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. It never blocks shutdown for long on the getUpdates call.
func (t *Bot) Stop(ctx context.Context) error {
	t.runMu.Lock()
	sup := t.sup
	t.sup = nil
	wasRunning := t.running
	t.running = false
	t.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	go t.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn("telegram stop", logx.Err(err))
	}
	return nil
}

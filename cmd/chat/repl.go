package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/api"
	"github.com/capitalize-ai/chatweb/internal/config"
	"github.com/capitalize-ai/chatweb/internal/model"
	"github.com/capitalize-ai/chatweb/internal/service"
	"github.com/capitalize-ai/chatweb/pkg/logger"
)

const helpText = `Commands:
  /new                 start a conversation
  /list                list conversations
  /switch <n|id>       make a conversation active
  /delete [n|id]       delete a conversation (default: active)
  /rename <title>      rename the active conversation
  /context on|off      send prior context with prompts
  /history             print the active transcript
  /regen [n]           regenerate a response (default: last)
  /clear               empty the active transcript
  /config              show backend configuration
  /settings [k v]      show or change systemMessage, temperature, top_p
  /quit                exit
Ctrl+C stops a streaming response, Ctrl+D exits.`

// errQuit ends the loop.
var errQuit = errors.New("quit")

type repl struct {
	store  *service.ConversationStore
	chat   *service.ChatService
	client *api.Client
	out    io.Writer
	log    *logger.Logger

	settings     config.Settings
	settingsPath string

	mu    sync.Mutex
	shown string

	termMu      sync.Mutex
	line        *liner.State
	historyFile string
}

func newREPL(store *service.ConversationStore, client *api.Client, out io.Writer) *repl {
	return &repl{store: store, client: client, out: out}
}

// render prints the unseen suffix of a response as it grows.
func (r *repl) render(_ string, _ int, msg model.Message, phase service.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if phase == service.PhasePending {
		r.shown = ""
		return
	}
	if strings.HasPrefix(msg.Text, r.shown) {
		fmt.Fprint(r.out, msg.Text[len(r.shown):])
	} else {
		fmt.Fprint(r.out, "\n"+msg.Text)
	}
	r.shown = msg.Text
	if phase.Terminal() {
		fmt.Fprintln(r.out)
	}
}

func (r *repl) loop(ctx context.Context, historyFile string) error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	r.termMu.Lock()
	r.line, r.historyFile = line, historyFile
	r.termMu.Unlock()
	defer r.shutdown()

	fmt.Fprintln(r.out, "Type /help for commands.")
	for {
		input, err := line.Prompt(r.prompt())
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D, or a closed terminal
			fmt.Fprintln(r.out)
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if err := r.handle(ctx, input); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(r.out, "[Error] %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// supervise waits for the loop to finish while handling signals. An interrupt
// stops the active conversation's response; SIGTERM stops everything, cancels
// the session and returns after at most grace, since a loop blocked on
// terminal input cannot be woken.
func (r *repl) supervise(sigs <-chan os.Signal, done <-chan error, cancel context.CancelFunc, grace time.Duration) error {
	log := logger.OrGlobal(r.log)
	for {
		select {
		case err := <-done:
			r.chat.StopAll()
			return err
		case sig := <-sigs:
			if sig != syscall.SIGTERM {
				if id, ok := r.store.Active(); ok && r.chat.Stop(id) > 0 {
					log.Info("stopped by user", zap.String("conversation_id", id))
				}
				continue
			}
			log.Info("terminating", zap.String("signal", sig.String()))
			r.chat.StopAll()
			cancel()
			r.shutdown()
			select {
			case <-done:
			case <-time.After(grace):
			}
			return nil
		}
	}
}

// shutdown saves line history and restores the terminal. It is safe to call
// more than once and from another goroutine.
func (r *repl) shutdown() {
	r.termMu.Lock()
	defer r.termMu.Unlock()
	if r.line == nil {
		return
	}
	if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
		r.line.WriteHistory(f)
		f.Close()
	}
	r.line.Close()
	r.line = nil
}

func (r *repl) prompt() string {
	id, _ := r.store.Active()
	for _, s := range r.store.Summaries() {
		if s.ID == id {
			return s.Title + "> "
		}
	}
	return "> "
}

// handle runs one line of input.
func (r *repl) handle(ctx context.Context, input string) error {
	if !strings.HasPrefix(input, "/") {
		return r.send(ctx, input)
	}

	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(input, cmd))

	switch cmd {
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/quit", "/exit":
		return errQuit
	case "/new":
		if _, err := r.store.CreateConversation(); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "Started a new conversation.")
	case "/list":
		r.list()
	case "/switch":
		if len(args) != 1 {
			return errors.New("usage: /switch <n|id>")
		}
		id, err := r.resolve(args[0])
		if err != nil {
			return err
		}
		return r.store.SetActiveConversation(id)
	case "/delete":
		id, ok := r.store.Active()
		if len(args) == 1 {
			var err error
			if id, err = r.resolve(args[0]); err != nil {
				return err
			}
		} else if !ok {
			return errors.New("no active conversation")
		}
		r.chat.Stop(id)
		return r.store.DeleteConversation(id)
	case "/rename":
		if rest == "" {
			return errors.New("usage: /rename <title>")
		}
		id, _ := r.store.Active()
		return r.store.UpdateSummary(id, &rest, model.Ptr(false))
	case "/context":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: /context on|off")
		}
		return r.store.SetUsingContext(args[0] == "on")
	case "/history":
		r.history()
	case "/regen":
		return r.regenerate(ctx, args)
	case "/clear":
		id, _ := r.store.Active()
		r.chat.Stop(id)
		return r.store.ClearConversation(id)
	case "/config":
		cfg, err := r.client.FetchConfig(ctx)
		if err != nil {
			return errors.New(api.Describe(err))
		}
		fmt.Fprintf(r.out, "model: %s\nreverse proxy: %s\ntimeout: %dms\nhttps proxy: %s\nusage: %s\n",
			cfg.APIModel, cfg.ReverseProxy, cfg.TimeoutMs, cfg.HTTPSProxy, cfg.Usage)
	case "/settings":
		return r.updateSettings(args, rest)
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func (r *repl) send(ctx context.Context, prompt string) error {
	id, ok := r.store.Active()
	if !ok {
		var err error
		if id, err = r.store.CreateConversation(); err != nil {
			return err
		}
	}
	_, err := r.chat.Send(ctx, id, prompt)
	return err
}

func (r *repl) regenerate(ctx context.Context, args []string) error {
	id, _ := r.store.Active()
	transcript, _ := r.store.Transcript(id)

	index := -1
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.New("usage: /regen [n]")
		}
		index = n
	} else {
		for i := len(transcript) - 1; i >= 0; i-- {
			if !transcript[i].IsInverted {
				index = i
				break
			}
		}
	}
	if index < 0 {
		return errors.New("nothing to regenerate")
	}
	_, err := r.chat.Regenerate(ctx, id, index)
	return err
}

// resolve accepts a 1-based list position or a conversation id.
func (r *repl) resolve(arg string) (string, error) {
	summaries := r.store.Summaries()
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(summaries) {
		return summaries[n-1].ID, nil
	}
	if r.store.HasConversation(arg) {
		return arg, nil
	}
	return "", fmt.Errorf("no conversation %q", arg)
}

func (r *repl) list() {
	active, _ := r.store.Active()
	for i, s := range r.store.Summaries() {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %d. %s (%s)\n", marker, i+1, s.Title, s.ID)
	}
}

func (r *repl) history() {
	id, _ := r.store.Active()
	transcript, _ := r.store.Transcript(id)
	for i, msg := range transcript {
		who := "assistant"
		if msg.IsInverted {
			who = "you"
		}
		flag := ""
		if msg.HasError {
			flag = " !"
		}
		fmt.Fprintf(r.out, "[%d] %s %s%s:\n%s\n", i, msg.Timestamp, who, flag, msg.Text)
	}
}

func (r *repl) updateSettings(args []string, rest string) error {
	if len(args) == 0 {
		fmt.Fprintf(r.out, "systemMessage: %s\ntemperature: %v\ntop_p: %v\n",
			r.settings.SystemMessage, r.settings.Temperature, r.settings.TopP)
		return nil
	}
	if len(args) < 2 {
		return errors.New("usage: /settings <systemMessage|temperature|top_p> <value>")
	}

	next := r.settings
	value := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
	switch args[0] {
	case "systemMessage":
		next.SystemMessage = value
	case "temperature", "top_p":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", value)
		}
		if args[0] == "temperature" {
			next.Temperature = f
		} else {
			next.TopP = f
		}
	default:
		return fmt.Errorf("unknown setting %s", args[0])
	}

	if err := config.SaveSettings(r.settingsPath, next); err != nil {
		return err
	}
	r.settings = next
	fmt.Fprintln(r.out, "Saved. New values apply after restart.")
	return nil
}

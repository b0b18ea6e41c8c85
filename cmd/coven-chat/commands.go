// ABOUTME: Subcommand implementations for coven-chat
// ABOUTME: Each command opens the app, drives the manager and prints results

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/export"
	"github.com/2389/coven-chat/internal/store"
)

// searchWait bounds how long search waits for the full conversation list.
const searchWait = 30 * time.Second

var (
	cyan  = color.New(color.FgCyan)
	green = color.New(color.FgGreen)
	gray  = color.New(color.FgHiBlack)
	red   = color.New(color.FgRed)
)

// withApp loads configuration, opens the app and closes it after fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// openConversation selects id and loads every page of its messages.
func openConversation(ctx context.Context, m *conversation.Manager, id string) (*store.Conversation, error) {
	if err := m.SelectConversation(ctx, id); err != nil {
		return nil, err
	}
	if m.ActiveID() != id || m.Active() == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	for m.HasMoreMessages() {
		if err := m.LoadMoreMessages(ctx); err != nil {
			return nil, err
		}
	}
	return m.Active(), nil
}

// replyPrinter writes assistant text to out as it streams in.
type replyPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]string
}

func newReplyPrinter(out io.Writer) *replyPrinter {
	return &replyPrinter{out: out, printed: make(map[string]string)}
}

func (p *replyPrinter) update(msg *store.Message) {
	if msg.Role != store.RoleAssistant || msg.IsImageGeneration() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	text := msg.Content.PlainText()
	prev := p.printed[msg.ID]
	switch {
	case text == prev:
		return
	case strings.HasPrefix(text, prev):
		fmt.Fprint(p.out, text[len(prev):])
	default:
		fmt.Fprint(p.out, "\n"+text)
	}
	if msg.IsError {
		red.Fprint(p.out, " [error]")
	}
	p.printed[msg.ID] = text
}

// watch prints message updates from events until ctx ends.
func (p *replyPrinter) watch(ctx context.Context, events <-chan conversation.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != conversation.EventMessageUpdated || ev.Conversation == nil {
				continue
			}
			for i := range ev.Conversation.Messages {
				if ev.Conversation.Messages[i].ID == ev.MessageID {
					p.update(&ev.Conversation.Messages[i])
				}
			}
		}
	}
}

// send streams one reply to stdout.
func send(ctx context.Context, m *conversation.Manager, req conversation.SendRequest) error {
	printer := newReplyPrinter(os.Stdout)
	watchCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { printer.watch(watchCtx, m.Subscribe(watchCtx, "")) })

	err := m.SendMessage(ctx, req)
	stop()
	wg.Wait()
	if err != nil {
		return err
	}

	// Events may have been dropped under load; the snapshot is authoritative.
	if conv := m.Active(); conv != nil && len(conv.Messages) > 0 {
		printer.update(&conv.Messages[len(conv.Messages)-1])
	}
	fmt.Println()
	return nil
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	model := fs.String("model", "", "Model to use (default from config)")
	convID := fs.String("c", "", "Continue the conversation with this ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		m := a.manager
		if err := m.LoadConversations(ctx); err != nil {
			return err
		}
		if *convID != "" {
			if _, err := openConversation(ctx, m, *convID); err != nil {
				return err
			}
		}

		if fs.NArg() > 0 {
			return send(ctx, m, conversation.SendRequest{Content: strings.Join(fs.Args(), " "), Model: *model})
		}

		cyan.Println("coven-chat " + version)
		gray.Println("Type a message, /new for a new conversation, /quit to exit.")
		scanner := bufio.NewScanner(os.Stdin)
		for {
			green.Print("> ")
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/new":
				conv, err := m.CreateNewConversation(ctx, "", *model)
				if err != nil {
					return err
				}
				gray.Printf("new conversation %s\n", conv.ID)
				continue
			}
			if err := send(ctx, m, conversation.SendRequest{Content: line, Model: *model}); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	})
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := fs.Int("n", 20, "Maximum number of conversations")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		m := a.manager
		if err := m.LoadConversations(ctx); err != nil {
			return err
		}
		for len(m.Conversations()) < *limit && m.HasMoreConversations() {
			if err := m.LoadMoreConversations(ctx); err != nil {
				return err
			}
		}
		convs := m.Conversations()
		if len(convs) > *limit {
			convs = convs[:*limit]
		}
		printConversations(convs)
		return nil
	})
}

func printConversations(convs []*store.Conversation) {
	if len(convs) == 0 {
		gray.Println("no conversations")
		return
	}
	for _, c := range convs {
		gray.Printf("%s  %s  ", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
		fmt.Println(c.Title)
	}
}

func runShow(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: coven-chat show ID")
	}
	return withApp(ctx, func(a *app) error {
		conv, err := openConversation(ctx, a.manager, args[0])
		if err != nil {
			return err
		}
		cyan.Println(conv.Title)
		for _, msg := range conv.Messages {
			label := "you"
			if msg.Role == store.RoleAssistant {
				label = msg.Model
				if label == "" {
					label = "assistant"
				}
			}
			fmt.Println()
			green.Printf("[%s] ", label)
			gray.Println(msg.Timestamp.Local().Format("15:04"))
			if msg.IsError {
				red.Println(msg.Content.PlainText())
			} else {
				fmt.Println(msg.Content.PlainText())
			}
			for _, att := range msg.Attachments {
				gray.Printf("  attachment: %s\n", att.URL)
			}
		}
		return nil
	})
}

func runSearch(ctx context.Context, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return errors.New("usage: coven-chat search QUERY")
	}
	return withApp(ctx, func(a *app) error {
		m := a.manager
		if err := m.LoadConversations(ctx); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, searchWait)
		defer cancel()
		events := m.Subscribe(waitCtx, "")
		m.Search(ctx, query)

		// The first result event is the instant answer, the second follows the full load.
		seen := 0
		for seen < 2 {
			select {
			case <-waitCtx.Done():
				seen = 2
			case ev, ok := <-events:
				if !ok {
					seen = 2
				} else if ev.Type == conversation.EventSearchResults {
					seen++
				}
			}
		}
		printConversations(m.SearchResults())
		return nil
	})
}

func runImage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("image", flag.ContinueOnError)
	model := fs.String("model", "", "Image model (default from config)")
	size := fs.String("size", "", "Image size, for example 1024x1024")
	convID := fs.String("c", "", "Add to the conversation with this ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")

	return withApp(ctx, func(a *app) error {
		m := a.manager
		if *convID != "" {
			if _, err := openConversation(ctx, m, *convID); err != nil {
				return err
			}
		}

		if err := m.GenerateImage(ctx, conversation.ImageRequest{Prompt: prompt, Model: *model, Size: *size}); err != nil {
			return err
		}
		conv := m.Active()
		gen := conv.Messages[len(conv.Messages)-1]
		gray.Printf("generating in conversation %s", conv.ID)

		events := m.Subscribe(ctx, conv.ID)
		for {
			msg := findMessage(m.Conversation(conv.ID), gen.ID)
			if msg == nil {
				return errors.New("image message disappeared")
			}
			if !msg.IsGeneratingImage {
				fmt.Println()
				if msg.IsError {
					return errors.New(msg.Content.PlainText())
				}
				for _, att := range msg.Attachments {
					fmt.Println(att.URL)
				}
				return nil
			}
			select {
			case <-ctx.Done():
				fmt.Println()
				return ctx.Err()
			case _, ok := <-events:
				if !ok {
					return conversation.ErrClosed
				}
				gray.Print(".")
			}
		}
	})
}

func findMessage(conv *store.Conversation, id string) *store.Message {
	if conv == nil {
		return nil
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == id {
			return &conv.Messages[i]
		}
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	formatFlag := fs.String("format", "markdown", "Output format: markdown or html")
	output := fs.String("o", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: coven-chat export [-format md|html] [-o FILE] ID")
	}
	format, err := export.ParseFormat(*formatFlag)
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		conv, err := openConversation(ctx, a.manager, fs.Arg(0))
		if err != nil {
			return err
		}
		if *output == "" {
			return export.Write(os.Stdout, conv, format)
		}

		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		if err := export.Write(f, conv, format); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		green.Print("✓ ")
		fmt.Printf("exported %s to %s\n", conv.ID, *output)
		return nil
	})
}

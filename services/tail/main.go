package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/conversation"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/startup"
)

const usage = `commands:
  <text>               send a message
  /older               load older history
  /retry <temp-id>     resend a failed message
  /remove <temp-id>    discard a failed message
  /react <id> <emoji>  toggle a reaction
  /thread <id>         show replies of a message
  /reply <id> <text>   reply to a message
  /quit`

func main() {
	logger.SetPrefix("tail")
	convID := flag.String("conv", "", "conversation id")
	kind := flag.String("kind", string(model.KindDirect), "conversation kind: direct or event")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	conv := model.Conversation{ID: *convID, Kind: model.Kind(*kind)}
	if conv.ID == "" || !conv.Kind.Valid() {
		fmt.Fprintln(os.Stderr, "usage: tail -conv <id> [-kind direct|event]")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	box, err := startup.Outbox(ctx, cfg.RedisURL, 30*time.Second, "tail: ")
	if err != nil {
		logger.Errorf("outbox: %v", err)
		os.Exit(1)
	}
	eng := engine.New(engine.Options{
		Config: cfg,
		Outbox: box,
		OnAuthExpired: func(err error) {
			fmt.Fprintf(os.Stderr, "credential rejected, set CHATSYNC_TOKEN and restart: %v\n", err)
		},
	})
	defer eng.Close()

	s, err := eng.Open(ctx, "tail", conv)
	if err != nil {
		if s == nil {
			logger.Errorf("open: %v", err)
			os.Exit(1)
		}
		logger.Errorf("initial load: %v", err)
	}
	s.SetVisible(true)

	fmt.Println(usage)
	r := &renderer{printed: make(map[string]string)}
	r.render(s.Snapshot())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.Updates():
				r.render(s.Snapshot())
			}
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := command(ctx, s, line); quit {
				return
			}
		}
	}
}

func command(ctx context.Context, s *conversation.Session, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := s.Send(line, "", nil); err != nil {
			logger.Errorf("send: %v", err)
		}
		return false
	}
	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/older":
		err = s.LoadOlder(ctx)
	case "/retry":
		err = s.Retry(arg(1))
	case "/remove":
		err = s.Remove(arg(1))
	case "/react":
		err = s.ToggleReaction(arg(1), arg(2))
	case "/thread":
		var th api.Thread
		th, err = s.GetReplies(ctx, arg(1))
		if err == nil {
			fmt.Printf("  thread %s\n", format(th.Original))
			for _, m := range th.Replies {
				fmt.Printf("    %s\n", format(m))
			}
		}
	case "/reply":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			fmt.Println(usage)
			return false
		}
		_, err = s.Send(parts[2], "", &model.ReplyRef{MessageID: parts[1]})
	default:
		fmt.Println(usage)
	}
	if err != nil {
		logger.Errorf("%s: %v", fields[0], err)
	}
	return false
}

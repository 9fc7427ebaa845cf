package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

var version = "0.1.0-dev"

const defaultText = "Hello! This is a test of KittenTTS running on device. The quick brown fox jumps over the lazy dog."

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'stop', 'voices' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

type target struct {
	addr    string
	natsURL string
	node    string
	timeout time.Duration
}

func (t *target) register(set *flag.FlagSet) {
	set.StringVar(&t.addr, "addr", envOr("KITTEN_ADDR", "http://127.0.0.1:8080"), "HTTP address of the kitten daemon")
	set.StringVar(&t.natsURL, "nats", os.Getenv("KITTEN_NATS_URL"), "NATS URL; when set, commands go over the bus instead of HTTP")
	set.StringVar(&t.node, "node", "", "Target node id (bus only; empty addresses every speaker)")
	set.DurationVar(&t.timeout, "timeout", 5*time.Second, "Request timeout")
}

func (t *target) client(ctx context.Context) (speaker, error) {
	if t.natsURL != "" {
		b, err := dialBus(ctx, t.natsURL, t.node, t.timeout)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return newHTTPSpeaker(t.addr, t.timeout), nil
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "say":
		return runSay(ctx, args, out)
	case "stop":
		return runStop(ctx, args, out)
	case "voices":
		return runVoices(ctx, args, out)
	case "version":
		fmt.Fprintln(out, version)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func runSay(ctx context.Context, args []string, out io.Writer) error {
	var (
		t     target
		text  string
		voice int
		speed float64
		wait  bool
		limit time.Duration
	)
	cmd := flag.NewFlagSet("say", flag.ContinueOnError)
	t.register(cmd)
	cmd.StringVar(&text, "text", defaultText, "Text to speak")
	cmd.IntVar(&voice, "voice", 0, "Voice id (0-7)")
	cmd.Float64Var(&speed, "speed", 1.0, "Speech rate (0.5-2.0)")
	cmd.BoolVar(&wait, "wait", false, "Wait until playback finishes")
	cmd.DurationVar(&limit, "wait-timeout", 2*time.Minute, "Give up waiting after this long")
	if err := cmd.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if rest := cmd.Args(); len(rest) > 0 {
		text = strings.Join(rest, " ")
	}

	s, err := t.client(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var watch <-chan stateUpdate
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
		if watch, err = s.Watch(ctx); err != nil {
			return err
		}
	}

	if err := s.Say(ctx, text, voice, float32(speed)); err != nil {
		return err
	}
	if !wait {
		fmt.Fprintln(out, "accepted")
		return nil
	}

	outcome, err := awaitOutcome(ctx, watch)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, outcome.describe())
	if outcome.Phase == "error" {
		return errors.New(outcome.Message)
	}
	return nil
}

func runStop(ctx context.Context, args []string, out io.Writer) error {
	var t target
	cmd := flag.NewFlagSet("stop", flag.ContinueOnError)
	t.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	s, err := t.client(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Stop(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "stopped")
	return nil
}

func runVoices(ctx context.Context, args []string, out io.Writer) error {
	var t target
	cmd := flag.NewFlagSet("voices", flag.ContinueOnError)
	t.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	s, err := t.client(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	voices, err := s.Voices(ctx)
	if err != nil {
		return err
	}
	for _, v := range voices {
		fmt.Fprintf(out, "%d\t%s\n", v.ID, v.Name)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

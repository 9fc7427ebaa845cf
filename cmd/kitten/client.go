package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-kitten/internal/bus"
	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/loqalabs/loqa-kitten/internal/engine"
	"github.com/loqalabs/loqa-kitten/internal/protocol"
	"github.com/loqalabs/loqa-kitten/internal/voice"
)

// speaker is a remote kitten node reachable over HTTP or the bus.
type speaker interface {
	Say(ctx context.Context, text string, voiceID int, speed float32) error
	Stop(ctx context.Context) error
	Voices(ctx context.Context) ([]voice.Profile, error)
	// Watch streams state changes that happen after it returns.
	Watch(ctx context.Context) (<-chan stateUpdate, error)
	Close()
}

type stateUpdate struct {
	Phase   string
	Message string
	Token   string
}

func (u stateUpdate) describe() string {
	if u.Message != "" {
		return u.Phase + ": " + u.Message
	}
	return u.Phase
}

var errSuperseded = errors.New("request superseded by a newer one")

// awaitOutcome follows the first generation that starts after Watch and
// returns its terminal state.
func awaitOutcome(ctx context.Context, updates <-chan stateUpdate) (stateUpdate, error) {
	var token string
	for {
		select {
		case <-ctx.Done():
			return stateUpdate{}, ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return stateUpdate{}, errors.New("state stream closed")
			}
			switch {
			case token == "":
				if u.Phase == engine.PhaseGenerating.String() && u.Token != "" {
					token = u.Token
				}
			case u.Token != token:
				if u.Phase == engine.PhaseGenerating.String() {
					return stateUpdate{}, errSuperseded
				}
			case u.Phase == engine.PhaseReady.String() || u.Phase == engine.PhaseError.String():
				return u, nil
			}
		}
	}
}

type httpSpeaker struct {
	base    string
	client  *http.Client
	polling *http.Client
}

func newHTTPSpeaker(addr string, timeout time.Duration) *httpSpeaker {
	return &httpSpeaker{
		base:    strings.TrimRight(addr, "/"),
		client:  &http.Client{Timeout: timeout},
		polling: &http.Client{},
	}
}

func (h *httpSpeaker) Say(ctx context.Context, text string, voiceID int, speed float32) error {
	body := map[string]any{"text": text, "voice_id": voiceID, "speed": speed}
	return h.do(ctx, h.client, http.MethodPost, "/v1/generate", body, nil)
}

func (h *httpSpeaker) Stop(ctx context.Context) error {
	return h.do(ctx, h.client, http.MethodPost, "/v1/stop", nil, nil)
}

func (h *httpSpeaker) Voices(ctx context.Context) ([]voice.Profile, error) {
	var out []voice.Profile
	if err := h.do(ctx, h.client, http.MethodGet, "/v1/voices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *httpSpeaker) Watch(ctx context.Context) (<-chan stateUpdate, error) {
	var current struct {
		Seq uint64 `json:"seq"`
	}
	if err := h.do(ctx, h.client, http.MethodGet, "/v1/state", nil, &current); err != nil {
		return nil, err
	}
	out := make(chan stateUpdate, 16)
	go func() {
		defer close(out)
		since := current.Seq
		for ctx.Err() == nil {
			var trs []engine.Transition
			path := "/v1/transitions?wait=25s&since=" + strconv.FormatUint(since, 10)
			if err := h.do(ctx, h.polling, http.MethodGet, path, nil, &trs); err != nil {
				return
			}
			for _, tr := range trs {
				since = tr.Seq
				select {
				case out <- stateUpdate{Phase: tr.To.Phase.String(), Message: tr.To.Message, Token: tr.Token.String()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (h *httpSpeaker) Close() {}

func (h *httpSpeaker) do(ctx context.Context, client *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("%s %s: %w", method, path, uerr.Err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type busSpeaker struct {
	client  *bus.Client
	node    string
	timeout time.Duration
}

func dialBus(ctx context.Context, natsURL, node string, timeout time.Duration) (*busSpeaker, error) {
	cfg := config.BusConfig{
		Servers:        strings.Split(natsURL, ","),
		ConnectTimeout: int(timeout / time.Millisecond),
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, cfg, "kitten-cli", logger)
	if err != nil {
		return nil, err
	}
	return &busSpeaker{client: client, node: node, timeout: timeout}, nil
}

func (b *busSpeaker) command(ctx context.Context, subject string, cmd any) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	var reply protocol.CommandReply
	if err := b.client.RequestJSON(ctx, subject, cmd, &reply); err != nil {
		return err
	}
	if !reply.Accepted {
		return fmt.Errorf("%s rejected: %s", subject, reply.Error)
	}
	return nil
}

func (b *busSpeaker) Say(ctx context.Context, text string, voiceID int, speed float32) error {
	return b.command(ctx, protocol.SubjectGenerate, protocol.GenerateCommand{
		Text:    text,
		VoiceID: &voiceID,
		Speed:   &speed,
		NodeID:  b.node,
	})
}

func (b *busSpeaker) Stop(ctx context.Context) error {
	return b.command(ctx, protocol.SubjectStop, protocol.StopCommand{NodeID: b.node})
}

func (b *busSpeaker) Voices(ctx context.Context) ([]voice.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	var reply protocol.VoicesReply
	if err := b.client.RequestJSON(ctx, protocol.SubjectVoices, struct{}{}, &reply); err != nil {
		return nil, err
	}
	out := make([]voice.Profile, 0, len(reply.Voices))
	for _, v := range reply.Voices {
		out = append(out, voice.Profile{ID: v.ID, Name: v.Name})
	}
	return out, nil
}

func (b *busSpeaker) Watch(ctx context.Context) (<-chan stateUpdate, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := b.client.Conn().ChanSubscribe(protocol.SubjectState, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectState, err)
	}
	if err := b.client.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	out := make(chan stateUpdate, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var evt protocol.StateEvent
				if json.Unmarshal(msg.Data, &evt) != nil {
					continue
				}
				if b.node != "" && evt.NodeID != b.node {
					continue
				}
				select {
				case out <- stateUpdate{Phase: evt.Phase, Message: evt.Message, Token: evt.Token}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *busSpeaker) Close() { b.client.Close() }

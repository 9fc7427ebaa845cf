// Package control exposes the engine on the NATS bus.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-kitten/internal/bus"
	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/loqalabs/loqa-kitten/internal/engine"
	"github.com/loqalabs/loqa-kitten/internal/protocol"
	"github.com/loqalabs/loqa-kitten/internal/voice"
	"github.com/nats-io/nats.go"
)

// Controller is the part of the engine the bus drives.
type Controller interface {
	Generate(text string, voiceID int, speed float32) error
	Stop() error
	State() engine.State
	Subscribe(ctx context.Context) <-chan engine.Transition
	Voices() []voice.Profile
}

type Service struct {
	cfg    config.EngineConfig
	nodeID string
	bus    *bus.Client
	engine Controller
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.EngineConfig, nodeID string, busClient *bus.Client, eng Controller, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		nodeID: nodeID,
		bus:    busClient,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "control")),
	}
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectGenerate, s.handleGenerate},
		{protocol.SubjectStop, s.handleStop},
		{protocol.SubjectVoices, s.handleVoices},
		{protocol.SubjectStateGet, s.handleStateGet},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	if err := s.ensureStateStream(); err != nil {
		s.logger.Warn("state stream unavailable, transitions are not retained", slogError(err))
	}

	transitions := s.engine.Subscribe(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for tr := range transitions {
			s.publishTransition(tr)
		}
	}()
	return nil
}

// ensureStateStream retains recent transitions in JetStream so late
// subscribers can replay them.
func (s *Service) ensureStateStream() error {
	js := s.bus.JetStream()
	if js == nil {
		return errors.New("jetstream disabled")
	}
	history := s.cfg.HistorySize
	if history <= 0 {
		history = 256
	}
	cfg := &nats.StreamConfig{
		Name:      protocol.StateStream,
		Subjects:  []string{protocol.SubjectState},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   int64(history),
		MaxAge:    24 * time.Hour,
	}
	if _, err := js.StreamInfo(protocol.StateStream); err == nil {
		_, err = js.UpdateStream(cfg)
		return err
	}
	_, err := js.AddStream(cfg)
	return err
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.bus.Healthy() }

func (s *Service) targeted(nodeID string) bool {
	return nodeID == "" || nodeID == s.nodeID
}

func (s *Service) handleGenerate(msg *nats.Msg) {
	var cmd protocol.GenerateCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode generate command", slogError(err))
		s.reply(msg, protocol.CommandReply{Error: "invalid generate command"})
		return
	}
	if !s.targeted(cmd.NodeID) {
		return
	}
	voiceID := s.cfg.DefaultVoice
	if cmd.VoiceID != nil {
		voiceID = *cmd.VoiceID
	}
	speed := float32(s.cfg.DefaultSpeed)
	if cmd.Speed != nil {
		speed = *cmd.Speed
	}
	err := s.engine.Generate(cmd.Text, voiceID, speed)
	if err != nil {
		s.logger.Warn("generate rejected", slogError(err))
	}
	s.reply(msg, commandReply(err))
}

func (s *Service) handleStop(msg *nats.Msg) {
	var cmd protocol.StopCommand
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("failed to decode stop command", slogError(err))
			s.reply(msg, protocol.CommandReply{Error: "invalid stop command"})
			return
		}
	}
	if !s.targeted(cmd.NodeID) {
		return
	}
	err := s.engine.Stop()
	if err != nil {
		s.logger.Warn("stop rejected", slogError(err))
	}
	s.reply(msg, commandReply(err))
}

func (s *Service) handleVoices(msg *nats.Msg) {
	profiles := s.engine.Voices()
	out := protocol.VoicesReply{NodeID: s.nodeID, Voices: make([]protocol.Voice, 0, len(profiles))}
	for _, p := range profiles {
		out.Voices = append(out.Voices, protocol.Voice{ID: p.ID, Name: p.Name})
	}
	s.reply(msg, out)
}

func (s *Service) handleStateGet(msg *nats.Msg) {
	state := s.engine.State()
	s.reply(msg, protocol.StateEvent{
		NodeID:    s.nodeID,
		Phase:     state.Phase.String(),
		Message:   state.Message,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publishTransition(tr engine.Transition) {
	evt := protocol.StateEvent{
		NodeID:    s.nodeID,
		Seq:       tr.Seq,
		Phase:     tr.To.Phase.String(),
		Message:   tr.To.Message,
		Previous:  tr.From.Phase.String(),
		Token:     tr.Token.String(),
		Timestamp: tr.At,
	}
	if err := s.bus.PublishJSON(protocol.SubjectState, evt); err != nil {
		s.logger.Warn("failed to publish state", slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func commandReply(err error) protocol.CommandReply {
	if err != nil {
		return protocol.CommandReply{Error: err.Error()}
	}
	return protocol.CommandReply{Accepted: true}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

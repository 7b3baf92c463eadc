package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aokimidori/kaiwa/internal/logging"
	"github.com/aokimidori/kaiwa/internal/observability"
	"github.com/aokimidori/kaiwa/internal/registry"
	"github.com/aokimidori/kaiwa/internal/session"
)

// apologyReply is returned when a downstream service failed. Session state is
// left untouched so the caller can safely retry the same message.
const apologyReply = "I'm sorry, I couldn't process that just now. Please try again in a moment."

// Reply is the outcome of one processed message.
type Reply struct {
	SessionID  string             `json:"session_id"`
	Text       string             `json:"reply"`
	NextAction session.NextAction `json:"next_action"`
	Degraded   bool               `json:"-"`
}

// Service runs the per-message control flow: session lookup or creation,
// advance, compose, commit.
type Service struct {
	registry *registry.Registry
	store    *session.Store
	machine  *Machine
	composer *Composer
	metrics  *observability.Metrics
	stages   *observability.StageWindow
}

func NewService(reg *registry.Registry, store *session.Store, composer *Composer, metrics *observability.Metrics, stages *observability.StageWindow) *Service {
	return &Service{
		registry: reg,
		store:    store,
		machine:  NewMachine(),
		composer: composer,
		metrics:  metrics,
		stages:   stages,
	}
}

// Stats reports latency percentiles over the recent message window.
func (s *Service) Stats() observability.StageSnapshot {
	if s.stages == nil {
		return observability.StageSnapshot{}
	}
	return s.stages.Snapshot()
}

// HandleMessage processes one inbound message. An empty sessionID creates a
// session for appID. The advance+compose cycle runs under the session's own
// lock; a completion failure commits nothing and yields an apology reply
// with Degraded set.
func (s *Service) HandleMessage(ctx context.Context, appID, sessionID, text string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, errors.New("empty message text")
	}

	var sess *session.Session
	if sessionID == "" {
		cfg, err := s.registry.Resolve(appID)
		if err != nil {
			return Reply{}, err
		}
		sess = s.store.Create(cfg.AppID, cfg.RequiredFieldNames())
		sessionID = sess.ID
		if s.metrics != nil {
			s.metrics.SessionEvents.WithLabelValues("created").Inc()
			s.metrics.ActiveSessions.Set(float64(s.store.Count()))
		}
	} else {
		var err error
		sess, err = s.store.Get(sessionID)
		if err != nil {
			return Reply{}, err
		}
		if appID != "" && appID != sess.AppID {
			return Reply{}, fmt.Errorf("%w: session belongs to app %q", ErrInvalidState, sess.AppID)
		}
	}

	cfg, err := s.registry.Resolve(sess.AppID)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: app %q is no longer served", ErrInvalidState, sess.AppID)
	}

	started := time.Now()
	var reply Reply
	err = s.store.Update(sessionID, func(working *session.Session) error {
		dir := s.machine.Advance(working, cfg, text)

		replyText, _, err := s.composer.Compose(ctx, working, cfg, dir, text)
		if err != nil {
			return err
		}

		working.AppendTurn(session.RoleSystem, replyText)
		reply = Reply{SessionID: sessionID, Text: replyText, NextAction: dir.Action}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Reply{}, err
		}
		// Downstream failure: state is unchanged, answer apologetically.
		logging.Error().Err(err).Str("app_id", cfg.AppID).Str("session_id", sessionID).
			Msg("message processing failed, session state preserved")
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues("completion", "send_message").Inc()
		}
		s.stages.ObserveIndicator("apology_reply")
		prior, getErr := s.store.Get(sessionID)
		if getErr != nil {
			return Reply{}, getErr
		}
		return Reply{SessionID: sessionID, Text: apologyReply, NextAction: prior.NextAction, Degraded: true}, nil
	}

	if s.metrics != nil {
		s.metrics.Messages.WithLabelValues(cfg.AppID, string(reply.NextAction)).Inc()
		s.metrics.ObserveCompletionLatency(time.Since(started))
	}
	s.stages.Observe(observability.StageTurnTotal, time.Since(started))
	return reply, nil
}

// CreateSession registers a fresh session for an app.
func (s *Service) CreateSession(appID string) (*session.Session, error) {
	cfg, err := s.registry.Resolve(appID)
	if err != nil {
		return nil, err
	}
	sess := s.store.Create(cfg.AppID, cfg.RequiredFieldNames())
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
		s.metrics.ActiveSessions.Set(float64(s.store.Count()))
	}
	return sess, nil
}

// GetSession returns a clone of the session state.
func (s *Service) GetSession(sessionID string) (*session.Session, error) {
	return s.store.Get(sessionID)
}

// DeleteSession removes a session.
func (s *Service) DeleteSession(sessionID string) error {
	if err := s.store.Delete(sessionID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("deleted").Inc()
		s.metrics.ActiveSessions.Set(float64(s.store.Count()))
	}
	return nil
}

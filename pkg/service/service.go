// Package service is the request-serving layer around the optimization
// engine. It enforces the single-writer-per-conversation discipline the
// engine assumes, runs the optimizer on every save with a fall-back to
// the unoptimized state, and sweeps stale conversations on a schedule.
package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dotsetgreg/turnstate/pkg/contextopt"
	"github.com/dotsetgreg/turnstate/pkg/logger"
	"github.com/dotsetgreg/turnstate/pkg/optimizer"
	"github.com/dotsetgreg/turnstate/pkg/state"
	"github.com/dotsetgreg/turnstate/pkg/store"
)

// Store is the persistence collaborator contract the service needs.
type Store interface {
	Save(ctx context.Context, conversationID string, st *state.ConversationState) error
	Load(ctx context.Context, conversationID string) (*state.ConversationState, error)
	Delete(ctx context.Context, conversationID string) error
	SweepBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Config configures the service layer.
type Config struct {
	Limits         state.Limits
	Tagger         state.Tagger
	SweepCron      string
	SweepRetention time.Duration
	CacheSize      int
	CacheTTL       time.Duration
}

// Service owns the live per-conversation states. Each conversation gets
// its own lock; nothing mutable is shared across conversations.
type Service struct {
	cfg       Config
	store     Store
	optimizer *optimizer.Manager
	validator *contextopt.QualityValidator

	mu    sync.Mutex
	slots map[string]*slot

	cache *expirable.LRU[string, []state.ContextItem]

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

type slot struct {
	mu sync.Mutex
	st *state.ConversationState
}

// NewService wires the engine behind a store.
func NewService(cfg Config, st Store) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("service store is required")
	}
	cfg.Limits = normalizeLimits(cfg.Limits)
	if cfg.SweepRetention <= 0 {
		cfg.SweepRetention = 90 * 24 * time.Hour
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 20 * time.Second
	}
	if strings.TrimSpace(cfg.SweepCron) != "" && !gronx.New().IsValid(cfg.SweepCron) {
		return nil, fmt.Errorf("invalid sweep cron expression %q", cfg.SweepCron)
	}

	s := &Service{
		cfg:       cfg,
		store:     st,
		optimizer: optimizer.NewManager(),
		validator: contextopt.NewQualityValidator(),
		slots:     map[string]*slot{},
		cache:     expirable.NewLRU[string, []state.ContextItem](cfg.CacheSize, nil, cfg.CacheTTL),
		stopCh:    make(chan struct{}),
	}

	if strings.TrimSpace(cfg.SweepCron) != "" {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s, nil
}

func normalizeLimits(l state.Limits) state.Limits {
	if l == (state.Limits{}) {
		return state.DefaultLimits()
	}
	return l
}

func (s *Service) slotFor(conversationID string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[conversationID]
	if !ok {
		sl = &slot{}
		s.slots[conversationID] = sl
	}
	return sl
}

// ensureState loads or creates the live state. Caller holds the slot
// lock.
func (s *Service) ensureState(ctx context.Context, sl *slot, conversationID string) error {
	if sl.st != nil {
		return nil
	}
	st, err := s.store.Load(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		st = state.New(s.cfg.Limits)
	}
	if s.cfg.Tagger != nil {
		st.UseTagger(s.cfg.Tagger)
	}
	sl.st = st
	return nil
}

// BeginTurn starts a new user message for the conversation, loading prior
// state from the store when present.
func (s *Service) BeginTurn(ctx context.Context, conversationID, userInput string) error {
	sl := s.slotFor(conversationID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := s.ensureState(ctx, sl, conversationID); err != nil {
		return err
	}
	if err := sl.st.ResetForNewMessage(userInput); err != nil {
		return err
	}
	sl.st.AppendTurn(state.Turn{Role: state.RoleUser, Content: userInput, Timestamp: time.Now()})
	return nil
}

// RecordTurn appends a turn to the live state.
func (s *Service) RecordTurn(ctx context.Context, conversationID string, turn state.Turn) error {
	return s.withState(ctx, conversationID, func(st *state.ConversationState) error {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = time.Now()
		}
		st.AppendTurn(turn)
		return nil
	})
}

// RecordAssistantTurn appends an assistant reply to the live state.
func (s *Service) RecordAssistantTurn(ctx context.Context, conversationID, content string) error {
	return s.RecordTurn(ctx, conversationID, state.Turn{Role: state.RoleAssistant, Content: content})
}

// RecordToolResult appends a tool turn and advances the step counter.
func (s *Service) RecordToolResult(ctx context.Context, conversationID, toolName, content string, ok bool) error {
	return s.withState(ctx, conversationID, func(st *state.ConversationState) error {
		st.RecordToolResult(toolName, content, ok)
		return nil
	})
}

// InjectContext quality-validates externally-assembled candidate blocks
// (LTM, RAG) and appends the survivors to the live state. Returns how
// many items were injected. Validation results are memoized briefly;
// retrieval layers tend to re-offer identical candidate sets within a
// turn.
func (s *Service) InjectContext(ctx context.Context, conversationID string, candidates []state.ContextItem, contextType string) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	injected := 0
	err := s.withState(ctx, conversationID, func(st *state.ConversationState) error {
		key := injectCacheKey(conversationID, st.UserInput, contextType, candidates)
		accepted, ok := s.cache.Get(key)
		if !ok {
			accepted = s.validator.Validate(candidates, st.UserInput, contextType)
			s.cache.Add(key, accepted)
		}
		for _, item := range accepted {
			st.AppendContextItem(item)
		}
		injected = len(accepted)
		return nil
	})
	return injected, err
}

// SaveConversation optimizes the live state and persists the result. If
// the optimizer fails the original state is persisted instead; a
// conversation must never fail to save because optimization failed.
func (s *Service) SaveConversation(ctx context.Context, conversationID string) (optimizer.Report, error) {
	var report optimizer.Report
	err := s.withStateSlot(ctx, conversationID, func(sl *slot) error {
		optimized, rep, err := s.optimizer.Optimize(sl.st)
		if err != nil {
			logger.WarnCF("service", "Optimization failed, persisting unoptimized state", map[string]interface{}{
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
			sl.st.ApplyLimits()
			return s.store.Save(ctx, conversationID, sl.st)
		}
		report = rep
		if err := s.store.Save(ctx, conversationID, optimized); err != nil {
			return err
		}
		sl.st = optimized
		logger.InfoCF("service", "Conversation saved", map[string]interface{}{
			"conversation_id":   conversationID,
			"overall_reduction": rep.OverallReductionPercent,
		})
		return nil
	})
	return report, err
}

// Snapshot returns an independent copy of the live state for reads.
func (s *Service) Snapshot(ctx context.Context, conversationID string) (*state.ConversationState, error) {
	var snap *state.ConversationState
	err := s.withState(ctx, conversationID, func(st *state.ConversationState) error {
		st.ApplyLimits()
		snap = st.Clone()
		return nil
	})
	return snap, err
}

// DeleteConversation drops the live state and the stored snapshot.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	sl := s.slotFor(conversationID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.st = nil
	s.mu.Lock()
	delete(s.slots, conversationID)
	s.mu.Unlock()
	return s.store.Delete(ctx, conversationID)
}

// Sweep removes conversations idle past the retention window.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.SweepRetention)
	return s.store.SweepBefore(ctx, cutoff)
}

func (s *Service) withState(ctx context.Context, conversationID string, fn func(*state.ConversationState) error) error {
	return s.withStateSlot(ctx, conversationID, func(sl *slot) error {
		return fn(sl.st)
	})
}

func (s *Service) withStateSlot(ctx context.Context, conversationID string, fn func(*slot) error) error {
	sl := s.slotFor(conversationID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := s.ensureState(ctx, sl, conversationID); err != nil {
		return err
	}
	return fn(sl)
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			due, err := gron.IsDue(s.cfg.SweepCron, time.Now())
			if err != nil || !due {
				continue
			}
			removed, err := s.Sweep(context.Background())
			if err != nil {
				logger.WarnCF("service", "Retention sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if removed > 0 {
				logger.InfoCF("service", "Retention sweep complete", map[string]interface{}{"removed": removed})
			}
		}
	}
}

// Close stops the sweeper and releases the store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func injectCacheKey(conversationID, userInput, contextType string, candidates []state.ContextItem) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|", conversationID, strings.ToLower(strings.TrimSpace(userInput)), contextType, len(candidates))
	for _, item := range candidates {
		fmt.Fprintf(h, "%s|%s|%s|", item.Source, item.Role, item.Content)
	}
	return "inject:" + hex.EncodeToString(h.Sum(nil))
}

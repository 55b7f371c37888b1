// Package exam answers runtime questions about exams and exam clients: is an
// exam running, how is it delivered, and which institution a client belongs to.
package exam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
)

// Store is the subset of the connection store used for exam lookups.
type Store interface {
	ExamByID(ctx context.Context, examID int64) (*model.Exam, error)
	IndicatorDefinitions(ctx context.Context, examID int64) ([]model.IndicatorDefinition, error)
	InstitutionByClientName(ctx context.Context, clientName string) (int64, error)
}

// Descriptor is the part of a running exam that connection handling needs.
type Descriptor struct {
	ID            int64
	InstitutionID int64
	Name          string
	Type          model.ExamType
	Indicators    []model.IndicatorDefinition
}

func (d *Descriptor) IsVDI() bool {
	return d != nil && d.Type == model.ExamTypeVDI
}

type cachedExam struct {
	exam       *model.Exam
	indicators []model.IndicatorDefinition
	loadedAt   time.Time
}

// Service is the store-backed exam runtime oracle and client resolver.
// Exams are cached for ttl; Evict drops an exam after an administrative change.
type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	exams map[int64]*cachedExam
}

func NewService(store Store, ttl time.Duration) *Service {
	return &Service{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		exams: make(map[int64]*cachedExam),
	}
}

func (s *Service) load(ctx context.Context, examID int64) (*cachedExam, error) {
	now := s.now()

	s.mu.RLock()
	entry, ok := s.exams[examID]
	s.mu.RUnlock()
	if ok && (s.ttl <= 0 || now.Sub(entry.loadedAt) < s.ttl) {
		return entry, nil
	}

	exam, err := s.store.ExamByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	defs, err := s.store.IndicatorDefinitions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to load indicators of exam %d: %w", examID, err)
	}

	entry = &cachedExam{exam: exam, indicators: defs, loadedAt: now}
	s.mu.Lock()
	s.exams[examID] = entry
	s.mu.Unlock()
	return entry, nil
}

// IsExamRunning reports whether the exam currently accepts connections.
// An unknown exam is not running.
func (s *Service) IsExamRunning(ctx context.Context, examID int64) (bool, error) {
	entry, err := s.load(ctx, examID)
	if err != nil {
		if errors.Is(err, consts.ErrExamNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.exam.IsRunning(s.now()), nil
}

// GetRunningExam returns the descriptor of a running exam, ErrExamNotRunning
// if it exists but is not running and ErrExamNotFound if it does not exist.
func (s *Service) GetRunningExam(ctx context.Context, examID int64) (*Descriptor, error) {
	entry, err := s.load(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !entry.exam.IsRunning(s.now()) {
		return nil, fmt.Errorf("exam %d: %w", examID, consts.ErrExamNotRunning)
	}

	indicators := make([]model.IndicatorDefinition, len(entry.indicators))
	copy(indicators, entry.indicators)
	return &Descriptor{
		ID:            entry.exam.ID,
		InstitutionID: entry.exam.InstitutionID,
		Name:          entry.exam.Name,
		Type:          entry.exam.Type,
		Indicators:    indicators,
	}, nil
}

// Evict forgets a cached exam so the next lookup reads the store.
func (s *Service) Evict(examID int64) {
	s.mu.Lock()
	delete(s.exams, examID)
	s.mu.Unlock()
	logger.Debug("Exam: evicted cached exam", "component", "EXAM", "exam_id", examID)
}

// InstitutionOf maps an authenticated client name to its institution.
func (s *Service) InstitutionOf(ctx context.Context, clientName string) (int64, error) {
	if clientName == "" {
		return 0, fmt.Errorf("empty client name: %w", consts.ErrClientNotFound)
	}
	return s.store.InstitutionByClientName(ctx, clientName)
}

// Package session implements the lifecycle of exam client connections:
// create, update, establish and close, plus ping and event notifications of
// established connections.
//
// Every mutation holds a per-token lock, writes the store first and then
// evicts and reloads the cache entry. The store is the source of truth; the
// cache only ever lags it between the write and the eviction of the same
// locked operation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/helpers"
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
	pkgerrors "github.com/examlink/sebconn/pkg/errors"
	"github.com/examlink/sebconn/pkg/metrics"
	"github.com/examlink/sebconn/server/connectioncache"
	"github.com/examlink/sebconn/server/exam"
	"github.com/examlink/sebconn/server/indicator"
)

type Store interface {
	CreateConnection(ctx context.Context, nc model.NewConnection) (*model.ConnectionRecord, error)
	SaveConnection(ctx context.Context, upd model.ConnectionUpdate) (*model.ConnectionRecord, error)
	ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error)
}

type ExamOracle interface {
	IsExamRunning(ctx context.Context, examID int64) (bool, error)
	GetRunningExam(ctx context.Context, examID int64) (*exam.Descriptor, error)
}

// IdentityResolver maps an authenticated client name to its institution.
type IdentityResolver interface {
	InstitutionOf(ctx context.Context, clientName string) (int64, error)
}

type ConnectionCache interface {
	Get(ctx context.Context, token string) *connectioncache.ClientConnectionData
	Evict(token string)
	EvictPing(ctx context.Context, token string)
}

type PingMonitor interface {
	InitForConnection(ctx context.Context, connectionID int64, token string) error
	NotifyPing(ctx context.Context, token string, timestamp int64, pingNumber int) (bool, error)
}

type EventStrategy interface {
	Accept(ctx context.Context, ev *model.ClientEvent) error
}

type IndicatorNotifier interface {
	Notify(token string, indicators []indicator.Indicator, ev *model.ClientEvent) int
}

// Deps are the collaborators of a Service. All are required.
type Deps struct {
	Store      Store
	Exams      ExamOracle
	Identity   IdentityResolver
	Cache      ConnectionCache
	Pings      PingMonitor
	Events     EventStrategy
	Indicators IndicatorNotifier
}

type Options struct {
	// AllowUnauthenticatedEstablish accepts establish on a REQUESTED
	// connection and logs it as an anomaly.
	AllowUnauthenticatedEstablish bool
	LockTimeout                   time.Duration
	// NewToken overrides token generation in tests.
	NewToken func() string
}

// UpdateRequest carries the optional fields of update and establish.
type UpdateRequest struct {
	InstitutionID model.Optional[int64]
	ExamID        model.Optional[int64]
	ClientAddress model.Optional[string]
	UserSessionID model.Optional[string]
}

type Service struct {
	store      Store
	exams      ExamOracle
	identity   IdentityResolver
	cache      ConnectionCache
	pings      PingMonitor
	events     EventStrategy
	indicators IndicatorNotifier

	allowUnauthenticatedEstablish bool
	lockTimeout                   time.Duration
	newToken                      func() string
	locks                         *keyLock
}

const maxTokenAttempts = 3

func NewService(deps Deps, opts Options) *Service {
	newToken := opts.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 15 * time.Second
	}
	return &Service{
		store:                         deps.Store,
		exams:                         deps.Exams,
		identity:                      deps.Identity,
		cache:                         deps.Cache,
		pings:                         deps.Pings,
		events:                        deps.Events,
		indicators:                    deps.Indicators,
		allowUnauthenticatedEstablish: opts.AllowUnauthenticatedEstablish,
		lockTimeout:                   lockTimeout,
		newToken:                      newToken,
		locks:                         newKeyLock(),
	}
}

func observe(op string, start time.Time, err error) {
	metrics.LifecycleDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.LifecycleOperations.WithLabelValues(op, pkgerrors.Kind(err)).Inc()
}

// storeError maps a store error onto the service error kinds.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, consts.ErrConnectionNotFound),
		errors.Is(err, consts.ErrInvalidStateTransition),
		errors.Is(err, consts.ErrStorageFailure),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, consts.ErrExamNotFound):
		return fmt.Errorf("%s: %w: %w", op, consts.ErrExamNotRunning, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, consts.ErrStorageFailure, err)
	}
}

// CreateConnection registers a new connection for the institution of
// requester and returns it in status REQUESTED with a fresh token.
func (s *Service) CreateConnection(ctx context.Context, requester string, institutionID int64, clientAddress string, examID model.Optional[int64]) (rec *model.ConnectionRecord, err error) {
	start := time.Now()
	defer func() { observe("create", start, err) }()

	owner, err := s.identity.InstitutionOf(ctx, requester)
	if err != nil {
		if errors.Is(err, consts.ErrClientNotFound) {
			return nil, fmt.Errorf("unknown client %q: %w", requester, consts.ErrIntegrityViolation)
		}
		return nil, storeError("resolve client", err)
	}
	if owner != institutionID {
		logger.Warn("Session: institution mismatch on create", "component", "SESSION", "client", requester, "client_institution", owner, "institution", institutionID)
		return nil, fmt.Errorf("client %q does not belong to institution %d: %w", requester, institutionID, consts.ErrIntegrityViolation)
	}

	if id, ok := examID.Get(); ok {
		if err := s.checkExamRunning(ctx, id); err != nil {
			return nil, err
		}
	}

	nc := model.NewConnection{
		InstitutionID: institutionID,
		ExamID:        examID,
		ClientAddress: clientAddress,
	}
	for attempt := 1; ; attempt++ {
		nc.ConnectionToken = s.newToken()
		rec, err = s.store.CreateConnection(ctx, nc)
		if err == nil {
			break
		}
		if errors.Is(err, consts.ErrDBUniqueViolation) && attempt < maxTokenAttempts {
			logger.Warn("Session: token collision, generating a new token", "component", "SESSION", "attempt", attempt)
			continue
		}
		return nil, storeError("create connection", err)
	}

	s.reload(ctx, rec.ConnectionToken)
	logger.Info("Session: connection created", "component", "SESSION", "token", helpers.MaskToken(rec.ConnectionToken),
		"connection_id", rec.ID, "institution_id", institutionID, "exam_id", rec.ExamIDOrZero())
	return rec, nil
}

// UpdateConnection binds exam and user session to a REQUESTED connection.
// Binding a user session advances it to AUTHENTICATED.
func (s *Service) UpdateConnection(ctx context.Context, token string, req UpdateRequest) (rec *model.ConnectionRecord, err error) {
	start := time.Now()
	defer func() { observe("update", start, err) }()

	unlock, err := s.locks.Lock(ctx, token, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.checkIntegrity(ctx, current, req); err != nil {
		return nil, err
	}
	if current.Status != model.StatusRequested {
		return nil, fmt.Errorf("update in status %s: %w", current.Status, consts.ErrInvalidStateTransition)
	}
	if err := checkUserSession(current, req); err != nil {
		return nil, err
	}

	upd, err := s.buildUpdate(ctx, current, req)
	if err != nil {
		return nil, err
	}
	if upd.UserSessionID.IsSet() {
		upd.Status = model.Some(model.StatusAuthenticated)
	}

	rec, err = s.store.SaveConnection(ctx, upd)
	if err != nil {
		return nil, s.saveError(token, err)
	}
	s.reload(ctx, token)

	logger.Info("Session: connection updated", "component", "SESSION", "token", helpers.MaskToken(token),
		"connection_id", rec.ID, "status", rec.Status, "exam_id", rec.ExamIDOrZero())
	return rec, nil
}

// EstablishConnection moves an AUTHENTICATED connection to ESTABLISHED and
// starts ping tracking.
func (s *Service) EstablishConnection(ctx context.Context, token string, req UpdateRequest) (rec *model.ConnectionRecord, err error) {
	start := time.Now()
	defer func() { observe("establish", start, err) }()

	unlock, err := s.locks.Lock(ctx, token, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.checkIntegrity(ctx, current, req); err != nil {
		return nil, err
	}

	switch current.Status {
	case model.StatusAuthenticated:
	case model.StatusRequested:
		if !s.allowUnauthenticatedEstablish {
			return nil, fmt.Errorf("establish without authentication: %w", consts.ErrInvalidStateTransition)
		}
		metrics.UnauthenticatedEstablish.Inc()
		logger.Warn("Session: establishing connection that was never authenticated", "component", "SESSION",
			"token", helpers.MaskToken(token), "connection_id", current.ID)
	default:
		return nil, fmt.Errorf("establish in status %s: %w", current.Status, consts.ErrInvalidStateTransition)
	}
	if err := checkUserSession(current, req); err != nil {
		return nil, err
	}

	upd, err := s.buildUpdate(ctx, current, req)
	if err != nil {
		return nil, err
	}
	upd.Status = model.Some(model.StatusEstablished)

	if err := assertEstablished(merge(current, upd)); err != nil {
		s.fault(token, current, err)
		return nil, err
	}

	rec, err = s.store.SaveConnection(ctx, upd)
	if err != nil {
		return nil, s.saveError(token, err)
	}
	s.reload(ctx, token)

	if err := s.pings.InitForConnection(ctx, rec.ID, token); err != nil {
		logger.Error("Session: failed to start ping tracking", "component", "SESSION",
			"token", helpers.MaskToken(token), "connection_id", rec.ID, "error", err)
	}

	logger.Info("Session: connection established", "component", "SESSION", "token", helpers.MaskToken(token),
		"connection_id", rec.ID, "exam_id", rec.ExamIDOrZero())
	return rec, nil
}

// CloseConnection closes the connection. Closing a closed connection returns
// it unchanged.
func (s *Service) CloseConnection(ctx context.Context, token string, institutionID int64, clientAddress string) (rec *model.ConnectionRecord, err error) {
	start := time.Now()
	defer func() { observe("close", start, err) }()

	unlock, err := s.locks.Lock(ctx, token, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if current.Status == model.StatusClosed {
		logger.Info("Session: connection already closed", "component", "SESSION", "token", helpers.MaskToken(token), "connection_id", current.ID)
		return current, nil
	}

	rec, err = s.closeGuarded(ctx, token, current)
	if err != nil {
		return nil, s.saveError(token, err)
	}

	s.cache.Evict(token)
	s.cache.EvictPing(ctx, token)
	s.cache.Get(context.WithValue(ctx, consts.UseMasterDBKey, true), token)

	logger.Info("Session: connection closed", "component", "SESSION", "token", helpers.MaskToken(token),
		"connection_id", rec.ID, "previous_status", current.Status, "institution_id", institutionID, "client_address", clientAddress)
	return rec, nil
}

// NotifyPing records a heartbeat. The returned instruction for the client is
// currently always empty.
func (s *Service) NotifyPing(ctx context.Context, token string, timestamp int64, pingNumber int) string {
	if _, err := s.pings.NotifyPing(ctx, token, timestamp, pingNumber); err != nil {
		logger.Warn("Session: failed to record ping", "component", "SESSION", "token", helpers.MaskToken(token), "error", err)
	}
	return ""
}

// NotifyClientEvent stores an event of an established connection and hands
// it to the connection's indicators. Events for unknown tokens are dropped.
func (s *Service) NotifyClientEvent(ctx context.Context, token string, ev *model.ClientEvent) error {
	data := s.cache.Get(ctx, token)
	if data == nil {
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "ignored").Inc()
		logger.Debug("Session: event for unknown connection dropped", "component", "SESSION", "token", helpers.MaskToken(token))
		return nil
	}
	if data.Record.Status != model.StatusEstablished {
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "rejected").Inc()
		return fmt.Errorf("event in status %s: %w", data.Record.Status, consts.ErrInvalidStateTransition)
	}

	ev.ConnectionID = data.Record.ID
	ev.Type = model.ParseEventType(string(ev.Type))
	ev.Text = helpers.SanitizeEventText(ev.Text)
	if ev.ServerTime.IsZero() {
		ev.ServerTime = time.Now()
	}

	if err := s.events.Accept(ctx, ev); err != nil {
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
		return storeError("store event", err)
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Type), "stored").Inc()

	if inds := data.IndicatorsFor(ev.Type); len(inds) > 0 {
		s.indicators.Notify(token, inds, ev)
	}
	return nil
}

// load reads the connection from the store, never from the cache.
func (s *Service) load(ctx context.Context, token string) (*model.ConnectionRecord, error) {
	rec, err := s.store.ConnectionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, consts.ErrConnectionNotFound) {
			return nil, fmt.Errorf("token %s: %w", helpers.MaskToken(token), consts.ErrConnectionNotFound)
		}
		return nil, storeError("load connection", err)
	}
	return rec, nil
}

// reload rebuilds the cache entry from the write pool so a lagging replica
// cannot hand back the pre-mutation record.
func (s *Service) reload(ctx context.Context, token string) {
	s.cache.Evict(token)
	if s.cache.Get(context.WithValue(ctx, consts.UseMasterDBKey, true), token) == nil {
		logger.Warn("Session: connection not cached after write", "component", "SESSION", "token", helpers.MaskToken(token))
	}
}

// saveError maps a failed save. A state conflict means another node changed
// the connection between load and save, so the cached view is dropped.
func (s *Service) saveError(token string, err error) error {
	if errors.Is(err, consts.ErrInvalidStateTransition) {
		s.cache.Evict(token)
		logger.Warn("Session: connection changed concurrently", "component", "SESSION", "token", helpers.MaskToken(token), "error", err)
	}
	return storeError("save connection", err)
}

// closeGuarded closes rec unless its status changed since it was read. A
// status only moves forward, so after a conflict the latest record is tried
// again and one found CLOSED is returned as is.
func (s *Service) closeGuarded(ctx context.Context, token string, rec *model.ConnectionRecord) (*model.ConnectionRecord, error) {
	for attempt := 0; attempt < len(model.AllStatuses); attempt++ {
		if rec.Status == model.StatusClosed {
			return rec, nil
		}
		saved, err := s.store.SaveConnection(ctx, model.ConnectionUpdate{
			ID:             rec.ID,
			ExpectedStatus: model.Some(rec.Status),
			Status:         model.Some(model.StatusClosed),
		})
		if !errors.Is(err, consts.ErrInvalidStateTransition) {
			return saved, err
		}
		if rec, err = s.load(ctx, token); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("close connection %d: %w", rec.ID, consts.ErrInvalidStateTransition)
}

func (s *Service) checkExamRunning(ctx context.Context, examID int64) error {
	running, err := s.exams.IsExamRunning(ctx, examID)
	if err != nil {
		return storeError("check exam", err)
	}
	if !running {
		return fmt.Errorf("exam %d: %w", examID, consts.ErrExamNotRunning)
	}
	return nil
}

// checkIntegrity rejects requests that contradict the stored record.
func (s *Service) checkIntegrity(ctx context.Context, rec *model.ConnectionRecord, req UpdateRequest) error {
	if id, ok := req.InstitutionID.Get(); ok && id != rec.InstitutionID {
		return fmt.Errorf("institution %d does not own connection %d: %w", id, rec.ID, consts.ErrIntegrityViolation)
	}
	if id, ok := req.ExamID.Get(); ok {
		if rec.HasExam() && *rec.ExamID != id {
			return fmt.Errorf("connection %d is bound to exam %d, not %d: %w", rec.ID, *rec.ExamID, id, consts.ErrIntegrityViolation)
		}
		if rec.HasExam() {
			if err := s.checkExamRunning(ctx, id); err != nil {
				return err
			}
		} else {
			d, err := s.exams.GetRunningExam(ctx, id)
			if err != nil {
				if errors.Is(err, consts.ErrExamNotRunning) || errors.Is(err, consts.ErrExamNotFound) {
					return fmt.Errorf("exam %d: %w", id, consts.ErrExamNotRunning)
				}
				return storeError("check exam", err)
			}
			if d.InstitutionID != rec.InstitutionID {
				return fmt.Errorf("exam %d belongs to another institution: %w", id, consts.ErrIntegrityViolation)
			}
		}
	}
	return nil
}

func checkUserSession(rec *model.ConnectionRecord, req UpdateRequest) error {
	if us, ok := req.UserSessionID.Get(); ok && rec.UserSessionID != nil && *rec.UserSessionID != us {
		return fmt.Errorf("connection %d is bound to another user session: %w", rec.ID, consts.ErrIntegrityViolation)
	}
	return nil
}

// buildUpdate turns a checked request into a partial save. Fields that are
// already bound are left out.
func (s *Service) buildUpdate(ctx context.Context, rec *model.ConnectionRecord, req UpdateRequest) (model.ConnectionUpdate, error) {
	upd := model.ConnectionUpdate{ID: rec.ID, ExpectedStatus: model.Some(rec.Status)}
	if id, ok := req.ExamID.Get(); ok && !rec.HasExam() {
		upd.ExamID = model.Some(id)
	}
	if us, ok := req.UserSessionID.Get(); ok && rec.UserSessionID == nil && us != "" {
		upd.UserSessionID = model.Some(us)
	}

	if addr, ok := req.ClientAddress.Get(); ok {
		examID := upd.ExamID
		if rec.HasExam() {
			examID = model.Some(*rec.ExamID)
		}
		d, err := s.examForAddress(ctx, examID)
		if err != nil {
			return upd, err
		}
		if va := ComputeVirtualAddress(d, addr, rec.ClientAddress); va != "" {
			upd.VirtualClientAddress = model.Some(va)
		}
	}
	return upd, nil
}

func (s *Service) examForAddress(ctx context.Context, examID model.Optional[int64]) (*exam.Descriptor, error) {
	id, ok := examID.Get()
	if !ok {
		return nil, nil
	}
	d, err := s.exams.GetRunningExam(ctx, id)
	if err != nil {
		if errors.Is(err, consts.ErrExamNotRunning) || errors.Is(err, consts.ErrExamNotFound) {
			return nil, nil
		}
		return nil, storeError("load exam", err)
	}
	return d, nil
}

// merge applies upd to a copy of rec the way the store does.
func merge(rec *model.ConnectionRecord, upd model.ConnectionUpdate) *model.ConnectionRecord {
	out := rec.Clone()
	if id, ok := upd.ExamID.Get(); ok && out.ExamID == nil {
		out.ExamID = &id
	}
	if st, ok := upd.Status.Get(); ok {
		out.Status = st
	}
	if us, ok := upd.UserSessionID.Get(); ok && out.UserSessionID == nil {
		out.UserSessionID = &us
	}
	if va, ok := upd.VirtualClientAddress.Get(); ok {
		out.VirtualClientAddress = &va
	}
	return out
}

func assertEstablished(rec *model.ConnectionRecord) error {
	switch {
	case rec.InstitutionID == 0:
		return fmt.Errorf("established connection %d has no institution: %w", rec.ID, consts.ErrInvariantFault)
	case rec.ConnectionToken == "":
		return fmt.Errorf("established connection %d has no token: %w", rec.ID, consts.ErrInvariantFault)
	case !rec.HasExam():
		return fmt.Errorf("established connection %d has no exam: %w", rec.ID, consts.ErrInvariantFault)
	case rec.ClientAddress == "":
		return fmt.Errorf("established connection %d has no client address: %w", rec.ID, consts.ErrInvariantFault)
	case rec.Status != model.StatusEstablished:
		return fmt.Errorf("connection %d is %s after establish: %w", rec.ID, rec.Status, consts.ErrInvariantFault)
	}
	return nil
}

func (s *Service) fault(token string, rec *model.ConnectionRecord, err error) {
	metrics.InvariantFaults.Inc()
	logger.Critical("Session: connection failed integrity check on establish", "component", "SESSION",
		"token", helpers.MaskToken(token), "connection_id", rec.ID, "error", err)
}

package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ServiceOptions tunes a Service. Zero values fall back to defaults.
type ServiceOptions struct {
	PreviewRows    int           // rows echoed back on upload (default 5)
	MaxRows        int           // parse bound (default DefaultMaxRows)
	MaxBytes       int64         // decompressed size bound (default unbounded)
	Parallelism    int           // concurrent row writers per execute (default 4)
	ExecuteTimeout time.Duration // bound on one execute once started (default 10m)
	MaxConcurrent  int           // concurrent executes (default DefaultMaxConcurrentImports)
	MaxWaitTime    time.Duration // wait for an execute slot (default DefaultMaxWaitTime)
	AdvisorTimeout time.Duration // bound on one advisor call (default 20s)
	AdvisorWait    time.Duration // how long Upload waits for the advisor (default 0)
}

func (o *ServiceOptions) applyDefaults() {
	if o.PreviewRows <= 0 {
		o.PreviewRows = 5
	}
	if o.MaxRows <= 0 {
		o.MaxRows = DefaultMaxRows
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.ExecuteTimeout <= 0 {
		o.ExecuteTimeout = 10 * time.Minute
	}
	if o.AdvisorTimeout <= 0 {
		o.AdvisorTimeout = 20 * time.Second
	}
}

// Service provides the import pipeline: upload, preview, mapping edits,
// execute and cancel.
type Service struct {
	repo     Repository
	sessions *SessionStore
	advisor  Advisor
	parser   Parser
	catalog  Catalog
	limiter  *ImportLimiter
	validate *validator.Validate
	opts     ServiceOptions

	// advisors tracks in-flight advisor calls so Shutdown can wait for them.
	advisors sync.WaitGroup
}

// NewService creates a Service. advisor may be nil, in which case every
// upload gets the default mapping.
func NewService(repo Repository, artifacts ArtifactStore, advisor Advisor, opts ServiceOptions) *Service {
	opts.applyDefaults()
	return &Service{
		repo:     repo,
		sessions: NewSessionStore(artifacts),
		advisor:  advisor,
		parser:   Parser{MaxRows: opts.MaxRows, MaxBytes: opts.MaxBytes},
		catalog:  EquipmentCatalog,
		limiter:  NewImportLimiter(opts.MaxConcurrent, opts.MaxWaitTime),
		validate: newValidator(),
		opts:     opts,
	}
}

// Catalog returns the target field catalog.
func (s *Service) Catalog() Catalog {
	return s.catalog
}

// Sessions exposes the session store, mainly for the sweeper.
func (s *Service) Sessions() *SessionStore {
	return s.sessions
}

// LimiterStatus reports execute concurrency for health checks.
func (s *Service) LimiterStatus() ImportLimiterStatus {
	return s.limiter.Status()
}

// Upload parses data, stores it under a new session and returns the
// preview. The advisor is consulted in the background; if it answers within
// AdvisorWait the returned session already carries its suggestion,
// otherwise the suggestion lands on the session later (if it is still
// Uploaded by then).
func (s *Service) Upload(ctx context.Context, fileName string, data []byte) (Session, error) {
	parsed, err := s.parser.Parse(data, fileName)
	if err != nil {
		return Session{}, fmt.Errorf("parse %s: %w", fileName, err)
	}

	table := &parsed.Table
	def := DefaultSuggestion(table.Headers)
	sess := Session{
		FileName:          fileName,
		Format:            parsed.Format,
		Headers:           table.Headers,
		PreviewRows:       BuildPreview(table, s.opts.PreviewRows),
		TotalRows:         len(table.Rows),
		SuggestedMapping:  def.Mapping,
		AdvisorConfidence: def.Confidence,
	}
	if len(parsed.OverflowRows) > 0 {
		sess.Warnings = append(sess.Warnings, overflowWarning(parsed.OverflowRows))
	}

	handle, err := s.sessions.Create(ctx, sess, table)
	if err != nil {
		return Session{}, err
	}
	slog.Info("import session created",
		"handle", handle,
		"file", fileName,
		"format", parsed.Format,
		"columns", len(table.Headers),
		"rows", len(table.Rows),
	)
	if n := len(parsed.OverflowRows); n > 0 {
		slog.Warn("cells beyond the last header column dropped", "handle", handle, "file", fileName, "rows", n)
	}

	if s.advisor != nil {
		s.consultAdvisor(ctx, handle, AdvisorRequest{
			Headers:     sess.Headers,
			PreviewRows: sess.PreviewRows,
			Catalog:     s.catalog,
		})
	}

	return s.sessions.Get(handle)
}

// overflowWarning names the first few rows that lost cells at parse time.
func overflowWarning(rows []int) string {
	const shown = 5
	list := make([]string, 0, shown)
	for _, r := range rows[:min(len(rows), shown)] {
		list = append(list, strconv.Itoa(r))
	}
	msg := fmt.Sprintf("%d rows have values beyond the last header column; those cells were dropped (rows %s",
		len(rows), strings.Join(list, ", "))
	if len(rows) > shown {
		msg += fmt.Sprintf(" and %d more", len(rows)-shown)
	}
	return msg + ")"
}

// consultAdvisor starts the advisor call and waits at most AdvisorWait for it.
func (s *Service) consultAdvisor(ctx context.Context, handle string, req AdvisorRequest) {
	log := slog.With("handle", handle)
	done := make(chan struct{})

	s.advisors.Add(1)
	go func() {
		defer s.advisors.Done()
		defer close(done)

		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AdvisorTimeout)
		defer cancel()

		sug, err := s.advisor.Suggest(actx, req)
		if err != nil {
			log.Warn("mapping advisor unavailable, keeping default mapping", "error", err)
			return
		}

		sug = SanitizeSuggestion(req.Headers, req.Catalog, sug)
		if !s.sessions.ApplySuggestion(handle, sug) {
			log.Info("mapping advisor answered after session left upload state, ignored")
			return
		}
		log.Info("mapping advisor suggestion applied", "confidence", sug.Confidence)
	}()

	timer := time.NewTimer(s.opts.AdvisorWait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.Info("mapping advisor still pending, returning default mapping")
	case <-ctx.Done():
	}
}

// Session returns the current view of a session.
func (s *Service) Session(handle string) (Session, error) {
	return s.sessions.Get(handle)
}

// UpdateMapping stores a mapping draft and returns the problems execute
// would reject it for. It never writes to the repository.
func (s *Service) UpdateMapping(handle string, mapping Mapping, opts ImportOptions) (Session, MappingErrors, error) {
	sess, err := s.sessions.UpdateDraft(handle, mapping, opts)
	if err != nil {
		return Session{}, nil, err
	}

	var problems MappingErrors
	if err := ValidateMapping(sess.Headers, mapping, s.catalog); err != nil {
		problems = err.(MappingErrors)
	}
	return sess, problems, nil
}

// Cancel terminates an Uploaded session without importing anything.
func (s *Service) Cancel(ctx context.Context, handle string) error {
	return s.sessions.Cancel(ctx, handle)
}

// RecoverInterruptedRuns marks runs a previous process left executing.
func (s *Service) RecoverInterruptedRuns(ctx context.Context) error {
	n, err := s.repo.MarkInterruptedRuns(ctx)
	if err != nil {
		return fmt.Errorf("mark interrupted runs: %w", err)
	}
	if n > 0 {
		slog.Warn("import runs interrupted by previous shutdown", "count", n)
	}
	return nil
}

// Shutdown waits for active executes and pending advisor calls.
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.limiter.WaitForDrain(ctx); err != nil {
		return fmt.Errorf("drain executes: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.advisors.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for advisor calls: %w", ctx.Err())
	}
}

package core

// executor.go commits an import session.
//
// The execute state machine:
//
//	Uploaded --Acquire--> Executing --Complete--> Completed
//	                          |
//	                          +--Release (mapping or schema error)--> Uploaded
//
// Row isolation: each row is written in its own transaction, so one bad row
// never rolls back another. Schema evolution runs first in a separate
// transaction and must commit before any row writer starts.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// finalizeTimeout bounds the journal update and session teardown after a run.
const finalizeTimeout = 30 * time.Second

// Execute validates mapping, evolves the schema and imports every row of the
// session. Mapping and schema errors leave the session in Uploaded so the
// operator can retry; once rows are being written the batch always runs to
// completion and the session is terminated.
func (s *Service) Execute(ctx context.Context, handle string, mapping Mapping, opts ImportOptions) (*ImportResult, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	lease, err := s.sessions.Acquire(handle)
	if err != nil {
		return nil, err
	}
	sess := lease.Session()
	log := slog.With("handle", handle, "file", sess.FileName)

	if err := ValidateMapping(sess.Headers, mapping, s.catalog); err != nil {
		lease.Release()
		log.Info("mapping rejected", "error", err)
		return nil, err
	}

	// There is no mid-batch cancel: the caller going away does not stop
	// the run, only ExecuteTimeout does.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ExecuteTimeout)
	defer cancel()

	start := time.Now()

	table, err := lease.Table(runCtx)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			// Nothing left to import from; the session is dead.
			fctx, fcancel := finalizeContext(ctx)
			defer fcancel()
			lease.Complete(fctx)
		} else {
			lease.Release()
		}
		return nil, err
	}

	run := Run{
		ID:        uuid.NewString(),
		Handle:    handle,
		FileName:  sess.FileName,
		TotalRows: len(table.Rows),
	}
	if err := s.repo.BeginRun(runCtx, run); err != nil {
		lease.Release()
		return nil, fmt.Errorf("begin import run: %w", err)
	}

	schema, err := EvolveSchema(runCtx, s.repo, table.Headers, mapping)
	if err != nil {
		fctx, fcancel := finalizeContext(ctx)
		defer fcancel()
		s.finishRun(fctx, run.ID, RunOutcome{Status: RunFailed, Error: err.Error()})
		lease.Release()
		log.Error("schema evolution failed", "run_id", run.ID, "error", err)
		return nil, err
	}
	log.Info("schema evolved",
		"run_id", run.ID,
		"attributes", len(schema.Attributes),
		"created", len(schema.Created),
	)

	result := s.importRows(runCtx, log, run.ID, table, mapping, schema, opts)
	result.RunID = run.ID
	result.AttributesCreated = schema.Created
	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()

	if runCtx.Err() != nil {
		log.Warn("execute timeout reached, remaining rows failed", "run_id", run.ID, "timeout", s.opts.ExecuteTimeout)
	}

	fctx, fcancel := finalizeContext(ctx)
	defer fcancel()

	s.finishRun(fctx, run.ID, RunOutcome{
		Status:   RunCompleted,
		Imported: result.Imported,
		Skipped:  result.Skipped,
		Failed:   len(result.Errors),
	})
	lease.Complete(fctx)

	log.Info("import completed",
		"run_id", run.ID,
		"total_rows", result.TotalRows,
		"imported", result.Imported,
		"skipped", result.Skipped,
		"failed", len(result.Errors),
		"duration_ms", result.DurationMS,
	)
	return result, nil
}

// rowOutcome is the fate of one data row. Exactly one of imported, skipped
// or err is set once the row has been processed.
type rowOutcome struct {
	imported bool
	skipped  bool
	err      string
}

// importRows builds candidates in file order, then writes them with bounded
// parallelism. Outcomes are collected by index so the result stays in row
// order regardless of which writer finishes first.
func (s *Service) importRows(ctx context.Context, log *slog.Logger, runID string, table *Table, mapping Mapping, schema *SchemaResult, opts ImportOptions) *ImportResult {
	outcomes := make([]rowOutcome, len(table.Rows))
	candidates := make([]*Equipment, len(table.Rows))

	// Serial numbers repeated within the file are resolved here, before any
	// write, so the first occurrence always wins.
	firstSeen := make(map[string]int)

	for i, row := range table.Rows {
		eq, err := buildCandidate(table.Headers, row, mapping, schema.Attributes)
		if err != nil {
			outcomes[i].err = err.Error()
			continue
		}
		if err := s.validate.Struct(eq); err != nil {
			outcomes[i].err = describeValidation(err)
			continue
		}
		if eq.SerialNumber != "" {
			if first, dup := firstSeen[eq.SerialNumber]; dup {
				if opts.SkipDuplicates {
					outcomes[i].skipped = true
				} else {
					outcomes[i].err = fmt.Sprintf("serial number %q repeats row %d", eq.SerialNumber, first)
				}
				continue
			}
			firstSeen[eq.SerialNumber] = i + 1
		}
		candidates[i] = eq
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Parallelism)
	for i, eq := range candidates {
		if eq == nil {
			continue
		}
		g.Go(func() error {
			outcomes[i] = s.writeRow(ctx, runID, eq, opts)
			return nil
		})
	}
	_ = g.Wait()

	result := &ImportResult{TotalRows: len(table.Rows), Errors: []RowError{}}
	for i, o := range outcomes {
		switch {
		case o.imported:
			result.Imported++
		case o.skipped:
			result.Skipped++
		default:
			result.Errors = append(result.Errors, RowError{Row: i + 1, Message: o.err})
			log.Debug("row failed", "run_id", runID, "row", i+1, "reason", o.err)
		}
	}
	return result
}

// writeRow persists one candidate in its own transaction.
func (s *Service) writeRow(ctx context.Context, runID string, eq *Equipment, opts ImportOptions) rowOutcome {
	skipped := false

	err := s.repo.WithTx(ctx, func(tx Tx) error {
		if opts.SkipDuplicates && eq.SerialNumber != "" {
			exists, err := tx.SerialExists(ctx, eq.SerialNumber)
			if err != nil {
				return fmt.Errorf("check serial: %w", err)
			}
			if exists {
				skipped = true
				return nil
			}
		}

		id, err := tx.InsertEquipment(ctx, *eq, runID)
		if err != nil {
			return err
		}
		for attr, value := range eq.Attributes {
			if err := tx.SetValue(ctx, id, attr, value); err != nil {
				return fmt.Errorf("set attribute: %w", err)
			}
		}
		return nil
	})

	switch {
	case err == nil && skipped:
		return rowOutcome{skipped: true}
	case err == nil:
		return rowOutcome{imported: true}
	case errors.Is(err, ErrDuplicateSerial) && opts.SkipDuplicates:
		// Another writer committed the same serial between check and insert.
		return rowOutcome{skipped: true}
	case errors.Is(err, ErrDuplicateSerial):
		return rowOutcome{err: fmt.Sprintf("serial number %q already exists", eq.SerialNumber)}
	default:
		return rowOutcome{err: fmt.Sprintf("insert: %v", err)}
	}
}

// buildCandidate applies mapping to one row. Headers mapped to "" or absent
// from the mapping are ignored; empty attribute cells are not stored.
func buildCandidate(headers, row []string, mapping Mapping, attrs map[string]AttributeID) (*Equipment, error) {
	eq := &Equipment{}
	for j, h := range headers {
		value := row[j]
		switch target := mapping[h]; target {
		case "":
		case NewAttribute:
			if value == "" {
				continue
			}
			if eq.Attributes == nil {
				eq.Attributes = make(map[AttributeID]string)
			}
			eq.Attributes[attrs[h]] = value
		default:
			if err := eq.setField(target, value); err != nil {
				return nil, fmt.Errorf("%s: %w", target, err)
			}
		}
	}
	return eq, nil
}

// finalizeContext detaches from both the caller and the execute timeout so
// the run journal and session teardown still land after either has ended.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func (s *Service) finishRun(ctx context.Context, runID string, outcome RunOutcome) {
	if err := s.repo.FinishRun(ctx, runID, outcome); err != nil {
		slog.Error("finish import run", "run_id", runID, "status", outcome.Status, "error", err)
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("field"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// describeValidation renders validator errors as one row message.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s %q must be one of: %s",
				fe.Field(), fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", ")))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s is longer than %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

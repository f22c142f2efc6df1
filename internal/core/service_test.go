package core_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JonMunkholm/equipimport/internal/advisor"
	"github.com/JonMunkholm/equipimport/internal/artifact"
	"github.com/JonMunkholm/equipimport/internal/core"
	"github.com/JonMunkholm/equipimport/internal/store/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by an init in the genai dependency tree, not by this package.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type harness struct {
	svc     *core.Service
	store   *sqlite.Store
	scratch string
}

func newHarness(t *testing.T, adv core.Advisor, opts core.ServiceOptions) *harness {
	t.Helper()
	return newHarnessWithRepo(t, nil, adv, opts)
}

// newHarnessWithRepo lets a test wrap the SQLite store the service writes to.
// wrap may be nil.
func newHarnessWithRepo(t *testing.T, wrap func(*sqlite.Store) core.Repository, adv core.Advisor, opts core.ServiceOptions) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "equipment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	scratch := filepath.Join(t.TempDir(), "scratch")
	artifacts, err := artifact.NewFSStore(scratch)
	require.NoError(t, err)

	var repo core.Repository = store
	if wrap != nil {
		repo = wrap(store)
	}

	svc := core.NewService(repo, artifacts, adv, opts)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(sctx)
	})

	return &harness{svc: svc, store: store, scratch: scratch}
}

// seed inserts equipment directly, as if a previous import had run.
func (h *harness) seed(t *testing.T, serials ...string) {
	t.Helper()
	ctx := context.Background()
	runID := uuid.NewString()
	require.NoError(t, h.store.BeginRun(ctx, core.Run{ID: runID, Handle: "seed", FileName: "seed.csv"}))
	for _, s := range serials {
		require.NoError(t, h.store.WithTx(ctx, func(tx core.Tx) error {
			_, err := tx.InsertEquipment(ctx, core.Equipment{Name: "Seeded " + s, SerialNumber: s}, runID)
			return err
		}))
	}
}

func (h *harness) stats(t *testing.T) sqlite.Stats {
	t.Helper()
	st, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) scratchFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	require.NoError(t, err)
	return len(entries)
}

func (h *harness) upload(t *testing.T, name, data string) core.Session {
	t.Helper()
	sess, err := h.svc.Upload(context.Background(), name, []byte(data))
	require.NoError(t, err)
	return sess
}

func assertAccounting(t *testing.T, r *core.ImportResult) {
	t.Helper()
	assert.Equal(t, r.TotalRows, r.Imported+r.Skipped+len(r.Errors),
		"imported %d + skipped %d + errors %d != total %d", r.Imported, r.Skipped, len(r.Errors), r.TotalRows)
}

var equipmentMapping = core.Mapping{
	"Name":         core.FieldName,
	"Serial":       core.FieldSerialNumber,
	"Widget Color": core.NewAttribute,
}

func TestExecute_SkipsExistingSerial(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})
	h.seed(t, "SN-2")
	ctx := context.Background()

	sess := h.upload(t, "equipment.csv",
		"Name,Serial,Widget Color\nPump,SN-1,red\nValve,SN-2,blue\nFan,SN-3,green\n")
	assert.Equal(t, 3, sess.TotalRows)

	result, err := h.svc.Execute(ctx, sess.Handle, equipmentMapping, core.ImportOptions{SkipDuplicates: true})
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalRows)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"Widget Color"}, result.AttributesCreated)
	assertAccounting(t, result)

	st := h.stats(t)
	assert.Equal(t, 3, st.Equipment, "seed plus two imported")
	assert.Equal(t, 1, st.Attributes)
	assert.Equal(t, 2, st.Values)

	status, err := h.store.RunStatus(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, status)
}

func TestExecute_RowIsolation(t *testing.T) {
	tests := []struct {
		name    string
		badRow  string
		wantMsg string
	}{
		{"existing serial", "Bad,SN-EXISTING,active,2024-01-01", `serial number "SN-EXISTING" already exists`},
		{"invalid status", "Bad,SN-X,broken,2024-01-01", `status "broken" must be one of: active, inactive, repair, retired`},
		{"invalid date", "Bad,SN-X,active,someday", `purchase_date: invalid date "someday"`},
		{"missing name", ",SN-X,active,2024-01-01", "name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, core.ServiceOptions{Parallelism: 3})
			h.seed(t, "SN-EXISTING")

			var b strings.Builder
			b.WriteString("Name,Serial,Status,Purchased\n")
			for i := 1; i <= 10; i++ {
				if i == 6 {
					b.WriteString(tt.badRow + "\n")
					continue
				}
				fmt.Fprintf(&b, "Unit %d,SN-%02d,active,2024-01-%02d\n", i, i, i)
			}
			sess := h.upload(t, "equipment.csv", b.String())

			result, err := h.svc.Execute(context.Background(), sess.Handle, core.Mapping{
				"Name":      core.FieldName,
				"Serial":    core.FieldSerialNumber,
				"Status":    core.FieldStatus,
				"Purchased": core.FieldPurchaseDate,
			}, core.ImportOptions{})
			require.NoError(t, err)

			assert.Equal(t, 9, result.Imported)
			assert.Zero(t, result.Skipped)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, 6, result.Errors[0].Row)
			assert.Contains(t, result.Errors[0].Message, tt.wantMsg)
			assertAccounting(t, result)

			assert.Equal(t, 10, h.stats(t).Equipment, "nine imported rows are committed next to the seed")
		})
	}
}

func TestExecute_AttributeRegistrationIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})
	ctx := context.Background()

	first := h.upload(t, "a.csv", "Name,Widget Color\nPump,red\n")
	r1, err := h.svc.Execute(ctx, first.Handle, core.Mapping{"Name": core.FieldName, "Widget Color": core.NewAttribute}, core.ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Widget Color"}, r1.AttributesCreated)

	second := h.upload(t, "b.csv", "Name,widget   COLOR\nValve,blue\n")
	r2, err := h.svc.Execute(ctx, second.Handle, core.Mapping{"Name": core.FieldName, "widget COLOR": core.NewAttribute}, core.ImportOptions{})
	require.NoError(t, err)
	assert.Empty(t, r2.AttributesCreated)

	st := h.stats(t)
	assert.Equal(t, 1, st.Attributes)
	assert.Equal(t, 2, st.Values)
}

func TestExecute_MappingErrorsWriteNothing(t *testing.T) {
	tests := []struct {
		name    string
		mapping core.Mapping
		want    error
	}{
		{
			name:    "missing required field",
			mapping: core.Mapping{"Serial": core.FieldSerialNumber, "Widget Color": core.NewAttribute},
			want:    core.ErrMissingRequiredField,
		},
		{
			name:    "duplicate field mapping",
			mapping: core.Mapping{"Name": core.FieldName, "Serial": core.FieldName, "Widget Color": core.NewAttribute},
			want:    core.ErrDuplicateFieldMapping,
		},
		{
			name:    "unknown field",
			mapping: core.Mapping{"Name": core.FieldName, "Serial": "serial", "Widget Color": core.NewAttribute},
			want:    core.ErrUnknownField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, core.ServiceOptions{})
			ctx := context.Background()
			sess := h.upload(t, "equipment.csv", "Name,Serial,Widget Color\nPump,SN-1,red\n")

			_, err := h.svc.Execute(ctx, sess.Handle, tt.mapping, core.ImportOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			assert.Equal(t, sqlite.Stats{}, h.stats(t), "no rows and no attributes")

			// The operator can correct the mapping and retry.
			got, err := h.svc.Session(sess.Handle)
			require.NoError(t, err)
			assert.Equal(t, core.StateUploaded, got.State)

			result, err := h.svc.Execute(ctx, sess.Handle, equipmentMapping, core.ImportOptions{})
			require.NoError(t, err)
			assert.Equal(t, 1, result.Imported)
		})
	}
}

func TestExecute_InFileDuplicateSerial(t *testing.T) {
	data := "Name,Serial\nPump,SN-1\nValve,SN-2\nPump again,SN-1\n"
	mapping := core.Mapping{"Name": core.FieldName, "Serial": core.FieldSerialNumber}

	t.Run("skip", func(t *testing.T) {
		h := newHarness(t, nil, core.ServiceOptions{})
		sess := h.upload(t, "a.csv", data)
		result, err := h.svc.Execute(context.Background(), sess.Handle, mapping, core.ImportOptions{SkipDuplicates: true})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Imported)
		assert.Equal(t, 1, result.Skipped)
		assert.Empty(t, result.Errors)
	})

	t.Run("error", func(t *testing.T) {
		h := newHarness(t, nil, core.ServiceOptions{})
		sess := h.upload(t, "a.csv", data)
		result, err := h.svc.Execute(context.Background(), sess.Handle, mapping, core.ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Imported)
		want := []core.RowError{{Row: 3, Message: `serial number "SN-1" repeats row 1`}}
		if diff := cmp.Diff(want, result.Errors); diff != "" {
			t.Errorf("Errors mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestExecute_Accounting(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{Parallelism: 8})
	h.seed(t, "SN-3", "SN-7")

	var b strings.Builder
	b.WriteString("Name,Serial,Status,Widget Color,Ignored\n")
	for i := 1; i <= 40; i++ {
		name, status := fmt.Sprintf("Unit %d", i), "active"
		switch {
		case i%9 == 0:
			name = ""
		case i%11 == 0:
			status = "lost"
		}
		fmt.Fprintf(&b, "%s,SN-%d,%s,c%d,x\n", name, i%25, status, i)
	}
	sess := h.upload(t, "a.csv", b.String())

	result, err := h.svc.Execute(context.Background(), sess.Handle, core.Mapping{
		"Name":         core.FieldName,
		"Serial":       core.FieldSerialNumber,
		"Status":       core.FieldStatus,
		"Widget Color": core.NewAttribute,
		"Ignored":      "",
	}, core.ImportOptions{SkipDuplicates: true})
	require.NoError(t, err)

	assert.Equal(t, 40, result.TotalRows)
	assertAccounting(t, result)
	assert.NotZero(t, result.Skipped)
	assert.NotEmpty(t, result.Errors)
	for i := 1; i < len(result.Errors); i++ {
		assert.Less(t, result.Errors[i-1].Row, result.Errors[i].Row, "errors are in row order")
	}
	assert.Equal(t, 2+result.Imported, h.stats(t).Equipment)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})
	ctx := context.Background()

	sess := h.upload(t, "a.csv", "Name\nPump\n")
	assert.Equal(t, 1, h.scratchFiles(t))

	_, err := h.svc.Execute(ctx, sess.Handle, core.Mapping{"Name": core.FieldName}, core.ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, h.scratchFiles(t), "execute releases the artifact")

	_, err = h.svc.Execute(ctx, sess.Handle, core.Mapping{"Name": core.FieldName}, core.ImportOptions{})
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.ErrorIs(t, h.svc.Cancel(ctx, sess.Handle), core.ErrSessionNotFound)
	_, err = h.svc.Session(sess.Handle)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.Equal(t, 1, h.stats(t).Equipment)
}

func TestCancel_ReleasesArtifact(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})
	ctx := context.Background()

	sess := h.upload(t, "a.csv", "Name\nPump\n")
	require.NoError(t, h.svc.Cancel(ctx, sess.Handle))

	assert.Zero(t, h.scratchFiles(t))
	_, err := h.svc.Session(sess.Handle)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	_, err = h.svc.Execute(ctx, sess.Handle, core.Mapping{"Name": core.FieldName}, core.ImportOptions{})
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.ErrorIs(t, h.svc.Cancel(ctx, sess.Handle), core.ErrSessionNotFound)
	assert.Zero(t, h.stats(t).Equipment)
}

func TestExecute_MissingArtifactTerminatesSession(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})
	ctx := context.Background()

	sess := h.upload(t, "a.csv", "Name\nPump\n")
	require.NoError(t, os.Remove(filepath.Join(h.scratch, sess.Handle+artifact.Extension)))

	_, err := h.svc.Execute(ctx, sess.Handle, core.Mapping{"Name": core.FieldName}, core.ImportOptions{})
	assert.ErrorIs(t, err, core.ErrArtifactNotFound)

	_, err = h.svc.Session(sess.Handle)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestUpload_Errors(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})
	ctx := context.Background()

	tests := []struct {
		name, file, data string
		want             error
	}{
		{"empty", "a.csv", "", core.ErrEmptyFile},
		{"no header", "a.csv", ",,\n,,\n", core.ErrHeaderRowMissing},
		{"format", "a.docx", "Name\n", core.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Upload(ctx, tt.file, []byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, h.svc.Sessions().Len(), "no session is created for input errors")
	assert.Zero(t, h.scratchFiles(t))
}

func TestUpload_Preview(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{PreviewRows: 2})

	sess := h.upload(t, "a.csv", "Name,Serial\na,1\nb,2\nc,3\n")
	assert.Equal(t, "csv", sess.Format)
	assert.Equal(t, 3, sess.TotalRows)
	assert.Equal(t, []map[string]string{{"Name": "a", "Serial": "1"}, {"Name": "b", "Serial": "2"}}, sess.PreviewRows)
	assert.Equal(t, core.DefaultMapping(sess.Headers), sess.SuggestedMapping)
	assert.Equal(t, core.ConfidenceNone, sess.AdvisorConfidence)
	assert.Equal(t, core.StateUploaded, sess.State)
}

func TestUpload_WarnsAboutDroppedCells(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})

	sess := h.upload(t, "a.csv", "Name,Serial\nPump,1,loose note\nFan,2\n")
	assert.Equal(t, []string{
		"1 rows have values beyond the last header column; those cells were dropped (rows 1)",
	}, sess.Warnings)

	got, err := h.svc.Session(sess.Handle)
	require.NoError(t, err)
	assert.Equal(t, sess.Warnings, got.Warnings)

	clean := h.upload(t, "b.csv", "Name,Serial\nPump,1\n")
	assert.Empty(t, clean.Warnings)
}

func TestUpdateMapping(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})
	sess := h.upload(t, "a.csv", "Name,Serial\nPump,1\n")

	draft := core.Mapping{"Serial": core.FieldSerialNumber}
	got, problems, err := h.svc.UpdateMapping(sess.Handle, draft, core.ImportOptions{SkipDuplicates: true})
	require.NoError(t, err)
	assert.Equal(t, draft, got.Mapping)
	assert.True(t, got.Options.SkipDuplicates)
	require.Len(t, problems, 1)
	assert.ErrorIs(t, problems[0], core.ErrMissingRequiredField)

	_, problems, err = h.svc.UpdateMapping(sess.Handle, core.Mapping{"Name": core.FieldName}, core.ImportOptions{})
	require.NoError(t, err)
	assert.Empty(t, problems)
	assert.Zero(t, h.stats(t).Equipment, "drafts never write")

	_, _, err = h.svc.UpdateMapping("missing", draft, core.ImportOptions{})
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestAdvisor_SuggestionApplied(t *testing.T) {
	h := newHarness(t, advisor.NewHeuristic(), core.ServiceOptions{AdvisorWait: 5 * time.Second})

	sess := h.upload(t, "a.csv", "Asset Name,S/N,Widget Color\nPump,SN-1,red\n")
	assert.Equal(t, core.Mapping{
		"Asset Name":   core.FieldName,
		"S/N":          core.FieldSerialNumber,
		"Widget Color": core.NewAttribute,
	}, sess.SuggestedMapping)
	assert.Equal(t, core.ConfidenceMedium, sess.AdvisorConfidence)
	assert.NotEmpty(t, sess.AdvisorNotes)
}

func TestAdvisor_UntrustedSuggestionSanitized(t *testing.T) {
	adv := core.AdvisorFunc(func(context.Context, core.AdvisorRequest) (core.Suggestion, error) {
		return core.Suggestion{
			Mapping:    core.Mapping{"A": core.FieldName, "B": core.FieldName, "Ghost": core.FieldModel},
			Confidence: "HIGH",
		}, nil
	})
	h := newHarness(t, adv, core.ServiceOptions{AdvisorWait: 5 * time.Second})

	sess := h.upload(t, "a.csv", "A,B,C\n1,2,3\n")
	assert.Equal(t, core.Mapping{"A": core.NewAttribute, "B": core.NewAttribute, "C": core.NewAttribute}, sess.SuggestedMapping)
	assert.Equal(t, core.ConfidenceHigh, sess.AdvisorConfidence)
}

func TestAdvisor_Unavailable(t *testing.T) {
	failing := core.AdvisorFunc(func(context.Context, core.AdvisorRequest) (core.Suggestion, error) {
		return core.Suggestion{}, errors.New("503 service unavailable")
	})
	hanging := core.AdvisorFunc(func(ctx context.Context, _ core.AdvisorRequest) (core.Suggestion, error) {
		<-ctx.Done()
		return core.Suggestion{}, ctx.Err()
	})

	tests := []struct {
		name string
		adv  core.Advisor
		opts core.ServiceOptions
	}{
		{"error", failing, core.ServiceOptions{AdvisorWait: time.Second}},
		{"timeout", hanging, core.ServiceOptions{AdvisorTimeout: 20 * time.Millisecond, AdvisorWait: time.Second}},
		{"slower than preview wait", hanging, core.ServiceOptions{AdvisorTimeout: 200 * time.Millisecond, AdvisorWait: 10 * time.Millisecond}},
		{"disabled", nil, core.ServiceOptions{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.adv, tt.opts)
			ctx := context.Background()

			start := time.Now()
			sess := h.upload(t, "a.csv", "Name,Serial,Widget Color\nPump,SN-1,red\n")
			assert.Less(t, time.Since(start), 900*time.Millisecond, "upload must not wait on the advisor indefinitely")

			assert.Equal(t, core.DefaultMapping(sess.Headers), sess.SuggestedMapping)
			assert.Equal(t, core.ConfidenceNone, sess.AdvisorConfidence)

			result, err := h.svc.Execute(ctx, sess.Handle, equipmentMapping, core.ImportOptions{})
			require.NoError(t, err)
			assert.Equal(t, 1, result.Imported)
		})
	}
}

func TestAdvisor_LateAnswerDoesNotTouchExecutingSession(t *testing.T) {
	release := make(chan struct{})
	late := core.AdvisorFunc(func(ctx context.Context, req core.AdvisorRequest) (core.Suggestion, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return core.Suggestion{}, ctx.Err()
		}
		return core.Suggestion{Mapping: core.Mapping{"Name": core.FieldName}, Confidence: core.ConfidenceHigh}, nil
	})
	h := newHarness(t, late, core.ServiceOptions{AdvisorWait: time.Millisecond, AdvisorTimeout: 5 * time.Second})
	ctx := context.Background()

	sess := h.upload(t, "a.csv", "Name\nPump\n")
	assert.Equal(t, core.ConfidenceNone, sess.AdvisorConfidence)

	lease, err := h.svc.Sessions().Acquire(sess.Handle)
	require.NoError(t, err)

	close(release)
	require.NoError(t, h.svc.Shutdown(ctx), "waits for the advisor call to finish")

	got, err := h.svc.Session(sess.Handle)
	require.NoError(t, err)
	assert.Equal(t, core.StateExecuting, got.State)
	assert.Equal(t, core.ConfidenceNone, got.AdvisorConfidence)
	assert.Equal(t, core.NewAttribute, got.SuggestedMapping["Name"])

	lease.Release()
}

func TestAdvisor_LateAnswerLandsOnUploadedSession(t *testing.T) {
	release := make(chan struct{})
	late := core.AdvisorFunc(func(ctx context.Context, req core.AdvisorRequest) (core.Suggestion, error) {
		<-release
		return core.Suggestion{Mapping: core.Mapping{"Name": core.FieldName}, Confidence: core.ConfidenceHigh}, nil
	})
	h := newHarness(t, late, core.ServiceOptions{AdvisorWait: time.Millisecond})
	ctx := context.Background()

	sess := h.upload(t, "a.csv", "Name\nPump\n")
	assert.Equal(t, core.ConfidenceNone, sess.AdvisorConfidence)

	close(release)
	require.NoError(t, h.svc.Shutdown(ctx))

	got, err := h.svc.Session(sess.Handle)
	require.NoError(t, err)
	assert.Equal(t, core.ConfidenceHigh, got.AdvisorConfidence)
	assert.Equal(t, core.FieldName, got.SuggestedMapping["Name"])
}

func TestRecoverInterruptedRuns(t *testing.T) {
	h := newHarness(t, nil, core.ServiceOptions{})
	ctx := context.Background()

	runID := uuid.NewString()
	require.NoError(t, h.store.BeginRun(ctx, core.Run{ID: runID, Handle: "h", FileName: "a.csv", TotalRows: 10}))

	require.NoError(t, h.svc.RecoverInterruptedRuns(ctx))

	status, err := h.store.RunStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, core.RunInterrupted, status)
}

// slowRepo delays every transaction so a run outlives its execute timeout.
type slowRepo struct {
	*sqlite.Store
	delay time.Duration
}

func (r slowRepo) WithTx(ctx context.Context, fn func(core.Tx) error) error {
	time.Sleep(r.delay)
	return r.Store.WithTx(ctx, fn)
}

func TestExecute_TimeoutStillFinalizesRun(t *testing.T) {
	h := newHarnessWithRepo(t,
		func(s *sqlite.Store) core.Repository { return slowRepo{Store: s, delay: 80 * time.Millisecond} },
		nil,
		core.ServiceOptions{ExecuteTimeout: 200 * time.Millisecond, Parallelism: 1},
	)
	ctx := context.Background()

	sess := h.upload(t, "equipment.csv",
		"Name,Serial\nPump,SN-1\nValve,SN-2\nFan,SN-3\nHose,SN-4\nTank,SN-5\n")
	require.Equal(t, 1, h.scratchFiles(t))

	result, err := h.svc.Execute(ctx, sess.Handle,
		core.Mapping{"Name": core.FieldName, "Serial": core.FieldSerialNumber}, core.ImportOptions{})
	require.NoError(t, err)

	assertAccounting(t, result)
	assert.Less(t, result.Imported, 5, "timeout should have cut the run short")
	assert.NotEmpty(t, result.Errors)

	status, err := h.store.RunStatus(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, status)

	assert.Equal(t, 0, h.scratchFiles(t), "artifact removed after the run")
	_, err = h.svc.Session(sess.Handle)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

package namemigrate

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/groupbookhq/groupbook/pkg/backendsdk"
)

// tableFixture is an in-memory contact table the backfill can read and write,
// so idempotence can be tested by running the pass twice.
type tableFixture struct {
	rows      map[string][]nameRow
	counts    map[string]TableCount
	failIDs   map[string]bool
	updates   int
	selectErr error
}

func newFixture() *tableFixture {
	return &tableFixture{
		rows:    make(map[string][]nameRow),
		counts:  make(map[string]TableCount),
		failIDs: make(map[string]bool),
	}
}

func (f *tableFixture) SelectOne(ctx context.Context, table string, filter backendsdk.Filter, dest any) error {
	panic("not used")
}

func (f *tableFixture) SelectAll(ctx context.Context, table string, filter backendsdk.Filter, dest any) error {
	if f.selectErr != nil {
		return f.selectErr
	}
	out := make([]nameRow, 0, len(f.rows[table]))
	for _, r := range f.rows[table] {
		if r.FullName != "" { // mirrors the full_name=not.is.null filter
			out = append(out, r)
		}
	}
	*(dest.(*[]nameRow)) = out
	return nil
}

func (f *tableFixture) Insert(ctx context.Context, table string, row any, dest any) error {
	panic("not used")
}

func (f *tableFixture) Update(ctx context.Context, table string, filter backendsdk.Filter, patch any, dest any) error {
	id := strings.TrimPrefix(filter[0].Expr, "eq.")
	if f.failIDs[id] {
		return &backendsdk.Error{Code: backendsdk.CodeServerError, Message: "write failed"}
	}

	p := patch.(map[string]any)
	for i, r := range f.rows[table] {
		if r.ID == id {
			f.rows[table][i].FirstName = p["first_name"].(string)
			f.rows[table][i].LastName = p["last_name"].(string)
			f.updates++
			return nil
		}
	}
	return &backendsdk.Error{Code: backendsdk.CodeNotFound, Message: "update matched no rows"}
}

func (f *tableFixture) Count(ctx context.Context, table string, filter backendsdk.Filter) (int64, error) {
	if tc, ok := f.counts[table]; ok {
		if len(filter) == 0 {
			return tc.Total, nil
		}
		return tc.Migrated, nil
	}

	var n int64
	for _, r := range f.rows[table] {
		if matchesNameFilter(r, filter) {
			n++
		}
	}
	return n, nil
}

// matchesNameFilter evaluates first_name conditions with the backend's
// operator semantics: a stored text value is never null, so is.null matches
// nothing here and neq. is what excludes the empty string.
func matchesNameFilter(r nameRow, filter backendsdk.Filter) bool {
	for _, cond := range filter {
		if cond.Column != "first_name" {
			continue
		}
		switch cond.Expr {
		case "not.is.null":
			// every stored value is non-null
		case "is.null":
			return false
		case "neq.":
			if r.FirstName == "" {
				return false
			}
		default:
			panic("unexpected filter expr " + cond.Expr)
		}
	}
	return true
}

func newTestController(f *tableFixture, tables ...string) (*Controller, *bytes.Buffer) {
	var out bytes.Buffer
	c := New(f,
		WithOutput(&out),
		WithThrottle(rate.NewLimiter(rate.Inf, 1)),
		WithTables(tables...),
	)
	return c, &out
}

func TestBackfillSplitsLegacyNames(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.rows["profiles"] = []nameRow{
		{ID: "1", FullName: "Mary Jane Smith"},
		{ID: "2", FullName: "Cher"},
		{ID: "3", FullName: "Already Done", FirstName: "Already"},
		{ID: "4", FullName: "   "},
	}

	c, _ := newTestController(f, "profiles")
	summaries, err := c.Backfill(context.Background())
	require.NoError(t, err)

	s := summaries["profiles"]
	require.Equal(t, 2, s.Attempted)
	require.Equal(t, 2, s.Migrated)
	require.Equal(t, 0, s.Failed)

	require.Equal(t, "Mary", f.rows["profiles"][0].FirstName)
	require.Equal(t, "Jane Smith", f.rows["profiles"][0].LastName)
	require.Equal(t, "Cher", f.rows["profiles"][1].FirstName)
	require.Equal(t, "", f.rows["profiles"][1].LastName)
	// Rows already migrated or with blank names are untouched.
	require.Equal(t, "Already", f.rows["profiles"][2].FirstName)
}

func TestBackfillIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.rows["profiles"] = []nameRow{
		{ID: "1", FullName: "Ada Lovelace"},
		{ID: "2", FullName: "Grace Hopper"},
	}

	c, _ := newTestController(f, "profiles")

	first, err := c.Backfill(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, first["profiles"].Migrated)

	second, err := c.Backfill(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, second["profiles"].Attempted)
	require.Equal(t, 2, f.updates, "a second pass must not rewrite migrated rows")
}

func TestBackfillRowFailureDoesNotAbortTheTable(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.rows["profiles"] = []nameRow{
		{ID: "1", FullName: "Ada Lovelace"},
		{ID: "2", FullName: "Grace Hopper"},
		{ID: "3", FullName: "Katherine Johnson"},
	}
	f.failIDs["2"] = true

	c, _ := newTestController(f, "profiles")
	summaries, err := c.Backfill(context.Background())
	require.NoError(t, err)

	s := summaries["profiles"]
	require.Equal(t, 3, s.Attempted)
	require.Equal(t, 2, s.Migrated)
	require.Equal(t, 1, s.Failed)
	require.Equal(t, "Katherine", f.rows["profiles"][2].FirstName, "rows after the failure still migrate")
}

func TestBackfillListFailureAborts(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.selectErr = &backendsdk.Error{Code: backendsdk.CodeAccessDenied, Message: "permission denied"}

	c, _ := newTestController(f, "profiles")
	_, err := c.Backfill(context.Background())
	require.True(t, backendsdk.IsCode(err, backendsdk.CodeAccessDenied))
}

func TestVerifyGate(t *testing.T) {
	t.Parallel()

	t.Run("passes when every table has migrated rows", func(t *testing.T) {
		f := newFixture()
		f.counts["profiles"] = TableCount{Total: 10, Migrated: 10}
		f.counts["group_memberships"] = TableCount{Total: 4, Migrated: 3}

		c, out := newTestController(f, "profiles", "group_memberships")
		report, err := c.Verify(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Tables, 2)
		require.Contains(t, out.String(), "profiles: 10 of 10 rows carry first_name")
	})

	t.Run("zero migrated rows fails", func(t *testing.T) {
		f := newFixture()
		f.counts["profiles"] = TableCount{Total: 10, Migrated: 0}

		c, _ := newTestController(f, "profiles")
		_, err := c.Verify(context.Background())
		require.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("empty-string names do not count as migrated", func(t *testing.T) {
		// Lazily created profiles for metadata-less signups carry
		// first_name = "". Those rows are non-null but unmigrated; a
		// table full of them must not authorize the drop.
		f := newFixture()
		f.rows["profiles"] = []nameRow{
			{ID: "1", FirstName: ""},
			{ID: "2", FirstName: ""},
			{ID: "3", FirstName: ""},
		}

		c, _ := newTestController(f, "profiles")
		report, err := c.Verify(context.Background())
		require.ErrorIs(t, err, ErrVerificationFailed)
		require.EqualValues(t, 3, report.Tables[0].Total)
		require.EqualValues(t, 0, report.Tables[0].Migrated)
	})

	t.Run("a single backfilled row among empty names satisfies the gate", func(t *testing.T) {
		f := newFixture()
		f.rows["profiles"] = []nameRow{
			{ID: "1", FirstName: ""},
			{ID: "2", FirstName: "Ada"},
		}

		c, _ := newTestController(f, "profiles")
		report, err := c.Verify(context.Background())
		require.NoError(t, err)
		require.EqualValues(t, 1, report.Tables[0].Migrated)
	})

	t.Run("an empty table blocks rather than passes", func(t *testing.T) {
		f := newFixture()
		f.counts["profiles"] = TableCount{Total: 0, Migrated: 0}

		c, out := newTestController(f, "profiles")
		_, err := c.Verify(context.Background())
		require.ErrorIs(t, err, ErrVerificationFailed)
		require.Contains(t, out.String(), "BLOCKED")
	})
}

func TestVerifyDirectSQL(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT count\(\*\), count\(\*\) FILTER \(WHERE first_name IS NOT NULL AND first_name <> ''\) FROM profiles`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "migrated"}).AddRow(12, 9))

	var out bytes.Buffer
	c := New(newFixture(), WithOutput(&out), WithTables("profiles"), WithDB(db))

	report, err := c.Verify(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 12, report.Tables[0].Total)
	require.EqualValues(t, 9, report.Tables[0].Migrated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanAddColumnsPrintsDDL(t *testing.T) {
	t.Parallel()

	c, out := newTestController(newFixture(), "profiles")
	require.NoError(t, c.PlanAddColumns(context.Background()))

	require.Contains(t, out.String(), "ADD COLUMN IF NOT EXISTS first_name")
	require.Contains(t, out.String(), "ADD COLUMN IF NOT EXISTS last_name")
	require.Contains(t, out.String(), "SQL console")
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	t.Run("demands the confirmation flag", func(t *testing.T) {
		f := newFixture()
		f.counts["profiles"] = TableCount{Total: 10, Migrated: 10}

		c, out := newTestController(f, "profiles")
		err := c.Cleanup(context.Background(), false)
		require.ErrorIs(t, err, ErrConfirmRequired)
		require.NotContains(t, out.String(), "DROP COLUMN")
	})

	t.Run("refuses when verification fails", func(t *testing.T) {
		f := newFixture()
		f.counts["profiles"] = TableCount{Total: 10, Migrated: 0}

		c, out := newTestController(f, "profiles")
		err := c.Cleanup(context.Background(), true)
		require.ErrorIs(t, err, ErrVerificationFailed)
		require.NotContains(t, out.String(), "DROP COLUMN")
	})

	t.Run("emits the drop once the gate passes", func(t *testing.T) {
		f := newFixture()
		f.counts["profiles"] = TableCount{Total: 10, Migrated: 10}

		c, out := newTestController(f, "profiles")
		require.NoError(t, c.Cleanup(context.Background(), true))
		require.Contains(t, out.String(), "DROP COLUMN IF EXISTS full_name")
	})
}

package loans

import (
	"assetloans/pkg/apperr"
	"assetloans/pkg/auditcodec"
	"assetloans/pkg/models"
	"assetloans/pkg/risk"
	"assetloans/pkg/testutil"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (n *recordingNotifier) Send(_ context.Context, kind string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	return n.err
}

func setup(t *testing.T, opts ...Option) (*Service, *gorm.DB, testutil.Fixture) {
	t.Helper()
	db := testutil.NewDB(t)
	fx := testutil.SeedBase(t, db)
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewService(db, opts...), db, fx
}

func loadResource(t *testing.T, db *gorm.DB, id int64) models.Resource {
	t.Helper()
	var r models.Resource
	require.NoError(t, db.First(&r, id).Error)
	return r
}

func loadEvents(t *testing.T, db *gorm.DB) []models.AuditEvent {
	t.Helper()
	var events []models.AuditEvent
	require.NoError(t, db.Order("id").Find(&events).Error)
	return events
}

func countOpenLoans(t *testing.T, db *gorm.DB, resourceID int64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Loan{}).
		Where("resource_id = ? AND returned_at IS NULL", resourceID).Count(&n).Error)
	return n
}

func daysFromNow(n int) *time.Time {
	d := fixedNow.AddDate(0, 0, n)
	return &d
}

func TestCheckoutMarksResourceLoaned(t *testing.T) {
	svc, db, fx := setup(t)

	res, err := svc.Checkout(context.Background(), CheckoutInput{
		ActorID:    fx.UserID,
		BorrowerID: "12.345.678-5",
		ResourceID: fx.Projector,
		DueDate:    daysFromNow(5),
	})
	require.NoError(t, err)
	require.NotZero(t, res.LoanID)

	r := loadResource(t, db, fx.Projector)
	assert.False(t, r.Available)
	assert.Equal(t, 1, r.UsageCount)
	assert.Equal(t, int64(1), countOpenLoans(t, db, fx.Projector))

	var loan models.Loan
	require.NoError(t, db.First(&loan, res.LoanID).Error)
	assert.Equal(t, testutil.BorrowerPedro, loan.BorrowerID)
	assert.Equal(t, fx.UserID, loan.RegisteredByID)
	require.NotNil(t, loan.DueAt)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), loan.DueAt.UTC())
	assert.Nil(t, loan.ReturnedAt)

	// the new loan is part of the scored window
	assert.Equal(t, 1, res.Risk.SampleSize)
	assert.Equal(t, risk.LevelLow, res.Risk.Level)

	events := loadEvents(t, db)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.EventCreate, ev.EventType)
	require.NotNil(t, ev.ResourceID)
	assert.Equal(t, fx.Projector, *ev.ResourceID)
	require.NotNil(t, ev.BorrowerID)
	assert.Equal(t, testutil.BorrowerPedro, *ev.BorrowerID)
	require.NotNil(t, ev.LoanID)
	assert.Equal(t, res.LoanID, *ev.LoanID)

	detail := auditcodec.Decode(ev.Detail)
	assert.Equal(t, auditcodec.KeyLoanCreated, detail.Key)
	assert.Equal(t, "Projector", detail.Field("resource_name"))
	assert.Equal(t, "2026-03-15", detail.Field("due_at"))
	assert.Equal(t, "LOW", detail.Field("risk_level"))
}

func TestCheckoutScoresWindowWithNewLoan(t *testing.T) {
	svc, db, fx := setup(t)

	for i := 0; i < 9; i++ {
		due := fixedNow.AddDate(0, 0, -30+i)
		returned := due.AddDate(0, 0, 2)
		if i >= 6 {
			returned = due
		}
		testutil.AddLoan(t, db, models.Loan{
			ResourceID:     fx.Laptop,
			BorrowerID:     fx.BorrowerID,
			RegisteredByID: fx.UserID,
			LoanedAt:       due.AddDate(0, 0, -7),
			DueAt:          &due,
			ReturnedAt:     &returned,
		})
	}

	// 6 late out of 9, plus the new on-time loan: 6/10
	res, err := svc.Checkout(context.Background(), CheckoutInput{
		ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector, DueDate: daysFromNow(3),
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Risk.SampleSize)
	assert.Equal(t, 6, res.Risk.DelinquentCount)
	require.NotNil(t, res.Risk.ProbabilityPct)
	assert.Equal(t, 60.0, *res.Risk.ProbabilityPct)
	assert.Equal(t, risk.LevelMedium, res.Risk.Level)
}

func TestCheckoutAlreadyLoaned(t *testing.T) {
	svc, db, fx := setup(t)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector})
	require.NoError(t, err)
	before := loadResource(t, db, fx.Projector)

	_, err = svc.Checkout(ctx, CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceAlreadyLoaned))
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	after := loadResource(t, db, fx.Projector)
	assert.Equal(t, before.UsageCount, after.UsageCount)
	assert.Equal(t, int64(1), countOpenLoans(t, db, fx.Projector))
	assert.Len(t, loadEvents(t, db), 1)
}

func TestCheckoutFailures(t *testing.T) {
	svc, db, fx := setup(t)
	require.NoError(t, db.Model(&models.Resource{}).Where("id = ?", fx.Laptop).Update("active", false).Error)

	tests := []struct {
		name string
		in   CheckoutInput
		want error
		kind apperr.Kind
	}{
		{"bad check digit", CheckoutInput{ActorID: fx.UserID, BorrowerID: "12345678-9", ResourceID: fx.Projector}, ErrInvalidIdentifier, apperr.Validation},
		{"garbage id", CheckoutInput{ActorID: fx.UserID, BorrowerID: "abc", ResourceID: fx.Projector}, ErrInvalidIdentifier, apperr.Validation},
		{"no actor", CheckoutInput{BorrowerID: fx.BorrowerID, ResourceID: fx.Projector}, ErrMissingActor, apperr.Validation},
		{"unknown actor", CheckoutInput{ActorID: 999, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector}, ErrActorNotFound, apperr.NotFound},
		{"unknown resource", CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: 999}, ErrResourceNotFound, apperr.NotFound},
		{"unknown borrower", CheckoutInput{ActorID: fx.UserID, BorrowerID: testutil.BorrowerMaria, ResourceID: fx.Projector}, ErrBorrowerNotFound, apperr.NotFound},
		{"inactive resource", CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Laptop}, ErrResourceInactive, apperr.Conflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Checkout(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}

	assert.True(t, loadResource(t, db, fx.Projector).Available)
	assert.Empty(t, loadEvents(t, db))
}

func TestCheckoutRollsBackWhenAuditFails(t *testing.T) {
	svc, db, fx := setup(t)
	require.NoError(t, db.Migrator().DropTable(&models.AuditEvent{}))

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Infrastructure, apperr.KindOf(err))

	r := loadResource(t, db, fx.Projector)
	assert.True(t, r.Available)
	assert.Equal(t, 0, r.UsageCount)
	var loans int64
	require.NoError(t, db.Model(&models.Loan{}).Count(&loans).Error)
	assert.Zero(t, loans)
}

func TestConcurrentCheckoutLendsOnce(t *testing.T) {
	svc, db, fx := setup(t)
	testutil.AddBorrower(t, db, testutil.BorrowerMaria, "Maria Rojas", nil)
	testutil.AddBorrower(t, db, testutil.BorrowerJuan, "Juan Perez", nil)
	borrowers := []string{fx.BorrowerID, testutil.BorrowerMaria, testutil.BorrowerJuan}

	var wg sync.WaitGroup
	errs := make([]error, 9)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Checkout(context.Background(), CheckoutInput{
				ActorID: fx.UserID, BorrowerID: borrowers[i%len(borrowers)], ResourceID: fx.Projector,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrResourceAlreadyLoaned), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), countOpenLoans(t, db, fx.Projector))
	assert.Equal(t, 1, loadResource(t, db, fx.Projector).UsageCount)
}

func TestReturnLate(t *testing.T) {
	svc, db, fx := setup(t)
	ctx := context.Background()

	out, err := svc.Checkout(ctx, CheckoutInput{
		ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector, DueDate: daysFromNow(-8),
	})
	require.NoError(t, err)

	res, err := svc.Return(ctx, fx.UserID, out.LoanID)
	require.NoError(t, err)
	require.NotNil(t, res.OverdueDays)
	assert.Equal(t, 8, *res.OverdueDays)
	require.NotNil(t, res.Reputation)
	assert.Equal(t, 10.0, res.Reputation.Previous)
	assert.Equal(t, -1.0, res.Reputation.Delta)
	assert.Equal(t, 9.0, res.Reputation.Current)

	var borrower models.Borrower
	require.NoError(t, db.First(&borrower, "id = ?", fx.BorrowerID).Error)
	require.NotNil(t, borrower.Reputation)
	assert.Equal(t, 9.0, *borrower.Reputation)

	assert.True(t, loadResource(t, db, fx.Projector).Available)
	assert.Equal(t, 1, loadResource(t, db, fx.Projector).UsageCount)
	assert.Zero(t, countOpenLoans(t, db, fx.Projector))

	events := loadEvents(t, db)
	require.Len(t, events, 3)
	keys := []string{}
	for _, ev := range events[1:] {
		assert.Equal(t, models.EventUpdate, ev.EventType)
		keys = append(keys, auditcodec.Decode(ev.Detail).Key)
	}
	assert.ElementsMatch(t, []string{auditcodec.KeyReputationUpdated, auditcodec.KeyLoanReturned}, keys)

	rep := auditcodec.Decode(events[1].Detail)
	assert.Equal(t, "10.00", rep.Field("previous"))
	assert.Equal(t, "9.00", rep.Field("current"))
	assert.Equal(t, "-1.00", rep.Field("delta"))
	assert.Equal(t, "8", rep.Field("overdue_days"))
}

func TestReturnOnTimeRewardsClamped(t *testing.T) {
	svc, db, fx := setup(t)
	ctx := context.Background()
	nearMax := 9.95
	testutil.AddBorrower(t, db, testutil.BorrowerMaria, "Maria Rojas", &nearMax)

	out, err := svc.Checkout(ctx, CheckoutInput{
		ActorID: fx.UserID, BorrowerID: testutil.BorrowerMaria, ResourceID: fx.Laptop, DueDate: daysFromNow(0),
	})
	require.NoError(t, err)

	res, err := svc.Return(ctx, fx.UserID, out.LoanID)
	require.NoError(t, err)
	assert.Equal(t, 0, *res.OverdueDays)
	assert.Equal(t, 10.0, res.Reputation.Current)
}

func TestReturnWithoutDueDateKeepsReputation(t *testing.T) {
	svc, db, fx := setup(t)
	ctx := context.Background()

	out, err := svc.Checkout(ctx, CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector})
	require.NoError(t, err)

	res, err := svc.Return(ctx, fx.UserID, out.LoanID)
	require.NoError(t, err)
	assert.Nil(t, res.OverdueDays)
	assert.Nil(t, res.Reputation)

	var borrower models.Borrower
	require.NoError(t, db.First(&borrower, "id = ?", fx.BorrowerID).Error)
	assert.Nil(t, borrower.Reputation)
	assert.Len(t, loadEvents(t, db), 2)
}

func TestReturnTwice(t *testing.T) {
	svc, db, fx := setup(t)
	ctx := context.Background()

	out, err := svc.Checkout(ctx, CheckoutInput{
		ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector, DueDate: daysFromNow(1),
	})
	require.NoError(t, err)
	_, err = svc.Return(ctx, fx.UserID, out.LoanID)
	require.NoError(t, err)

	var loanBefore, loanAfter models.Loan
	var borrowerBefore, borrowerAfter models.Borrower
	require.NoError(t, db.First(&loanBefore, out.LoanID).Error)
	require.NoError(t, db.First(&borrowerBefore, "id = ?", fx.BorrowerID).Error)
	resBefore := loadResource(t, db, fx.Projector)
	eventsBefore := len(loadEvents(t, db))

	_, err = svc.Return(ctx, fx.UserID, out.LoanID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoanAlreadyReturned))
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	require.NoError(t, db.First(&loanAfter, out.LoanID).Error)
	require.NoError(t, db.First(&borrowerAfter, "id = ?", fx.BorrowerID).Error)
	resAfter := loadResource(t, db, fx.Projector)
	assert.Equal(t, loanBefore.ReturnedAt.UTC(), loanAfter.ReturnedAt.UTC())
	assert.Equal(t, *borrowerBefore.Reputation, *borrowerAfter.Reputation)
	assert.Equal(t, resBefore.Available, resAfter.Available)
	assert.Equal(t, resBefore.UsageCount, resAfter.UsageCount)
	assert.Len(t, loadEvents(t, db), eventsBefore)
}

func TestReturnUnknownLoan(t *testing.T) {
	svc, _, fx := setup(t)

	_, err := svc.Return(context.Background(), fx.UserID, 404)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoanNotFound))
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestUpdateNotes(t *testing.T) {
	svc, db, fx := setup(t)
	ctx := context.Background()

	out, err := svc.Checkout(ctx, CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector})
	require.NoError(t, err)

	note := "  lens cap missing  "
	require.NoError(t, svc.UpdateNotes(ctx, fx.UserID, out.LoanID, &note))

	var loan models.Loan
	require.NoError(t, db.First(&loan, out.LoanID).Error)
	require.NotNil(t, loan.Notes)
	assert.Equal(t, "lens cap missing", *loan.Notes)

	blank := "   "
	require.NoError(t, svc.UpdateNotes(ctx, fx.UserID, out.LoanID, &blank))
	loan = models.Loan{}
	require.NoError(t, db.First(&loan, out.LoanID).Error)
	assert.Nil(t, loan.Notes)

	events := loadEvents(t, db)
	require.Len(t, events, 3)
	first := auditcodec.Decode(events[1].Detail)
	assert.Equal(t, auditcodec.KeyLoanNotesUpdated, first.Key)
	assert.Equal(t, "lens cap missing", first.Field("notes"))
	assert.Equal(t, "true", auditcodec.Decode(events[2].Detail).Field("cleared"))

	// resource state is untouched
	r := loadResource(t, db, fx.Projector)
	assert.False(t, r.Available)
	assert.Equal(t, 1, r.UsageCount)

	err = svc.UpdateNotes(ctx, fx.UserID, 404, &note)
	assert.True(t, errors.Is(err, ErrLoanNotFound))
}

func TestUpdateNotesOnReturnedLoan(t *testing.T) {
	svc, db, fx := setup(t)
	ctx := context.Background()

	out, err := svc.Checkout(ctx, CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector})
	require.NoError(t, err)
	_, err = svc.Return(ctx, fx.UserID, out.LoanID)
	require.NoError(t, err)

	note := "returned with scratches"
	require.NoError(t, svc.UpdateNotes(ctx, fx.UserID, out.LoanID, &note))

	var loan models.Loan
	require.NoError(t, db.First(&loan, out.LoanID).Error)
	assert.Equal(t, note, *loan.Notes)
	assert.NotNil(t, loan.ReturnedAt)
}

func TestNotificationsAfterCommit(t *testing.T) {
	n := &recordingNotifier{err: errors.New("webhook down")}
	svc, db, fx := setup(t, WithNotifier(n))
	ctx := context.Background()

	out, err := svc.Checkout(ctx, CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: fx.Projector})
	require.NoError(t, err)
	_, err = svc.Return(ctx, fx.UserID, out.LoanID)
	require.NoError(t, err)

	_, err = svc.Checkout(ctx, CheckoutInput{ActorID: fx.UserID, BorrowerID: fx.BorrowerID, ResourceID: 999})
	require.Error(t, err)

	assert.Equal(t, []string{"loan.created", "loan.returned"}, n.kinds)
	assert.True(t, loadResource(t, db, fx.Projector).Available)
}

func TestHistoryAndUpcomingDue(t *testing.T) {
	svc, db, fx := setup(t)
	ctx := context.Background()
	amp := testutil.AddResource(t, db, "Amplifier", fx.CategoryID, fx.LocationID)
	camera := testutil.AddResource(t, db, "Camera", fx.CategoryID, fx.LocationID)
	mic := testutil.AddResource(t, db, "Microphone", fx.CategoryID, fx.LocationID)

	day := func(n int) *time.Time {
		d := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
		return &d
	}
	add := func(resourceID int64, loanedHoursAgo int, due *time.Time, returned bool) int64 {
		loan := models.Loan{
			ResourceID:     resourceID,
			BorrowerID:     fx.BorrowerID,
			RegisteredByID: fx.UserID,
			LoanedAt:       fixedNow.Add(-time.Duration(loanedHoursAgo) * time.Hour),
			DueAt:          due,
		}
		if returned {
			at := fixedNow.Add(-time.Hour)
			loan.ReturnedAt = &at
		}
		return testutil.AddLoan(t, db, loan)
	}

	laptopTomorrow := add(fx.Laptop, 1, day(1), false)
	projectorToday := add(fx.Projector, 2, day(0), false)
	ampToday := add(amp, 3, day(0), false)
	add(camera, 4, day(2), false)
	add(mic, 5, day(-1), false)
	add(mic, 50, day(0), true)

	due, err := svc.UpcomingDue(ctx)
	require.NoError(t, err)
	ids := []int64{}
	for _, row := range due {
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []int64{ampToday, projectorToday, laptopTomorrow}, ids)
	assert.Equal(t, "Amplifier", due[0].ResourceName)
	assert.Equal(t, "Pedro Soto", due[0].BorrowerName)
	assert.Equal(t, "Ana Admin", due[0].RegisteredByName)
	assert.Equal(t, "Audiovisual", due[0].CategoryName)
	assert.Equal(t, "Main Hall", due[0].LocationName)

	history, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, laptopTomorrow, history[0].ID)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].LoanedAt.After(history[i-1].LoanedAt))
	}
}

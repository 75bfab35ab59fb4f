package consumer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porterhq/dispatch/internal/events"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/service"
)

// Stubs covering only the calls the handlers make; every other method is an
// unused no-op.

type stubOfferRepo struct {
	accepted map[string]*models.JobOffer // keyed by orderID
}

func (r *stubOfferRepo) GetAccepted(ctx context.Context, orderID string, porterID uuid.UUID) (*models.JobOffer, error) {
	offer, ok := r.accepted[orderID]
	if !ok || offer.PorterID != porterID {
		return nil, nil
	}
	return offer, nil
}

func (r *stubOfferRepo) Create(ctx context.Context, offer *models.JobOffer) error { return nil }
func (r *stubOfferRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.JobOffer, error) {
	return nil, nil
}
func (r *stubOfferRepo) CountPending(ctx context.Context, porterID uuid.UUID) (int, error) {
	return 0, nil
}
func (r *stubOfferRepo) Accept(ctx context.Context, offerID, porterID uuid.UUID, now time.Time) (*models.AcceptResult, error) {
	return nil, nil
}
func (r *stubOfferRepo) Reject(ctx context.Context, offerID, porterID uuid.UUID, reason *string, now time.Time) (*models.AcceptResult, error) {
	return nil, nil
}
func (r *stubOfferRepo) RevokeOthers(ctx context.Context, orderID string, exceptID uuid.UUID, reason string, now time.Time) (int64, error) {
	return 0, nil
}
func (r *stubOfferRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) { return 0, nil }
func (r *stubOfferRepo) ListByPorter(ctx context.Context, porterID uuid.UUID, status *models.OfferStatus, limit int) ([]*models.JobOffer, error) {
	return nil, nil
}
func (r *stubOfferRepo) ListByOrder(ctx context.Context, orderID string) ([]*models.JobOffer, error) {
	return nil, nil
}

type stubPorterRepo struct {
	completedJobs map[uuid.UUID]int
}

func (r *stubPorterRepo) IncrementCompletedJobs(ctx context.Context, porterID uuid.UUID) error {
	r.completedJobs[porterID]++
	return nil
}

func (r *stubPorterRepo) Create(ctx context.Context, porter *models.Porter) error { return nil }
func (r *stubPorterRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Porter, error) {
	return nil, nil
}
func (r *stubPorterRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Porter, error) {
	return nil, nil
}
func (r *stubPorterRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Porter, error) {
	return nil, nil
}
func (r *stubPorterRepo) UpdateVerificationStatus(ctx context.Context, porterID uuid.UUID, from, to models.VerificationStatus, reviewer, notes *string) (bool, error) {
	return false, nil
}
func (r *stubPorterRepo) SetSuspended(ctx context.Context, porterID uuid.UUID, suspended bool, reason *string) (bool, error) {
	return false, nil
}
func (r *stubPorterRepo) VerificationHistory(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.VerificationRecord, error) {
	return nil, nil
}

type stubEarningsService struct {
	recorded  []service.RecordEarningsRequest
	recordErr error
	payouts   []string
}

func (s *stubEarningsService) RecordEarnings(ctx context.Context, req service.RecordEarningsRequest) (*models.PorterEarning, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	s.recorded = append(s.recorded, req)
	return &models.PorterEarning{ID: uuid.New(), PorterID: req.PorterID, Amount: req.Amount}, nil
}

func (s *stubEarningsService) MarkPayoutProcessed(ctx context.Context, payoutID, payoutStatus string) (int64, error) {
	s.payouts = append(s.payouts, payoutID)
	return 1, nil
}

func (s *stubEarningsService) EarningsSummary(ctx context.Context, porterID uuid.UUID) (*models.EarningsSummary, error) {
	return nil, nil
}
func (s *stubEarningsService) RecentEarnings(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.PorterEarning, error) {
	return nil, nil
}
func (s *stubEarningsService) OrderEarnings(ctx context.Context, orderID string) ([]*models.PorterEarning, error) {
	return nil, nil
}
func (s *stubEarningsService) UpdateEarningStatus(ctx context.Context, req service.UpdateEarningStatusRequest) (*models.PorterEarning, error) {
	return nil, nil
}
func (s *stubEarningsService) RequestWithdrawal(ctx context.Context, req service.WithdrawalRequest) (*models.PorterEarning, error) {
	return nil, nil
}

type revocation struct {
	OrderID  string
	ExceptID uuid.UUID
}

type stubOfferService struct {
	revocations []revocation
}

func (s *stubOfferService) RevokeSiblings(ctx context.Context, orderID string, exceptID uuid.UUID) (int64, error) {
	s.revocations = append(s.revocations, revocation{OrderID: orderID, ExceptID: exceptID})
	return 1, nil
}

func (s *stubOfferService) Create(ctx context.Context, req service.CreateOfferRequest) (*models.JobOffer, error) {
	return nil, nil
}
func (s *stubOfferService) Accept(ctx context.Context, req service.AcceptOfferRequest) (*models.JobOffer, error) {
	return nil, nil
}
func (s *stubOfferService) Reject(ctx context.Context, req service.RejectOfferRequest) (*models.JobOffer, error) {
	return nil, nil
}
func (s *stubOfferService) ExpireOffers(ctx context.Context) (int64, error) { return 0, nil }
func (s *stubOfferService) GetPorterOffers(ctx context.Context, porterID uuid.UUID, status *models.OfferStatus, limit int) ([]*models.JobOffer, error) {
	return nil, nil
}
func (s *stubOfferService) GetOrderOffers(ctx context.Context, orderID string) ([]*models.JobOffer, error) {
	return nil, nil
}

type handlerFixture struct {
	handlers *Handlers
	offers   *stubOfferRepo
	porters  *stubPorterRepo
	earnings *stubEarningsService
	offerSvc *stubOfferService
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		offers:   &stubOfferRepo{accepted: make(map[string]*models.JobOffer)},
		porters:  &stubPorterRepo{completedJobs: make(map[uuid.UUID]int)},
		earnings: &stubEarningsService{},
		offerSvc: &stubOfferService{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.handlers = NewHandlers(f.offers, f.porters, f.earnings, f.offerSvc, logger)
	return f
}

func (f *handlerFixture) acceptedOffer(orderID string, porterID uuid.UUID) *models.JobOffer {
	offer := &models.JobOffer{
		ID:          uuid.New(),
		OrderID:     orderID,
		PorterID:    porterID,
		OfferStatus: models.OfferAccepted,
	}
	f.offers.accepted[orderID] = offer
	return offer
}

func TestHandleOrderCompleted(t *testing.T) {
	f := newHandlerFixture(t)
	porterID := uuid.New()
	f.acceptedOffer("ord_1", porterID)

	err := f.handlers.HandleOrderCompleted(context.Background(), &events.OrderCompleted{
		OrderID:  "ord_1",
		PorterID: porterID.String(),
		Amount:   2500,
	})
	require.NoError(t, err)

	require.Len(t, f.earnings.recorded, 1)
	recorded := f.earnings.recorded[0]
	assert.Equal(t, porterID, recorded.PorterID)
	assert.Equal(t, models.EarningJobPayment, recorded.Type)
	assert.Equal(t, int64(2500), recorded.Amount)
	require.NotNil(t, recorded.OrderID)
	assert.Equal(t, "ord_1", *recorded.OrderID)
	assert.Equal(t, 1, f.porters.completedJobs[porterID])
}

func TestHandleOrderCompletedRedelivery(t *testing.T) {
	f := newHandlerFixture(t)
	porterID := uuid.New()
	f.acceptedOffer("ord_1", porterID)
	f.earnings.recordErr = apierrors.NewConflictError("Earnings for this order are already recorded")

	err := f.handlers.HandleOrderCompleted(context.Background(), &events.OrderCompleted{
		OrderID:  "ord_1",
		PorterID: porterID.String(),
		Amount:   2500,
	})
	require.NoError(t, err)
	assert.Zero(t, f.porters.completedJobs[porterID], "redelivery must not double-count the job")
}

func TestHandleOrderCompletedNoAcceptedOffer(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handlers.HandleOrderCompleted(context.Background(), &events.OrderCompleted{
		OrderID:  "ord_unknown",
		PorterID: uuid.NewString(),
		Amount:   2500,
	})
	require.NoError(t, err)
	assert.Empty(t, f.earnings.recorded)
}

func TestHandleOrderCompletedNonPositiveAmount(t *testing.T) {
	f := newHandlerFixture(t)
	porterID := uuid.New()
	f.acceptedOffer("ord_1", porterID)

	err := f.handlers.HandleOrderCompleted(context.Background(), &events.OrderCompleted{
		OrderID:  "ord_1",
		PorterID: porterID.String(),
		Amount:   0,
	})
	require.NoError(t, err)
	assert.Empty(t, f.earnings.recorded)
}

func TestHandleOrderCompletedInvalidPorterID(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handlers.HandleOrderCompleted(context.Background(), &events.OrderCompleted{
		OrderID:  "ord_1",
		PorterID: "not-a-uuid",
		Amount:   2500,
	})
	require.NoError(t, err)
	assert.Empty(t, f.earnings.recorded)
}

func TestHandlePayoutProcessed(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handlers.HandlePayoutProcessed(context.Background(), &events.PaymentPayoutProcessed{
		PayoutID: "po_1",
		Status:   events.PayoutStatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"po_1"}, f.earnings.payouts)
}

func TestHandlePayoutProcessedNonTerminal(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handlers.HandlePayoutProcessed(context.Background(), &events.PaymentPayoutProcessed{
		PayoutID: "po_1",
		Status:   "pending",
	})
	require.NoError(t, err)
	assert.Empty(t, f.earnings.payouts)
}

func TestHandleOrderAssignedSparesWinner(t *testing.T) {
	f := newHandlerFixture(t)
	porterID := uuid.New()
	winner := f.acceptedOffer("ord_1", porterID)

	err := f.handlers.HandleOrderAssigned(context.Background(), &events.OrderAssigned{
		OrderID:  "ord_1",
		PorterID: porterID.String(),
	})
	require.NoError(t, err)
	require.Len(t, f.offerSvc.revocations, 1)
	assert.Equal(t, "ord_1", f.offerSvc.revocations[0].OrderID)
	assert.Equal(t, winner.ID, f.offerSvc.revocations[0].ExceptID)
}

func TestHandleOrderAssignedWithoutLocalWinner(t *testing.T) {
	f := newHandlerFixture(t)

	// The order was assigned by another channel; every local pending offer
	// is a sibling.
	err := f.handlers.HandleOrderAssigned(context.Background(), &events.OrderAssigned{
		OrderID:  "ord_1",
		PorterID: uuid.NewString(),
	})
	require.NoError(t, err)
	require.Len(t, f.offerSvc.revocations, 1)
	assert.Equal(t, uuid.Nil, f.offerSvc.revocations[0].ExceptID)
}

func TestHandleEnvelopeDispatch(t *testing.T) {
	f := newHandlerFixture(t)
	porterID := uuid.New()
	f.acceptedOffer("ord_1", porterID)

	payload, err := json.Marshal(events.OrderCompleted{
		OrderID:  "ord_1",
		PorterID: porterID.String(),
		Amount:   1800,
	})
	require.NoError(t, err)

	err = f.handlers.Handle(context.Background(), &events.Envelope{
		ID:      uuid.NewString(),
		Type:    events.TypeOrderCompleted,
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Len(t, f.earnings.recorded, 1)
}

func TestHandleUnknownEventType(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handlers.Handle(context.Background(), &events.Envelope{
		ID:   uuid.NewString(),
		Type: "SomethingElse",
	})
	require.NoError(t, err)
	assert.Empty(t, f.earnings.recorded)
	assert.Empty(t, f.offerSvc.revocations)
}

func TestHandleMalformedPayload(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handlers.Handle(context.Background(), &events.Envelope{
		ID:      uuid.NewString(),
		Type:    events.TypeOrderCompleted,
		Payload: json.RawMessage(`{"amount":"not-a-number"}`),
	})
	require.Error(t, err)
}

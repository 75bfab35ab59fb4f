package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porterhq/dispatch/internal/events"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type offerFixture struct {
	svc       OfferService
	offers    *fakeOfferRepo
	porters   *fakePorterRepo
	publisher *fakePublisher
	now       time.Time
}

func newOfferFixture(t *testing.T) *offerFixture {
	t.Helper()
	offers := newFakeOfferRepo()
	porters := newFakePorterRepo()
	publisher := &fakePublisher{}
	logger := testLogger()

	porterSvc := NewPorterService(
		porters, newFakeSessionRepo(), newFakeSessionStore(),
		newFakeAvailabilityStore(), newFakeLocationStore(),
		publisher, time.Minute, logger,
	)
	idempotency := NewIdempotencyService(newFakeIdempotencyRepo(), time.Hour, logger)

	svc := NewOfferService(offers, porterSvc, idempotency, publisher, OfferConfig{
		OfferTimeout:        30 * time.Second,
		MaxConcurrentOffers: 3,
	}, logger)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc.(*offerService).now = func() time.Time { return now }

	return &offerFixture{svc: svc, offers: offers, porters: porters, publisher: publisher, now: now}
}

func (f *offerFixture) verifiedPorter() *models.Porter {
	porter := &models.Porter{
		ID:                 uuid.New(),
		UserID:             uuid.New(),
		Name:               "Test Porter",
		VehicleType:        models.VehicleMotorbike,
		VerificationStatus: models.VerificationVerified,
		Active:             true,
	}
	f.porters.add(porter)
	return porter
}

func (f *offerFixture) pendingOffer(orderID string, porterID uuid.UUID) *models.JobOffer {
	offer := &models.JobOffer{
		OrderID:   orderID,
		PorterID:  porterID,
		OfferedAt: f.now,
		ExpiresAt: f.now.Add(30 * time.Second),
	}
	f.offers.add(offer)
	return offer
}

func TestCreateOffer(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()

	offer, err := f.svc.Create(context.Background(), CreateOfferRequest{
		OrderID:  "order-1",
		PorterID: porter.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OfferPending, offer.OfferStatus)
	assert.Equal(t, f.now.Add(30*time.Second), offer.ExpiresAt)
	assert.Contains(t, f.publisher.typesPublished(), events.TypePorterOfferCreated)
}

func TestCreateOfferUnverifiedPorter(t *testing.T) {
	f := newOfferFixture(t)
	porter := &models.Porter{
		ID:                 uuid.New(),
		UserID:             uuid.New(),
		VerificationStatus: models.VerificationUnderReview,
		Active:             true,
	}
	f.porters.add(porter)

	_, err := f.svc.Create(context.Background(), CreateOfferRequest{
		OrderID:  "order-1",
		PorterID: porter.ID,
	})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestCreateOfferConcurrencyCap(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	for i := 0; i < 3; i++ {
		f.pendingOffer("order-"+string(rune('a'+i)), porter.ID)
	}

	_, err := f.svc.Create(context.Background(), CreateOfferRequest{
		OrderID:  "order-overflow",
		PorterID: porter.ID,
	})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestAcceptOffer(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	offer := f.pendingOffer("order-1", porter.ID)
	sibling := f.pendingOffer("order-1", uuid.New())

	accepted, err := f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:  offer.ID,
		PorterID: porter.ID,
		UserID:   porter.UserID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, accepted.OfferStatus)
	assert.Equal(t, models.AssignmentConfirmed, accepted.AssignmentStatus)
	require.NotNil(t, accepted.AcceptedAt)
	assert.Equal(t, f.now, accepted.AcceptedAt.UTC())

	// The losing sibling is revoked in the same call.
	assert.Equal(t, models.OfferRevoked, f.offers.get(sibling.ID).OfferStatus)
	assert.Contains(t, f.publisher.typesPublished(), events.TypePorterAcceptedJob)
}

func TestAcceptOfferNotFound(t *testing.T) {
	f := newOfferFixture(t)

	_, err := f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:  uuid.New(),
		PorterID: uuid.New(),
	})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestAcceptOfferWrongPorter(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	offer := f.pendingOffer("order-1", porter.ID)

	_, err := f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:  offer.ID,
		PorterID: uuid.New(),
	})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	// The offer is untouched.
	assert.Equal(t, models.OfferPending, f.offers.get(offer.ID).OfferStatus)
}

func TestAcceptOfferExpired(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	offer := &models.JobOffer{
		OrderID:   "order-1",
		PorterID:  porter.ID,
		OfferedAt: f.now.Add(-time.Minute),
		ExpiresAt: f.now.Add(-30 * time.Second),
	}
	f.offers.add(offer)

	_, err := f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:  offer.ID,
		PorterID: porter.ID,
	})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	details, ok := apiErr.Details.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "EXPIRED", details["offer_status"])

	// The late attempt marked the offer EXPIRED.
	assert.Equal(t, models.OfferExpired, f.offers.get(offer.ID).OfferStatus)
}

func TestAcceptOfferOrderTaken(t *testing.T) {
	f := newOfferFixture(t)
	winner := f.verifiedPorter()
	loser := f.verifiedPorter()
	winning := f.pendingOffer("order-1", winner.ID)
	losing := f.pendingOffer("order-1", loser.ID)

	_, err := f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:  winning.ID,
		PorterID: winner.ID,
	})
	require.NoError(t, err)

	_, err = f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:  losing.ID,
		PorterID: loser.ID,
	})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	details, ok := apiErr.Details.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, string(models.OfferRevoked), details["offer_status"])

	assert.Equal(t, models.OfferRevoked, f.offers.get(losing.ID).OfferStatus)
	assert.Equal(t, models.OfferAccepted, f.offers.get(winning.ID).OfferStatus)
}

func TestAcceptOfferConcurrentSingleWinner(t *testing.T) {
	f := newOfferFixture(t)

	const contenders = 16
	offerIDs := make([]uuid.UUID, contenders)
	porterIDs := make([]uuid.UUID, contenders)
	for i := 0; i < contenders; i++ {
		porter := f.verifiedPorter()
		porterIDs[i] = porter.ID
		offerIDs[i] = f.pendingOffer("order-contested", porter.ID).ID
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Accept(context.Background(), AcceptOfferRequest{
				OfferID:  offerIDs[i],
				PorterID: porterIDs[i],
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		apiErr := apierrors.AsAPIError(err)
		require.NotNil(t, apiErr)
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	}
	assert.Equal(t, 1, winners, "exactly one acceptance must win")

	accepted := 0
	for _, id := range offerIDs {
		if f.offers.get(id).OfferStatus == models.OfferAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestAcceptOfferIdempotentReplay(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	offer := f.pendingOffer("order-1", porter.ID)

	req := AcceptOfferRequest{
		OfferID:        offer.ID,
		PorterID:       porter.ID,
		UserID:         porter.UserID,
		IdempotencyKey: "key-123",
	}

	first, err := f.svc.Accept(context.Background(), req)
	require.NoError(t, err)

	// Without the idempotency record the retry would hit NOT_PENDING.
	second, err := f.svc.Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.OfferAccepted, second.OfferStatus)
}

func TestAcceptOfferIdempotencyKeyReuseRejected(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	other := f.verifiedPorter()
	offer := f.pendingOffer("order-1", porter.ID)
	otherOffer := f.pendingOffer("order-2", other.ID)

	_, err := f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:        offer.ID,
		PorterID:       porter.ID,
		UserID:         porter.UserID,
		IdempotencyKey: "shared-key",
	})
	require.NoError(t, err)

	_, err = f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:        otherOffer.ID,
		PorterID:       other.ID,
		UserID:         other.UserID,
		IdempotencyKey: "shared-key",
	})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestRejectOffer(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	offer := f.pendingOffer("order-1", porter.ID)
	reason := "too far away"

	rejected, err := f.svc.Reject(context.Background(), RejectOfferRequest{
		OfferID:  offer.ID,
		PorterID: porter.ID,
		Reason:   &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, rejected.OfferStatus)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, reason, *rejected.RejectionReason)
	assert.Contains(t, f.publisher.typesPublished(), events.TypePorterRejectedJob)
}

func TestRejectOfferNotPending(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	offer := f.pendingOffer("order-1", porter.ID)

	_, err := f.svc.Accept(context.Background(), AcceptOfferRequest{OfferID: offer.ID, PorterID: porter.ID})
	require.NoError(t, err)

	_, err = f.svc.Reject(context.Background(), RejectOfferRequest{OfferID: offer.ID, PorterID: porter.ID})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestExpireOffers(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	overdue := &models.JobOffer{
		OrderID:   "order-old",
		PorterID:  porter.ID,
		OfferedAt: f.now.Add(-2 * time.Minute),
		ExpiresAt: f.now.Add(-time.Minute),
	}
	f.offers.add(overdue)
	fresh := f.pendingOffer("order-new", porter.ID)

	expired, err := f.svc.ExpireOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)
	assert.Equal(t, models.OfferExpired, f.offers.get(overdue.ID).OfferStatus)
	assert.Equal(t, models.OfferPending, f.offers.get(fresh.ID).OfferStatus)
}

func TestAcceptProceedsWhenPublishFails(t *testing.T) {
	f := newOfferFixture(t)
	porter := f.verifiedPorter()
	offer := f.pendingOffer("order-1", porter.ID)
	f.publisher.err = assert.AnError

	accepted, err := f.svc.Accept(context.Background(), AcceptOfferRequest{
		OfferID:  offer.ID,
		PorterID: porter.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, accepted.OfferStatus)
}

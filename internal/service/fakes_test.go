package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/porterhq/dispatch/internal/geo"
	"github.com/porterhq/dispatch/internal/hotstate"
	"github.com/porterhq/dispatch/internal/models"
	"github.com/porterhq/dispatch/internal/repository"
)

// In-memory fakes mirroring the transactional semantics of the real
// repositories and hot stores, so service behavior (including the
// acceptance race) can be exercised without Postgres or Redis.

type fakePorterRepo struct {
	mu      sync.Mutex
	porters map[uuid.UUID]*models.Porter
	history []*models.VerificationRecord
}

func newFakePorterRepo() *fakePorterRepo {
	return &fakePorterRepo{porters: make(map[uuid.UUID]*models.Porter)}
}

func (r *fakePorterRepo) add(p *models.Porter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.porters[p.ID] = p
}

func (r *fakePorterRepo) Create(ctx context.Context, porter *models.Porter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	porter.ID = uuid.New()
	porter.VerificationStatus = models.VerificationPending
	porter.Active = true
	porter.CreatedAt = time.Now().UTC()
	porter.UpdatedAt = porter.CreatedAt
	r.porters[porter.ID] = porter
	return nil
}

func (r *fakePorterRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Porter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.porters[id]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (r *fakePorterRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Porter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.porters {
		if p.UserID == userID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *fakePorterRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Porter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[uuid.UUID]*models.Porter)
	for _, id := range ids {
		if p, ok := r.porters[id]; ok {
			clone := *p
			result[id] = &clone
		}
	}
	return result, nil
}

func (r *fakePorterRepo) UpdateVerificationStatus(ctx context.Context, porterID uuid.UUID, from, to models.VerificationStatus, reviewer, notes *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.porters[porterID]
	if !ok || p.VerificationStatus != from {
		return false, nil
	}
	p.VerificationStatus = to
	r.history = append(r.history, &models.VerificationRecord{
		ID:         uuid.New(),
		PorterID:   porterID,
		FromStatus: from,
		ToStatus:   to,
		Reviewer:   reviewer,
		Notes:      notes,
		CreatedAt:  time.Now().UTC(),
	})
	return true, nil
}

func (r *fakePorterRepo) SetSuspended(ctx context.Context, porterID uuid.UUID, suspended bool, reason *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.porters[porterID]
	if !ok || p.Suspended == suspended {
		return false, nil
	}
	p.Suspended = suspended
	p.SuspensionReason = reason
	return true, nil
}

func (r *fakePorterRepo) IncrementCompletedJobs(ctx context.Context, porterID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.porters[porterID]; ok {
		p.CompletedJobs++
	}
	return nil
}

func (r *fakePorterRepo) VerificationHistory(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.VerificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var records []*models.VerificationRecord
	for i := len(r.history) - 1; i >= 0 && len(records) < limit; i-- {
		if r.history[i].PorterID == porterID {
			records = append(records, r.history[i])
		}
	}
	return records, nil
}

type fakeOfferRepo struct {
	mu     sync.Mutex
	offers map[uuid.UUID]*models.JobOffer
}

func newFakeOfferRepo() *fakeOfferRepo {
	return &fakeOfferRepo{offers: make(map[uuid.UUID]*models.JobOffer)}
}

func (r *fakeOfferRepo) add(o *models.JobOffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.OfferStatus == "" {
		o.OfferStatus = models.OfferPending
	}
	if o.AssignmentStatus == "" {
		o.AssignmentStatus = models.AssignmentPending
	}
	r.offers[o.ID] = o
}

func (r *fakeOfferRepo) get(id uuid.UUID) *models.JobOffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[id]
	if !ok {
		return nil
	}
	clone := *o
	return &clone
}

func (r *fakeOfferRepo) Create(ctx context.Context, offer *models.JobOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer.ID = uuid.New()
	offer.OfferStatus = models.OfferPending
	offer.AssignmentStatus = models.AssignmentPending
	r.offers[offer.ID] = offer
	return nil
}

func (r *fakeOfferRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.JobOffer, error) {
	return r.get(id), nil
}

func (r *fakeOfferRepo) CountPending(ctx context.Context, porterID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, o := range r.offers {
		if o.PorterID == porterID && o.OfferStatus == models.OfferPending {
			count++
		}
	}
	return count, nil
}

// Accept is serialized by the mutex the same way the real implementation is
// serialized by the row lock and the accepted-offer unique index.
func (r *fakeOfferRepo) Accept(ctx context.Context, offerID, porterID uuid.UUID, now time.Time) (*models.AcceptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	offer, ok := r.offers[offerID]
	if !ok {
		return &models.AcceptResult{Outcome: models.AcceptNotFound}, nil
	}
	if offer.PorterID != porterID {
		clone := *offer
		return &models.AcceptResult{Outcome: models.AcceptNotOwned, Offer: &clone}, nil
	}
	if offer.OfferStatus != models.OfferPending {
		clone := *offer
		return &models.AcceptResult{Outcome: models.AcceptNotPending, Offer: &clone}, nil
	}
	if !offer.ExpiresAt.After(now) {
		offer.OfferStatus = models.OfferExpired
		offer.ExpiredAt = &now
		clone := *offer
		return &models.AcceptResult{Outcome: models.AcceptExpired, Offer: &clone}, nil
	}
	for _, other := range r.offers {
		if other.OrderID == offer.OrderID && other.ID != offer.ID && other.OfferStatus == models.OfferAccepted {
			reason := repository.RevokeReasonOrderAssigned
			offer.OfferStatus = models.OfferRevoked
			offer.RevokeReason = &reason
			offer.RevokedAt = &now
			clone := *offer
			return &models.AcceptResult{Outcome: models.AcceptOrderTaken, Offer: &clone}, nil
		}
	}

	offer.OfferStatus = models.OfferAccepted
	offer.AssignmentStatus = models.AssignmentConfirmed
	offer.AcceptedAt = &now
	offer.AssignedAt = &now
	offer.ConfirmedAt = &now
	clone := *offer
	return &models.AcceptResult{Outcome: models.AcceptOK, Offer: &clone}, nil
}

func (r *fakeOfferRepo) Reject(ctx context.Context, offerID, porterID uuid.UUID, reason *string, now time.Time) (*models.AcceptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	offer, ok := r.offers[offerID]
	if !ok {
		return &models.AcceptResult{Outcome: models.AcceptNotFound}, nil
	}
	if offer.PorterID != porterID {
		clone := *offer
		return &models.AcceptResult{Outcome: models.AcceptNotOwned, Offer: &clone}, nil
	}
	if offer.OfferStatus != models.OfferPending {
		clone := *offer
		return &models.AcceptResult{Outcome: models.AcceptNotPending, Offer: &clone}, nil
	}
	offer.OfferStatus = models.OfferRejected
	offer.RejectionReason = reason
	offer.RejectedAt = &now
	clone := *offer
	return &models.AcceptResult{Outcome: models.AcceptOK, Offer: &clone}, nil
}

func (r *fakeOfferRepo) RevokeOthers(ctx context.Context, orderID string, exceptID uuid.UUID, reason string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var revoked int64
	for _, o := range r.offers {
		if o.OrderID == orderID && o.ID != exceptID && o.OfferStatus == models.OfferPending {
			o.OfferStatus = models.OfferRevoked
			o.RevokeReason = &reason
			o.RevokedAt = &now
			revoked++
		}
	}
	return revoked, nil
}

func (r *fakeOfferRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired int64
	for _, o := range r.offers {
		if o.OfferStatus == models.OfferPending && !o.ExpiresAt.After(now) {
			o.OfferStatus = models.OfferExpired
			o.ExpiredAt = &now
			expired++
		}
	}
	return expired, nil
}

func (r *fakeOfferRepo) ListByPorter(ctx context.Context, porterID uuid.UUID, status *models.OfferStatus, limit int) ([]*models.JobOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var offers []*models.JobOffer
	for _, o := range r.offers {
		if o.PorterID != porterID {
			continue
		}
		if status != nil && o.OfferStatus != *status {
			continue
		}
		clone := *o
		offers = append(offers, &clone)
		if len(offers) >= limit {
			break
		}
	}
	return offers, nil
}

func (r *fakeOfferRepo) ListByOrder(ctx context.Context, orderID string) ([]*models.JobOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var offers []*models.JobOffer
	for _, o := range r.offers {
		if o.OrderID == orderID {
			clone := *o
			offers = append(offers, &clone)
		}
	}
	return offers, nil
}

func (r *fakeOfferRepo) GetAccepted(ctx context.Context, orderID string, porterID uuid.UUID) (*models.JobOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.offers {
		if o.OrderID == orderID && o.PorterID == porterID && o.OfferStatus == models.OfferAccepted {
			clone := *o
			return &clone, nil
		}
	}
	return nil, nil
}

type fakeEarningRepo struct {
	mu       sync.Mutex
	earnings map[uuid.UUID]*models.PorterEarning
	porters  map[uuid.UUID]bool
}

func newFakeEarningRepo() *fakeEarningRepo {
	return &fakeEarningRepo{
		earnings: make(map[uuid.UUID]*models.PorterEarning),
		porters:  make(map[uuid.UUID]bool),
	}
}

func (r *fakeEarningRepo) addPorter(porterID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.porters[porterID] = true
}

func (r *fakeEarningRepo) Record(ctx context.Context, earning *models.PorterEarning) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if earning.Type == models.EarningJobPayment && earning.OrderID != nil {
		for _, e := range r.earnings {
			if e.Type == models.EarningJobPayment && e.PorterID == earning.PorterID &&
				e.OrderID != nil && *e.OrderID == *earning.OrderID {
				return false, nil
			}
		}
	}
	earning.ID = uuid.New()
	earning.Status = models.EarningPending
	earning.CreatedAt = time.Now().UTC()
	earning.UpdatedAt = earning.CreatedAt
	clone := *earning
	r.earnings[earning.ID] = &clone
	return true, nil
}

func (r *fakeEarningRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PorterEarning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.earnings[id]
	if !ok {
		return nil, nil
	}
	clone := *e
	return &clone, nil
}

// confirmedBalance mirrors the repository's balance query: confirmed
// non-withdrawal earnings minus pending withdrawal holds.
func (r *fakeEarningRepo) confirmedBalance(porterID uuid.UUID) int64 {
	var balance int64
	for _, e := range r.earnings {
		if e.PorterID != porterID {
			continue
		}
		if e.Status == models.EarningConfirmed && !e.WithdrawalRequest {
			balance += e.Amount
		}
		if e.Status == models.EarningPending && e.WithdrawalRequest {
			balance += e.Amount
		}
	}
	return balance
}

func (r *fakeEarningRepo) Summary(ctx context.Context, porterID uuid.UUID) (*models.EarningsSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := &models.EarningsSummary{Confirmed: r.confirmedBalance(porterID)}
	for _, e := range r.earnings {
		if e.PorterID != porterID {
			continue
		}
		if e.Status != models.EarningCancelled {
			summary.Total += e.Amount
		}
		if e.Status == models.EarningPending && !e.WithdrawalRequest {
			summary.Pending += e.Amount
		}
	}
	return summary, nil
}

func (r *fakeEarningRepo) ListRecent(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.PorterEarning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var earnings []*models.PorterEarning
	for _, e := range r.earnings {
		if e.PorterID == porterID && len(earnings) < limit {
			clone := *e
			earnings = append(earnings, &clone)
		}
	}
	return earnings, nil
}

func (r *fakeEarningRepo) ListByOrder(ctx context.Context, orderID string) ([]*models.PorterEarning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var earnings []*models.PorterEarning
	for _, e := range r.earnings {
		if e.OrderID != nil && *e.OrderID == orderID {
			clone := *e
			earnings = append(earnings, &clone)
		}
	}
	return earnings, nil
}

func (r *fakeEarningRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.EarningStatus, payoutID, payoutStatus *string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.earnings[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	if payoutID != nil {
		e.PayoutID = payoutID
	}
	if payoutStatus != nil {
		e.PayoutStatus = payoutStatus
	}
	if to == models.EarningPaidOut {
		e.PayoutAt = &now
	}
	e.UpdatedAt = now
	return true, nil
}

func (r *fakeEarningRepo) RequestWithdrawal(ctx context.Context, porterID uuid.UUID, amount int64, description *string) (*models.PorterEarning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.porters[porterID] {
		return nil, pgx.ErrNoRows
	}
	if r.confirmedBalance(porterID) < amount {
		return nil, repository.ErrInsufficientBalance
	}
	hold := &models.PorterEarning{
		ID:                uuid.New(),
		PorterID:          porterID,
		Type:              models.EarningAdjustment,
		Amount:            -amount,
		Status:            models.EarningPending,
		Description:       description,
		WithdrawalRequest: true,
		CreatedAt:         time.Now().UTC(),
	}
	r.earnings[hold.ID] = hold
	clone := *hold
	return &clone, nil
}

func (r *fakeEarningRepo) MarkPaidOut(ctx context.Context, payoutID, payoutStatus string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated int64
	for _, e := range r.earnings {
		if e.PayoutID != nil && *e.PayoutID == payoutID && e.Status == models.EarningConfirmed {
			e.Status = models.EarningPaidOut
			e.PayoutStatus = &payoutStatus
			e.PayoutAt = &now
			updated++
		}
	}
	return updated, nil
}

type fakeIdempotencyRepo struct {
	mu      sync.Mutex
	records map[string]*models.IdempotencyRecord
}

func newFakeIdempotencyRepo() *fakeIdempotencyRepo {
	return &fakeIdempotencyRepo{records: make(map[string]*models.IdempotencyRecord)}
}

func (r *fakeIdempotencyRepo) Reserve(ctx context.Context, key string, userID uuid.UUID, operation string, expiresAt time.Time) (bool, *models.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[key]; ok {
		if existing.ExpiresAt.After(time.Now()) {
			clone := *existing
			return false, &clone, nil
		}
	}
	r.records[key] = &models.IdempotencyRecord{
		Key:       key,
		UserID:    userID,
		Operation: operation,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	return true, nil, nil
}

func (r *fakeIdempotencyRepo) Complete(ctx context.Context, key string, response json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		rec.Response = response
	}
	return nil
}

func (r *fakeIdempotencyRepo) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
	return nil
}

func (r *fakeIdempotencyRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for key, rec := range r.records {
		if !rec.ExpiresAt.After(now) {
			delete(r.records, key)
			purged++
		}
	}
	return purged, nil
}

type fakeLocationRepo struct {
	mu        sync.Mutex
	snapshots []*models.LocationSnapshot
}

func newFakeLocationRepo() *fakeLocationRepo {
	return &fakeLocationRepo{}
}

func (r *fakeLocationRepo) InsertSnapshot(ctx context.Context, snapshot *models.LocationSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot.ID = uuid.New()
	clone := *snapshot
	r.snapshots = append(r.snapshots, &clone)
	return nil
}

func (r *fakeLocationRepo) LatestCapturedAt(ctx context.Context, porterID uuid.UUID) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *time.Time
	for _, s := range r.snapshots {
		if s.PorterID == porterID && (latest == nil || s.CapturedAt.After(*latest)) {
			t := s.CapturedAt
			latest = &t
		}
	}
	return latest, nil
}

func (r *fakeLocationRepo) History(ctx context.Context, porterID uuid.UUID, orderID *string, limit int) ([]*models.LocationSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var history []*models.LocationSnapshot
	for i := len(r.snapshots) - 1; i >= 0 && len(history) < limit; i-- {
		s := r.snapshots[i]
		if s.PorterID != porterID {
			continue
		}
		if orderID != nil && (s.OrderID == nil || *s.OrderID != *orderID) {
			continue
		}
		clone := *s
		history = append(history, &clone)
	}
	return history, nil
}

func (r *fakeLocationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*models.LocationSnapshot
	var deleted int64
	for _, s := range r.snapshots {
		if s.CapturedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	r.snapshots = kept
	return deleted, nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.DeviceSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*models.DeviceSession)}
}

func (r *fakeSessionRepo) Upsert(ctx context.Context, session *models.DeviceSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *session
	r.sessions[session.DeviceID] = &clone
	return nil
}

func (r *fakeSessionRepo) ListByPorter(ctx context.Context, porterID uuid.UUID) ([]*models.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sessions []*models.DeviceSession
	for _, s := range r.sessions {
		if s.PorterID == porterID {
			clone := *s
			sessions = append(sessions, &clone)
		}
	}
	return sessions, nil
}

type fakeAvailabilityStore struct {
	mu     sync.Mutex
	states map[uuid.UUID]*models.AvailabilityState
	err    error
}

func newFakeAvailabilityStore() *fakeAvailabilityStore {
	return &fakeAvailabilityStore{states: make(map[uuid.UUID]*models.AvailabilityState)}
}

func (s *fakeAvailabilityStore) Set(ctx context.Context, state *models.AvailabilityState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	clone := *state
	s.states[state.PorterID] = &clone
	return nil
}

func (s *fakeAvailabilityStore) Get(ctx context.Context, porterID uuid.UUID) (*models.AvailabilityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	state, ok := s.states[porterID]
	if !ok {
		return nil, nil
	}
	clone := *state
	return &clone, nil
}

func (s *fakeAvailabilityStore) Heartbeat(ctx context.Context, porterID uuid.UUID, ttl time.Duration) (*models.AvailabilityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	state, ok := s.states[porterID]
	if !ok {
		return nil, nil
	}
	state.LastSeen = time.Now().UTC()
	clone := *state
	return &clone, nil
}

func (s *fakeAvailabilityStore) OnlineIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, state := range s.states {
		if state.Online {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeAvailabilityStore) OnlineCount(ctx context.Context) (int64, error) {
	ids, _ := s.OnlineIDs(ctx)
	return int64(len(ids)), nil
}

func (s *fakeAvailabilityStore) IsOnline(ctx context.Context, porterID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[porterID]
	return ok && state.Online, nil
}

func (s *fakeAvailabilityStore) Remove(ctx context.Context, porterID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, porterID)
	return nil
}

type fakeLocationStore struct {
	mu        sync.Mutex
	locations map[uuid.UUID]*models.LastLocation
	err       error
}

func newFakeLocationStore() *fakeLocationStore {
	return &fakeLocationStore{locations: make(map[uuid.UUID]*models.LastLocation)}
}

func (s *fakeLocationStore) SetLast(ctx context.Context, loc *models.LastLocation, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	clone := *loc
	s.locations[loc.PorterID] = &clone
	return nil
}

func (s *fakeLocationStore) GetLast(ctx context.Context, porterID uuid.UUID) (*models.LastLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[porterID]
	if !ok {
		return nil, nil
	}
	clone := *loc
	return &clone, nil
}

func (s *fakeLocationStore) BatchLast(ctx context.Context, porterIDs []uuid.UUID) (map[uuid.UUID]*models.LastLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[uuid.UUID]*models.LastLocation)
	for _, id := range porterIDs {
		if loc, ok := s.locations[id]; ok {
			clone := *loc
			result[id] = &clone
		}
	}
	return result, nil
}

func (s *fakeLocationStore) SearchRadius(ctx context.Context, lat, lng, radiusMeters float64) ([]hotstate.GeoMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []hotstate.GeoMatch
	for id, loc := range s.locations {
		distance := geo.Haversine(lat, lng, loc.Latitude, loc.Longitude)
		if distance <= radiusMeters {
			matches = append(matches, hotstate.GeoMatch{
				PorterID:       id,
				Latitude:       loc.Latitude,
				Longitude:      loc.Longitude,
				DistanceMeters: distance,
			})
		}
	}
	return matches, nil
}

func (s *fakeLocationStore) Remove(ctx context.Context, porterID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locations, porterID)
	return nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.DeviceSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.DeviceSession)}
}

func (s *fakeSessionStore) Set(ctx context.Context, session *models.DeviceSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *session
	s.sessions[session.DeviceID] = &clone
	return nil
}

func (s *fakeSessionStore) Get(ctx context.Context, deviceID string) (*models.DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[deviceID]
	if !ok {
		return nil, nil
	}
	clone := *session
	return &clone, nil
}

func (s *fakeSessionStore) Delete(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, deviceID)
	return nil
}

type fakeRateLimiter struct {
	mu      sync.Mutex
	allowed bool
	err     error
	calls   int
}

func (l *fakeRateLimiter) Allow(ctx context.Context, porterID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.allowed, l.err
}

type publishedEvent struct {
	PartitionKey  string
	Type          string
	CorrelationID string
	Payload       any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, partitionKey, eventType, correlationID string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{
		PartitionKey:  partitionKey,
		Type:          eventType,
		CorrelationID: correlationID,
		Payload:       payload,
	})
	return nil
}

func (p *fakePublisher) Ping(ctx context.Context) error { return nil }

func (p *fakePublisher) Close() {}

func (p *fakePublisher) typesPublished() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

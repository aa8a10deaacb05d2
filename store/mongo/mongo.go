// Package mongo provides the MongoDB-backed store.Store implementation.
// Campaign, Contact, CallLog, and RetryAttempt are durable entities (spec.md
// §3); only slot leases and waitlist entries live in the KV layer.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/store"
)

// Collections bundles the four collections the Mongo stores below need.
type Collections struct {
	Campaigns *mongo.Collection
	Contacts  *mongo.Collection
	CallLogs  *mongo.Collection
	Retries   *mongo.Collection
}

// NewStore builds a store.Store with all four Mongo-backed entity stores.
func NewStore(c Collections) *store.Store {
	return &store.Store{
		Campaigns: NewCampaignStore(c.Campaigns),
		Contacts:  NewContactStore(c.Contacts),
		CallLogs:  NewCallLogStore(c.CallLogs),
		Retries:   NewRetryAttemptStore(c.Retries),
	}
}

// --- campaigns ---

type campaignDocument struct {
	ID        string              `bson:"_id"`
	OwnerID   string              `bson:"owner_id"`
	Name      string              `bson:"name"`
	State     string              `bson:"state"`
	Settings  settingsDocument    `bson:"settings"`
	Totals    campaign.Totals     `bson:"totals"`
	CreatedAt time.Time           `bson:"created_at"`
	UpdatedAt time.Time           `bson:"updated_at"`
}

type settingsDocument struct {
	ConcurrentCallsLimit  int64  `bson:"concurrent_calls_limit"`
	RetryPolicy           string `bson:"retry_policy"`
	PriorityMode          string `bson:"priority_mode"`
	ExcludeVoicemail      bool   `bson:"exclude_voicemail"`
	MaxRetryAttempts      int    `bson:"max_retry_attempts"`
	RetryDelayMinutes     int    `bson:"retry_delay_minutes"`
	HighPriorityThreshold int    `bson:"high_priority_threshold"`
}

func toCampaignDoc(c *campaign.Campaign) campaignDocument {
	return campaignDocument{
		ID:      c.ID,
		OwnerID: c.OwnerID,
		Name:    c.Name,
		State:   string(c.State),
		Settings: settingsDocument{
			ConcurrentCallsLimit:  c.Settings.ConcurrentCallsLimit,
			RetryPolicy:           c.Settings.RetryPolicy,
			PriorityMode:          string(c.Settings.PriorityMode),
			ExcludeVoicemail:      c.Settings.ExcludeVoicemail,
			MaxRetryAttempts:      c.Settings.MaxRetryAttempts,
			RetryDelayMinutes:     c.Settings.RetryDelayMinutes,
			HighPriorityThreshold: c.Settings.HighPriorityThreshold,
		},
		Totals:    c.Totals,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func fromCampaignDoc(d *campaignDocument) *campaign.Campaign {
	return &campaign.Campaign{
		ID:      d.ID,
		OwnerID: d.OwnerID,
		Name:    d.Name,
		State:   campaign.CampaignState(d.State),
		Settings: campaign.Settings{
			ConcurrentCallsLimit:  d.Settings.ConcurrentCallsLimit,
			RetryPolicy:           d.Settings.RetryPolicy,
			PriorityMode:          campaign.PriorityMode(d.Settings.PriorityMode),
			ExcludeVoicemail:      d.Settings.ExcludeVoicemail,
			MaxRetryAttempts:      d.Settings.MaxRetryAttempts,
			RetryDelayMinutes:     d.Settings.RetryDelayMinutes,
			HighPriorityThreshold: d.Settings.HighPriorityThreshold,
		},
		Totals:    d.Totals,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// CampaignStore is the MongoDB-backed store.CampaignStore.
type CampaignStore struct {
	coll *mongo.Collection
}

func NewCampaignStore(coll *mongo.Collection) *CampaignStore { return &CampaignStore{coll: coll} }

func (s *CampaignStore) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	var doc campaignDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get campaign %q: %w", id, err)
	}
	return fromCampaignDoc(&doc), nil
}

func (s *CampaignStore) Insert(ctx context.Context, c *campaign.Campaign) error {
	if _, err := s.coll.InsertOne(ctx, toCampaignDoc(c)); err != nil {
		return fmt.Errorf("mongo: insert campaign %q: %w", c.ID, err)
	}
	return nil
}

func (s *CampaignStore) Update(ctx context.Context, c *campaign.Campaign) error {
	opts := options.Replace().SetUpsert(false)
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": c.ID}, toCampaignDoc(c), opts)
	if err != nil {
		return fmt.Errorf("mongo: update campaign %q: %w", c.ID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CampaignStore) IncrTotals(ctx context.Context, id, field string, delta int64) (*campaign.Campaign, error) {
	fieldPath := "totals." + field
	after := options.After
	var doc campaignDocument
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{fieldPath: delta}, "$set": bson.M{"updated_at": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(after),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: incr totals %q.%s: %w", id, field, err)
	}
	return fromCampaignDoc(&doc), nil
}

func (s *CampaignStore) ListActive(ctx context.Context) ([]*campaign.Campaign, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"state": string(campaign.StateActive)})
	if err != nil {
		return nil, fmt.Errorf("mongo: list active campaigns: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []campaignDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode active campaigns: %w", err)
	}
	out := make([]*campaign.Campaign, len(docs))
	for i := range docs {
		out[i] = fromCampaignDoc(&docs[i])
	}
	return out, nil
}

func (s *CampaignStore) ListByState(ctx context.Context, state campaign.CampaignState) ([]*campaign.Campaign, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"state": string(state)})
	if err != nil {
		return nil, fmt.Errorf("mongo: list campaigns in state %q: %w", state, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []campaignDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode campaigns in state %q: %w", state, err)
	}
	out := make([]*campaign.Campaign, len(docs))
	for i := range docs {
		out[i] = fromCampaignDoc(&docs[i])
	}
	return out, nil
}

func (s *CampaignStore) Delete(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("mongo: delete campaign %q: %w", id, err)
	}
	return nil
}

// --- contacts ---

type contactDocument struct {
	ID            string            `bson:"_id"`
	CampaignID    string            `bson:"campaign_id"`
	PhoneNumber   string            `bson:"phone_number"`
	Name          string            `bson:"name,omitempty"`
	Email         string            `bson:"email,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	Priority      int               `bson:"priority"`
	Status        string            `bson:"status"`
	AttemptCount  int               `bson:"attempt_count"`
	LastAttemptAt time.Time         `bson:"last_attempt_at,omitempty"`
	CallLogIDs    []string          `bson:"call_log_ids,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at"`
}

func contactDocID(campaignID, contactID string) string { return campaignID + ":" + contactID }

func toContactDoc(c *campaign.Contact) contactDocument {
	return contactDocument{
		ID:            contactDocID(c.CampaignID, c.ID),
		CampaignID:    c.CampaignID,
		PhoneNumber:   c.PhoneNumber,
		Name:          c.Name,
		Email:         c.Email,
		Metadata:      c.Metadata,
		Priority:      c.Priority,
		Status:        string(c.Status),
		AttemptCount:  c.AttemptCount,
		LastAttemptAt: c.LastAttemptAt,
		CallLogIDs:    c.CallLogIDs,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func fromContactDoc(d *contactDocument) *campaign.Contact {
	return &campaign.Contact{
		ID:            d.ID[len(d.CampaignID)+1:],
		CampaignID:    d.CampaignID,
		PhoneNumber:   d.PhoneNumber,
		Name:          d.Name,
		Email:         d.Email,
		Metadata:      d.Metadata,
		Priority:      d.Priority,
		Status:        campaign.ContactStatus(d.Status),
		AttemptCount:  d.AttemptCount,
		LastAttemptAt: d.LastAttemptAt,
		CallLogIDs:    d.CallLogIDs,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// ContactStore is the MongoDB-backed store.ContactStore.
type ContactStore struct {
	coll *mongo.Collection
}

func NewContactStore(coll *mongo.Collection) *ContactStore { return &ContactStore{coll: coll} }

func (s *ContactStore) Get(ctx context.Context, campaignID, contactID string) (*campaign.Contact, error) {
	var doc contactDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": contactDocID(campaignID, contactID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get contact %q/%q: %w", campaignID, contactID, err)
	}
	return fromContactDoc(&doc), nil
}

func (s *ContactStore) Insert(ctx context.Context, c *campaign.Contact) error {
	if _, err := s.coll.InsertOne(ctx, toContactDoc(c)); err != nil {
		return fmt.Errorf("mongo: insert contact %q: %w", c.ID, err)
	}
	return nil
}

func (s *ContactStore) Update(ctx context.Context, c *campaign.Contact) error {
	opts := options.Replace().SetUpsert(false)
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": contactDocID(c.CampaignID, c.ID)}, toContactDoc(c), opts)
	if err != nil {
		return fmt.Errorf("mongo: update contact %q: %w", c.ID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ContactStore) ListByStatus(ctx context.Context, campaignID string, status campaign.ContactStatus, limit int) ([]*campaign.Contact, error) {
	findOpts := options.Find()
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, bson.M{"campaign_id": campaignID, "status": string(status)}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list contacts by status: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []contactDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode contacts: %w", err)
	}
	out := make([]*campaign.Contact, len(docs))
	for i := range docs {
		out[i] = fromContactDoc(&docs[i])
	}
	return out, nil
}

func (s *ContactStore) CountByStatus(ctx context.Context, campaignID string, status campaign.ContactStatus) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"campaign_id": campaignID, "status": string(status)})
	if err != nil {
		return 0, fmt.Errorf("mongo: count contacts by status: %w", err)
	}
	return n, nil
}

func (s *ContactStore) DeleteByCampaign(ctx context.Context, campaignID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"campaign_id": campaignID}); err != nil {
		return fmt.Errorf("mongo: delete contacts for campaign %q: %w", campaignID, err)
	}
	return nil
}

// --- call logs ---

type callLogDocument struct {
	ID                string        `bson:"_id"`
	Direction         string        `bson:"direction"`
	FromNumber        string        `bson:"from_number,omitempty"`
	ToNumber          string        `bson:"to_number"`
	UserID            string        `bson:"user_id,omitempty"`
	AgentID           string        `bson:"agent_id,omitempty"`
	CampaignID        string        `bson:"campaign_id"`
	ContactID         string        `bson:"contact_id"`
	VendorCallID      string        `bson:"vendor_call_id,omitempty"`
	Status            string        `bson:"status"`
	StartedAt         time.Time     `bson:"started_at"`
	EndedAt           time.Time     `bson:"ended_at,omitempty"`
	DurationSeconds   int64         `bson:"duration_seconds"`
	Transcript        string        `bson:"transcript,omitempty"`
	DetectedVoicemail bool          `bson:"detected_voicemail"`
	RetryOf           string        `bson:"retry_of,omitempty"`
	Cost              campaign.Cost `bson:"cost"`
	CreatedAt         time.Time     `bson:"created_at"`
	UpdatedAt         time.Time     `bson:"updated_at"`
}

func toCallLogDoc(cl *campaign.CallLog) callLogDocument {
	return callLogDocument{
		ID:                cl.ID,
		Direction:         string(cl.Direction),
		FromNumber:        cl.FromNumber,
		ToNumber:          cl.ToNumber,
		UserID:            cl.UserID,
		AgentID:           cl.AgentID,
		CampaignID:        cl.CampaignID,
		ContactID:         cl.ContactID,
		VendorCallID:      cl.VendorCallID,
		Status:            string(cl.Status),
		StartedAt:         cl.StartedAt,
		EndedAt:           cl.EndedAt,
		DurationSeconds:   cl.DurationSeconds,
		Transcript:        cl.Transcript,
		DetectedVoicemail: cl.DetectedVoicemail,
		RetryOf:           cl.RetryOf,
		Cost:              cl.Cost,
		CreatedAt:         cl.CreatedAt,
		UpdatedAt:         cl.UpdatedAt,
	}
}

func fromCallLogDoc(d *callLogDocument) *campaign.CallLog {
	return &campaign.CallLog{
		ID:                d.ID,
		Direction:         campaign.CallDirection(d.Direction),
		FromNumber:        d.FromNumber,
		ToNumber:          d.ToNumber,
		UserID:            d.UserID,
		AgentID:           d.AgentID,
		CampaignID:        d.CampaignID,
		ContactID:         d.ContactID,
		VendorCallID:      d.VendorCallID,
		Status:            campaign.CallStatus(d.Status),
		StartedAt:         d.StartedAt,
		EndedAt:           d.EndedAt,
		DurationSeconds:   d.DurationSeconds,
		Transcript:        d.Transcript,
		DetectedVoicemail: d.DetectedVoicemail,
		RetryOf:           d.RetryOf,
		Cost:              d.Cost,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

// CallLogStore is the MongoDB-backed store.CallLogStore.
type CallLogStore struct {
	coll *mongo.Collection
}

func NewCallLogStore(coll *mongo.Collection) *CallLogStore { return &CallLogStore{coll: coll} }

func (s *CallLogStore) Get(ctx context.Context, id string) (*campaign.CallLog, error) {
	var doc callLogDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get call log %q: %w", id, err)
	}
	return fromCallLogDoc(&doc), nil
}

func (s *CallLogStore) Insert(ctx context.Context, cl *campaign.CallLog) error {
	if _, err := s.coll.InsertOne(ctx, toCallLogDoc(cl)); err != nil {
		return fmt.Errorf("mongo: insert call log %q: %w", cl.ID, err)
	}
	return nil
}

func (s *CallLogStore) Update(ctx context.Context, cl *campaign.CallLog) error {
	opts := options.Replace().SetUpsert(false)
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": cl.ID}, toCallLogDoc(cl), opts)
	if err != nil {
		return fmt.Errorf("mongo: update call log %q: %w", cl.ID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CallLogStore) ListOrphanedBefore(ctx context.Context, campaignID string, cutoff time.Time) ([]*campaign.CallLog, error) {
	filter := bson.M{
		"campaign_id": campaignID,
		"started_at":  bson.M{"$lt": cutoff},
		"status":      bson.M{"$nin": []string{string(campaign.CallCompleted), string(campaign.CallFailed), string(campaign.CallNoAnswer), string(campaign.CallBusy), string(campaign.CallCancelled)}},
	}
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongo: list orphaned call logs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []callLogDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode call logs: %w", err)
	}
	out := make([]*campaign.CallLog, len(docs))
	for i := range docs {
		out[i] = fromCallLogDoc(&docs[i])
	}
	return out, nil
}

func (s *CallLogStore) DeleteByCampaign(ctx context.Context, campaignID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"campaign_id": campaignID}); err != nil {
		return fmt.Errorf("mongo: delete call logs for campaign %q: %w", campaignID, err)
	}
	return nil
}

// --- retry attempts ---

type retryAttemptDocument struct {
	ID                 string    `bson:"_id"`
	CampaignID         string    `bson:"campaign_id"`
	ContactID          string    `bson:"contact_id"`
	OriginatingCallLog string    `bson:"originating_call_log"`
	AttemptNumber      int       `bson:"attempt_number"`
	Reason             string    `bson:"reason"`
	ScheduledFor       time.Time `bson:"scheduled_for"`
	Status             string    `bson:"status"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

func toRetryDoc(r *campaign.RetryAttempt) retryAttemptDocument {
	return retryAttemptDocument{
		ID:                 r.ID,
		CampaignID:         r.CampaignID,
		ContactID:          r.ContactID,
		OriginatingCallLog: r.OriginatingCallLog,
		AttemptNumber:      r.AttemptNumber,
		Reason:             string(r.Reason),
		ScheduledFor:       r.ScheduledFor,
		Status:             string(r.Status),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func fromRetryDoc(d *retryAttemptDocument) *campaign.RetryAttempt {
	return &campaign.RetryAttempt{
		ID:                 d.ID,
		CampaignID:         d.CampaignID,
		ContactID:          d.ContactID,
		OriginatingCallLog: d.OriginatingCallLog,
		AttemptNumber:      d.AttemptNumber,
		Reason:             campaign.FailureCategory(d.Reason),
		ScheduledFor:       d.ScheduledFor,
		Status:             campaign.RetryStatus(d.Status),
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

// RetryAttemptStore is the MongoDB-backed store.RetryAttemptStore.
type RetryAttemptStore struct {
	coll *mongo.Collection
}

func NewRetryAttemptStore(coll *mongo.Collection) *RetryAttemptStore {
	return &RetryAttemptStore{coll: coll}
}

func (s *RetryAttemptStore) Get(ctx context.Context, id string) (*campaign.RetryAttempt, error) {
	var doc retryAttemptDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get retry attempt %q: %w", id, err)
	}
	return fromRetryDoc(&doc), nil
}

func (s *RetryAttemptStore) Insert(ctx context.Context, r *campaign.RetryAttempt) error {
	if _, err := s.coll.InsertOne(ctx, toRetryDoc(r)); err != nil {
		return fmt.Errorf("mongo: insert retry attempt %q: %w", r.ID, err)
	}
	return nil
}

func (s *RetryAttemptStore) Update(ctx context.Context, r *campaign.RetryAttempt) error {
	opts := options.Replace().SetUpsert(false)
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": r.ID}, toRetryDoc(r), opts)
	if err != nil {
		return fmt.Errorf("mongo: update retry attempt %q: %w", r.ID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RetryAttemptStore) ListDue(ctx context.Context, campaignID string, before time.Time, limit int) ([]*campaign.RetryAttempt, error) {
	findOpts := options.Find()
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	filter := bson.M{
		"campaign_id":   campaignID,
		"status":        string(campaign.RetryScheduled),
		"scheduled_for": bson.M{"$lte": before},
	}
	cursor, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list due retry attempts: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []retryAttemptDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode retry attempts: %w", err)
	}
	out := make([]*campaign.RetryAttempt, len(docs))
	for i := range docs {
		out[i] = fromRetryDoc(&docs[i])
	}
	return out, nil
}

func (s *RetryAttemptStore) DeleteByCampaign(ctx context.Context, campaignID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"campaign_id": campaignID}); err != nil {
		return fmt.Errorf("mongo: delete retry attempts for campaign %q: %w", campaignID, err)
	}
	return nil
}

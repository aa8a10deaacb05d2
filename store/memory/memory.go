// Package memory implements store.Store entirely in process memory, for
// unit and property tests that should not depend on a real MongoDB
// instance.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/store"
)

// CampaignStore is an in-memory store.CampaignStore.
type CampaignStore struct {
	mu   sync.Mutex
	data map[string]*campaign.Campaign
}

func NewCampaignStore() *CampaignStore {
	return &CampaignStore{data: make(map[string]*campaign.Campaign)}
}

func (s *CampaignStore) Get(_ context.Context, id string) (*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *CampaignStore) Insert(_ context.Context, c *campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.data[c.ID] = &cp
	return nil
}

func (s *CampaignStore) Update(_ context.Context, c *campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[c.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *c
	s.data[c.ID] = &cp
	return nil
}

func (s *CampaignStore) IncrTotals(_ context.Context, id, field string, delta int64) (*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	switch field {
	case "total":
		c.Totals.TotalContacts += delta
	case "queued":
		c.Totals.Queued += delta
	case "in_progress":
		c.Totals.InProgress += delta
	case "completed":
		c.Totals.Completed += delta
	case "failed":
		c.Totals.Failed += delta
	}
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func (s *CampaignStore) ListActive(_ context.Context) ([]*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*campaign.Campaign
	for _, c := range s.data {
		if c.State == campaign.StateActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *CampaignStore) ListByState(_ context.Context, state campaign.CampaignState) ([]*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*campaign.Campaign
	for _, c := range s.data {
		if c.State == state {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *CampaignStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// ContactStore is an in-memory store.ContactStore.
type ContactStore struct {
	mu   sync.Mutex
	data map[string]*campaign.Contact // keyed by campaignID+":"+contactID
}

func NewContactStore() *ContactStore {
	return &ContactStore{data: make(map[string]*campaign.Contact)}
}

func ckey(campaignID, contactID string) string { return campaignID + ":" + contactID }

func (s *ContactStore) Get(_ context.Context, campaignID, contactID string) (*campaign.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[ckey(campaignID, contactID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *ContactStore) Insert(_ context.Context, c *campaign.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.data[ckey(c.CampaignID, c.ID)] = &cp
	return nil
}

func (s *ContactStore) Update(_ context.Context, c *campaign.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.data[ckey(c.CampaignID, c.ID)] = &cp
	return nil
}

func (s *ContactStore) ListByStatus(_ context.Context, campaignID string, status campaign.ContactStatus, limit int) ([]*campaign.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*campaign.Contact
	for _, c := range s.data {
		if c.CampaignID == campaignID && c.Status == status {
			cp := *c
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *ContactStore) CountByStatus(_ context.Context, campaignID string, status campaign.ContactStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.data {
		if c.CampaignID == campaignID && c.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *ContactStore) DeleteByCampaign(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.data {
		if c.CampaignID == campaignID {
			delete(s.data, k)
		}
	}
	return nil
}

// CallLogStore is an in-memory store.CallLogStore.
type CallLogStore struct {
	mu   sync.Mutex
	data map[string]*campaign.CallLog
}

func NewCallLogStore() *CallLogStore {
	return &CallLogStore{data: make(map[string]*campaign.CallLog)}
}

func (s *CallLogStore) Get(_ context.Context, id string) (*campaign.CallLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *CallLogStore) Insert(_ context.Context, cl *campaign.CallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cl
	s.data[cl.ID] = &cp
	return nil
}

func (s *CallLogStore) Update(_ context.Context, cl *campaign.CallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cl
	s.data[cl.ID] = &cp
	return nil
}

func (s *CallLogStore) ListOrphanedBefore(_ context.Context, campaignID string, cutoff time.Time) ([]*campaign.CallLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*campaign.CallLog
	for _, cl := range s.data {
		if cl.CampaignID == campaignID && !cl.Status.Terminal() && cl.StartedAt.Before(cutoff) {
			cp := *cl
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *CallLogStore) DeleteByCampaign(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, cl := range s.data {
		if cl.CampaignID == campaignID {
			delete(s.data, k)
		}
	}
	return nil
}

// RetryAttemptStore is an in-memory store.RetryAttemptStore.
type RetryAttemptStore struct {
	mu   sync.Mutex
	data map[string]*campaign.RetryAttempt
}

func NewRetryAttemptStore() *RetryAttemptStore {
	return &RetryAttemptStore{data: make(map[string]*campaign.RetryAttempt)}
}

func (s *RetryAttemptStore) Get(_ context.Context, id string) (*campaign.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *RetryAttemptStore) Insert(_ context.Context, r *campaign.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.data[r.ID] = &cp
	return nil
}

func (s *RetryAttemptStore) Update(_ context.Context, r *campaign.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.data[r.ID] = &cp
	return nil
}

func (s *RetryAttemptStore) ListDue(_ context.Context, campaignID string, before time.Time, limit int) ([]*campaign.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*campaign.RetryAttempt
	for _, r := range s.data {
		if r.CampaignID == campaignID && r.Status == campaign.RetryScheduled && !r.ScheduledFor.After(before) {
			cp := *r
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *RetryAttemptStore) DeleteByCampaign(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.data {
		if r.CampaignID == campaignID {
			delete(s.data, k)
		}
	}
	return nil
}

// NewStore builds a store.Store backed entirely by the in-memory
// implementations above.
func NewStore() *store.Store {
	return &store.Store{
		Campaigns: NewCampaignStore(),
		Contacts:  NewContactStore(),
		CallLogs:  NewCallLogStore(),
		Retries:   NewRetryAttemptStore(),
	}
}

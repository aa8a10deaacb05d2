package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/store"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

// getMongoStore builds a store.Store over per-test collections so tests
// cannot observe each other's documents.
func getMongoStore(t *testing.T) *store.Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("campaign_core_test")
	cols := Collections{
		Campaigns: db.Collection(t.Name() + "_campaigns"),
		Contacts:  db.Collection(t.Name() + "_contacts"),
		CallLogs:  db.Collection(t.Name() + "_call_logs"),
		Retries:   db.Collection(t.Name() + "_retry_attempts"),
	}
	ctx := context.Background()
	for _, c := range []*mongo.Collection{cols.Campaigns, cols.Contacts, cols.CallLogs, cols.Retries} {
		require.NoError(t, c.Drop(ctx))
		coll := c
		t.Cleanup(func() { _ = coll.Drop(context.Background()) })
	}
	return NewStore(cols)
}

func TestCampaignRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := getMongoStore(t)

	now := time.Now().Truncate(time.Millisecond).UTC()
	in := &campaign.Campaign{
		ID:      "camp-1",
		OwnerID: "owner-1",
		Name:    "q3-outreach",
		State:   campaign.StateActive,
		Settings: campaign.Settings{
			ConcurrentCallsLimit:  5,
			PriorityMode:          campaign.PriorityPriority,
			ExcludeVoicemail:      true,
			MaxRetryAttempts:      3,
			RetryDelayMinutes:     10,
			HighPriorityThreshold: 5,
		},
		Totals:    campaign.Totals{TotalContacts: 4},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.Campaigns.Insert(ctx, in))

	got, err := st.Campaigns.Get(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, in.Settings, got.Settings)
	require.Equal(t, campaign.StateActive, got.State)

	got.State = campaign.StatePaused
	require.NoError(t, st.Campaigns.Update(ctx, got))
	paused, err := st.Campaigns.ListByState(ctx, campaign.StatePaused)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	active, err := st.Campaigns.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	bumped, err := st.Campaigns.IncrTotals(ctx, "camp-1", "completed", 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), bumped.Totals.Completed)

	require.NoError(t, st.Campaigns.Delete(ctx, "camp-1"))
	_, err = st.Campaigns.Get(ctx, "camp-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestContactRoundTripAndStatusQueries(t *testing.T) {
	ctx := context.Background()
	st := getMongoStore(t)

	for i, status := range []campaign.ContactStatus{campaign.ContactPending, campaign.ContactPending, campaign.ContactCompleted} {
		require.NoError(t, st.Contacts.Insert(ctx, &campaign.Contact{
			ID:          fmt.Sprintf("c%d", i),
			CampaignID:  "camp-1",
			PhoneNumber: "+14155550101",
			Status:      status,
			Priority:    i,
			Metadata:    map[string]string{"source": "import"},
		}))
	}

	pending, err := st.Contacts.ListByStatus(ctx, "camp-1", campaign.ContactPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	n, err := st.Contacts.CountByStatus(ctx, "camp-1", campaign.ContactCompleted)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := st.Contacts.Get(ctx, "camp-1", "c0")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"source": "import"}, got.Metadata)
	got.Status = campaign.ContactQueued
	require.NoError(t, st.Contacts.Update(ctx, got))

	require.NoError(t, st.Contacts.DeleteByCampaign(ctx, "camp-1"))
	_, err = st.Contacts.Get(ctx, "camp-1", "c0")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCallLogListOrphanedBefore(t *testing.T) {
	ctx := context.Background()
	st := getMongoStore(t)

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, st.CallLogs.Insert(ctx, &campaign.CallLog{
		ID: "call-stuck", CampaignID: "camp-1", ContactID: "c1",
		Status: campaign.CallInProgress, StartedAt: old,
	}))
	require.NoError(t, st.CallLogs.Insert(ctx, &campaign.CallLog{
		ID: "call-done", CampaignID: "camp-1", ContactID: "c2",
		Status: campaign.CallCompleted, StartedAt: old,
	}))
	require.NoError(t, st.CallLogs.Insert(ctx, &campaign.CallLog{
		ID: "call-fresh", CampaignID: "camp-1", ContactID: "c3",
		Status: campaign.CallRinging, StartedAt: time.Now(),
	}))

	orphans, err := st.CallLogs.ListOrphanedBefore(ctx, "camp-1", time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "call-stuck", orphans[0].ID)
}

func TestRetryAttemptListDue(t *testing.T) {
	ctx := context.Background()
	st := getMongoStore(t)

	require.NoError(t, st.Retries.Insert(ctx, &campaign.RetryAttempt{
		ID: "r1", CampaignID: "camp-1", ContactID: "c1",
		Status: campaign.RetryScheduled, ScheduledFor: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, st.Retries.Insert(ctx, &campaign.RetryAttempt{
		ID: "r2", CampaignID: "camp-1", ContactID: "c2",
		Status: campaign.RetryScheduled, ScheduledFor: time.Now().Add(time.Hour),
	}))

	due, err := st.Retries.ListDue(ctx, "camp-1", time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "r1", due[0].ID)

	got, err := st.Retries.Get(ctx, "r1")
	require.NoError(t, err)
	got.Status = campaign.RetryCompleted
	require.NoError(t, st.Retries.Update(ctx, got))
}

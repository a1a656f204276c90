package serve

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyops/parley"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBotMemoryRoundTrip(t *testing.T) {
	store := openStore(t)

	if err := store.SetBotMemory("support", "greeting", parley.S("hello")); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces.
	if err := store.SetBotMemory("support", "greeting", parley.S("hi there")); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetBotMemory("support", "greeting")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text() != "hi there" {
		t.Errorf("got %q, want %q", got.Text(), "hi there")
	}

	miss, err := store.GetBotMemory("support", "absent")
	if err != nil {
		t.Fatal(err)
	}
	if !miss.IsNull() {
		t.Errorf("miss = %v, want Null", miss)
	}
}

func TestBotMemoryPreservesStructure(t *testing.T) {
	store := openStore(t)

	v := parley.M(map[string]parley.Value{
		"items": parley.Arr(parley.S("a"), parley.N(2)),
	})
	if err := store.SetBotMemory("b", "k", v); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetBotMemory("b", "k")
	if err != nil {
		t.Fatal(err)
	}
	items := got.Index(parley.S("items"))
	if items.Len() != 2 {
		t.Fatalf("items len = %d, want 2", items.Len())
	}
	if items.Index(parley.N(1)).Text() != "2" {
		t.Errorf("items[1] = %q, want 2", items.Index(parley.N(1)).Text())
	}
}

func TestUserMemoryClear(t *testing.T) {
	store := openStore(t)

	store.SetUserMemory("u1", "name", parley.S("Ada"))
	store.SetUserMemory("u1", "lang", parley.S("en"))
	store.SetUserMemory("u2", "name", parley.S("Grace"))

	if err := store.ClearUserMemory("u1"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetUserMemory("u1", "name")
	if !got.IsNull() {
		t.Errorf("u1 name survived clear: %v", got)
	}
	got, _ = store.GetUserMemory("u2", "name")
	if got.Text() != "Grace" {
		t.Errorf("u2 name = %q, want Grace", got.Text())
	}
}

func TestEphemeralMemoryExpiry(t *testing.T) {
	store := openStore(t)

	store.Remember("u1", "support", "otp", parley.S("1234"), time.Hour)
	got, err := store.Recall("u1", "support", "otp")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text() != "1234" {
		t.Errorf("recall = %q, want 1234", got.Text())
	}

	// An already expired entry reads as Null and is removed.
	store.Remember("u1", "support", "stale", parley.S("x"), -time.Second)
	got, err = store.Recall("u1", "support", "stale")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsNull() {
		t.Errorf("expired recall = %v, want Null", got)
	}

	if err := store.Forget("u1", "support", "otp"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Recall("u1", "support", "otp")
	if !got.IsNull() {
		t.Errorf("forgot entry still present: %v", got)
	}
}

func TestEphemeralDoesNotShadowPermanent(t *testing.T) {
	store := openStore(t)

	store.SetUserMemory("u1", "name", parley.S("Ada"))
	store.Remember("u1", "support", "name", parley.S("temp"), time.Hour)

	got, _ := store.GetUserMemory("u1", "name")
	if got.Text() != "Ada" {
		t.Errorf("permanent name = %q, want Ada", got.Text())
	}
}

func TestWebhookEndpoints(t *testing.T) {
	store := openStore(t)

	store.UpsertWebhookEndpoint("support", "order-update", "orders")
	store.UpsertWebhookEndpoint("support", "refund", "refunds")
	// Same endpoint name re-registers rather than duplicating.
	store.UpsertWebhookEndpoint("support", "order-update", "orders-v2")

	eps, err := store.ListWebhookEndpoints("support")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(eps))
	}
	if eps[0].Endpoint != "order-update" || eps[0].Script != "orders-v2" {
		t.Errorf("endpoint[0] = %+v", eps[0])
	}
}

func TestScheduledJobs(t *testing.T) {
	store := openStore(t)

	job := ScheduledJob{BotID: "support", Name: "digest", Cron: "0 9 * * *", Script: "digest", Enabled: true}
	if err := store.UpsertScheduledJob(job); err != nil {
		t.Fatal(err)
	}

	jobs, err := store.ListScheduledJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Cron != "0 9 * * *" {
		t.Fatalf("jobs = %+v", jobs)
	}

	if err := store.DeleteScheduledJob("support", "digest"); err != nil {
		t.Fatal(err)
	}
	jobs, _ = store.ListScheduledJobs()
	if len(jobs) != 0 {
		t.Fatalf("jobs after delete = %+v", jobs)
	}
}

func TestEnvelopeLogAndPrune(t *testing.T) {
	store := openStore(t)

	env := parley.NewEnvelope("triage", "billing", parley.TypeDelegate, parley.S("check invoice"))
	env.SessionID = "sess-1"
	if err := store.InsertEnvelope(env); err != nil {
		t.Fatal(err)
	}
	// Duplicate IDs are ignored, not an error.
	if err := store.InsertEnvelope(env); err != nil {
		t.Fatal(err)
	}

	envs, err := store.ListEnvelopes("sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	got := envs[0]
	if got.From != "triage" || got.To != "billing" || got.Type != parley.TypeDelegate {
		t.Errorf("envelope = %+v", got)
	}
	if got.Payload.Text() != "check invoice" {
		t.Errorf("payload = %q", got.Payload.Text())
	}
	if got.CorrelationID != env.CorrelationID {
		t.Errorf("correlation = %q, want %q", got.CorrelationID, env.CorrelationID)
	}

	n, err := store.PruneEnvelopes(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	envs, _ = store.ListEnvelopes("sess-1", 10)
	if len(envs) != 0 {
		t.Errorf("envelopes after prune = %+v", envs)
	}
}

func TestInsightLatest(t *testing.T) {
	store := openStore(t)

	_, ok, err := store.LatestInsight("support", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no insight before save")
	}

	first := parley.Insight{
		BotID: "support", SessionID: "sess-1",
		Score: 0.4, Issues: []string{"slow"}, ComputedAt: time.Now().Add(-time.Hour),
	}
	second := parley.Insight{
		BotID: "support", SessionID: "sess-1",
		Score: 0.9, Suggestions: []string{"keep it up"}, ComputedAt: time.Now(),
	}
	if err := store.SaveInsight(first); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveInsight(second); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.LatestInsight("support", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected an insight")
	}
	if got.Score != 0.9 {
		t.Errorf("score = %v, want 0.9", got.Score)
	}
	if len(got.Suggestions) != 1 || got.Suggestions[0] != "keep it up" {
		t.Errorf("suggestions = %v", got.Suggestions)
	}
}

//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulksms/internal/enqueue"
	"bulksms/internal/httpserver"
	"bulksms/internal/ledger"
	"bulksms/internal/providers/mitto"
	sqsqueue "bulksms/internal/queue/sqs"
	"bulksms/internal/reconcile"
	"bulksms/internal/replay"
	"bulksms/internal/store/pg"
	workerproc "bulksms/internal/worker"
)

type collectQueue struct {
	jobs [][]string
}

func (q *collectQueue) EnqueueBatch(ctx context.Context, campaignID, ownerID string, messageIDs []string) (string, error) {
	q.jobs = append(q.jobs, messageIDs)
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

type fakeMittoSender struct {
	calls int
}

func (f *fakeMittoSender) BulkSend(ctx context.Context, messages []mitto.BulkMessage) (mitto.BulkOutcome, int, error) {
	f.calls++
	out := mitto.BulkOutcome{BulkID: "blk1"}
	for i, m := range messages {
		out.Results = append(out.Results, mitto.BulkResult{
			InternalRef:       m.Reference,
			Accepted:          true,
			ProviderMessageID: fmt.Sprintf("mt%03d", i+1),
		})
	}
	return out, 200, nil
}

func TestEnqueueFanOutAndIdempotency(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	led := ledger.New(db)
	ownerID := "o1"
	campaignID := "cmp-1"

	seedOwner(t, db, ownerID, 100)
	seedCampaign(t, db, campaignID, ownerID, "list-1", "service", "hi {name}")
	seedContacts(t, db, ownerID, "list-1", 5)

	q := &collectQueue{}
	svc := &enqueue.Service{Store: store, Queue: q, Billing: led, BatchSize: 2}

	res, err := svc.Enqueue(ctx, campaignID, ownerID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.Created != 5 {
		t.Fatalf("expected 5 messages, got %d", res.Created)
	}
	if len(q.jobs) != 3 {
		t.Fatalf("expected 3 batch jobs, got %d", len(q.jobs))
	}
	assertCampaignStatusDB(t, db, campaignID, "sending")

	// one reservation unit per recipient
	var reserved int64
	err = db.QueryRow(ctx, `
		SELECT allowance_units + credit_units FROM credit_reservations
		WHERE owner_id=$1 AND campaign_id=$2
	`, ownerID, campaignID).Scan(&reserved)
	if err != nil {
		t.Fatalf("select reservation: %v", err)
	}
	if reserved != 5 {
		t.Fatalf("expected 5 units reserved, got %d", reserved)
	}

	// second enqueue writes no new rows; still-queued rows get their jobs
	// re-submitted, which the claim token protocol dedupes at claim time
	res, err = svc.Enqueue(ctx, campaignID, ownerID)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if !res.AlreadyHandled || res.Created != 0 {
		t.Fatalf("second enqueue result: %+v", res)
	}
	var rows int
	if err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_messages WHERE campaign_id=$1
	`, campaignID).Scan(&rows); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if rows != 5 {
		t.Fatalf("expected 5 message rows after re-enqueue, got %d", rows)
	}
}

func TestClaimBatchAtMostOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	ownerID := "o2"
	campaignID := "cmp-2"

	seedOwner(t, db, ownerID, 100)
	seedCampaign(t, db, campaignID, ownerID, "list-2", "service", "hi")
	setCampaignStatus(t, db, campaignID, "sending")
	ids := seedQueuedMessages(t, db, campaignID, ownerID, 3)

	first, err := store.ClaimBatch(ctx, ids, campaignID, ownerID, "tok-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(first))
	}

	second, err := store.ClaimBatch(ctx, ids, campaignID, ownerID, "tok-b", time.Now().UTC())
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected 0 claimed by the loser, got %d", len(second))
	}

	re, err := store.MessagesByClaimToken(ctx, "tok-a")
	if err != nil {
		t.Fatalf("by token: %v", err)
	}
	if len(re) != 3 {
		t.Fatalf("expected claim re-found by token, got %d", len(re))
	}
}

func TestWorkerSubmitsOnceAndBillsOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	led := ledger.New(db)
	ownerID := "o3"
	campaignID := "cmp-3"

	seedOwner(t, db, ownerID, 100)
	seedCampaign(t, db, campaignID, ownerID, "list-3", "service", "hi")
	setCampaignStatus(t, db, campaignID, "sending")
	ids := seedQueuedMessages(t, db, campaignID, ownerID, 2)

	sender := &fakeMittoSender{}
	p := &workerproc.Processor{Store: store, Sender: sender, Billing: led}

	job := sendBatchJob("job-once", campaignID, ownerID, ids)
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected one provider call, got %d", sender.calls)
	}
	for _, id := range ids {
		assertMessageStatusDB(t, db, id, "submitted")
		assertBillingStatusDB(t, db, id, "paid")
	}

	// redelivery of the same job must not call the provider again
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("redelivered process: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("redelivery re-sent: %d provider calls", sender.calls)
	}

	var entries int
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE owner_id=$1 AND entry_type='consume'
	`, ownerID).Scan(&entries)
	if err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entries != 2 {
		t.Fatalf("expected 2 consume entries, got %d", entries)
	}
}

func TestWebhookDLRIdempotent(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	ownerID := "o4"
	campaignID := "cmp-4"

	seedOwner(t, db, ownerID, 100)
	seedCampaign(t, db, campaignID, ownerID, "list-4", "service", "hi")
	setCampaignStatus(t, db, campaignID, "sending")
	ids := seedQueuedMessages(t, db, campaignID, ownerID, 1)

	now := time.Now().UTC()
	claimed, err := store.ClaimBatch(ctx, ids, campaignID, ownerID, "tok-wh", now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if _, err := store.MarkSubmitted(ctx, ids[0], "tok-wh", "mt-wh-1", "blk1", now); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}

	secret := "test_secret"
	wh := &httpserver.Webhook{
		Store:           store,
		Guard:           replay.New(store),
		Secret:          secret,
		VerifySignature: mitto.VerifySignature,
		EventIDBucket:   time.Minute,
	}
	router := mux.NewRouter()
	wh.Register(router)

	body := []byte(`{"events":[{"eventId":"evt-1","messageId":"mt-wh-1","status":"delivered","statusCode":"DELIVRD","timestamp":"` + now.Format(time.RFC3339) + `"}]}`)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/mitto/dlr", strings.NewReader(string(body)))
		req.Header.Set("X-Mitto-Signature", mitto.Sign(secret, body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("receipt %d: expected 200, got %d", i, rr.Code)
		}
	}

	assertMessageStatusDB(t, db, ids[0], "delivered")

	var events int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected one recorded event, got %d", events)
	}
}

func TestWatchdogResolvesStaleClaims(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	ownerID := "o5"
	campaignID := "cmp-5"

	seedOwner(t, db, ownerID, 100)
	seedCampaign(t, db, campaignID, ownerID, "list-5", "service", "hi")
	setCampaignStatus(t, db, campaignID, "sending")
	ids := seedQueuedMessages(t, db, campaignID, ownerID, 2)

	stale := time.Now().UTC().Add(-time.Hour)
	if _, err := store.ClaimBatch(ctx, ids, campaignID, ownerID, "tok-dead", stale); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// first row got a provider id before the worker died
	_, err := db.Exec(ctx, `UPDATE campaign_messages SET provider_msg_id='mt-dead-1' WHERE id=$1`, ids[0])
	if err != nil {
		t.Fatalf("set provider id: %v", err)
	}

	wd := &reconcile.Watchdog{Store: store, StaleAfter: 10 * time.Minute}
	if err := wd.Run(ctx); err != nil {
		t.Fatalf("watchdog: %v", err)
	}

	assertMessageStatusDB(t, db, ids[0], "submitted")
	assertMessageStatusDB(t, db, ids[1], "unknown")
}

// --- seed and assert helpers ---

func TestTerminalCampaignReleasesReservation(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	led := ledger.New(db)
	store.Billing = led
	ownerID := "o5"
	campaignID := "cmp-rel"

	seedOwner(t, db, ownerID, 10)
	seedCampaign(t, db, campaignID, ownerID, "list-5", "service", "hi")
	setCampaignStatus(t, db, campaignID, "sending")
	seedQueuedMessages(t, db, campaignID, ownerID, 3)

	if _, err := led.Reserve(ctx, ownerID, campaignID, 3, time.Now().UTC()); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// every row fails before acceptance, so nothing consumes the reservation
	if _, err := db.Exec(ctx, `
		UPDATE campaign_messages SET status='failed', failed_at=NOW() WHERE campaign_id=$1
	`, campaignID); err != nil {
		t.Fatalf("fail messages: %v", err)
	}

	if err := store.RecomputeAggregates(ctx, campaignID, ownerID, time.Now().UTC()); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	assertCampaignStatusDB(t, db, campaignID, "failed")

	var resStatus string
	if err := db.QueryRow(ctx, `
		SELECT status FROM credit_reservations WHERE owner_id=$1 AND campaign_id=$2
	`, ownerID, campaignID).Scan(&resStatus); err != nil {
		t.Fatalf("select reservation: %v", err)
	}
	if resStatus != "released" {
		t.Fatalf("reservation status = %s, want released", resStatus)
	}

	var credits int64
	if err := db.QueryRow(ctx, `
		SELECT credit_balance FROM billing_accounts WHERE owner_id=$1
	`, ownerID).Scan(&credits); err != nil {
		t.Fatalf("select balance: %v", err)
	}
	if credits != 10 {
		t.Fatalf("credit balance = %d, want the full 10 back", credits)
	}
}

func sendBatchJob(jobID, campaignID, ownerID string, ids []string) sqsqueue.BatchJob {
	return sqsqueue.BatchJob{
		Kind:       sqsqueue.JobKindSendBatch,
		JobID:      jobID,
		CampaignID: campaignID,
		OwnerID:    ownerID,
		MessageIDs: ids,
	}
}

func seedOwner(t *testing.T, db *pgxpool.Pool, ownerID string, credits int64) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO billing_accounts (owner_id, allowance_remaining, credit_balance)
		VALUES ($1, 0, $2)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID, credits)
	if err != nil {
		t.Fatalf("seed owner: %v", err)
	}
}

func seedCampaign(t *testing.T, db *pgxpool.Pool, id, ownerID, listID, kind, text string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO campaigns (id, owner_id, name, kind, status, message_text, list_id)
		VALUES ($1,$2,$1,$3,'draft',$4,$5)
	`, id, ownerID, kind, text, listID)
	if err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
}

func setCampaignStatus(t *testing.T, db *pgxpool.Pool, id, status string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `UPDATE campaigns SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		t.Fatalf("set campaign status: %v", err)
	}
}

func seedContacts(t *testing.T, db *pgxpool.Pool, ownerID, listID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		contactID := fmt.Sprintf("%s-c%d", listID, i)
		_, err := db.Exec(context.Background(), `
			INSERT INTO contacts (id, owner_id, phone, vars_json, is_subscribed)
			VALUES ($1,$2,$3,'{"name":"x"}',TRUE)
		`, contactID, ownerID, fmt.Sprintf("+1555000%04d", i))
		if err != nil {
			t.Fatalf("seed contact: %v", err)
		}
		_, err = db.Exec(context.Background(), `
			INSERT INTO list_memberships (list_id, contact_id) VALUES ($1,$2)
		`, listID, contactID)
		if err != nil {
			t.Fatalf("seed membership: %v", err)
		}
	}
}

func seedQueuedMessages(t *testing.T, db *pgxpool.Pool, campaignID, ownerID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-m%d", campaignID, i)
		_, err := db.Exec(context.Background(), `
			INSERT INTO campaign_messages (id, campaign_id, owner_id, contact_id, to_phone, text, status, billing_status)
			VALUES ($1,$2,$3,$4,$5,'hi','queued','pending')
		`, id, campaignID, ownerID, fmt.Sprintf("c%d", i), fmt.Sprintf("+1555111%04d", i))
		if err != nil {
			t.Fatalf("seed message: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func assertMessageStatusDB(t *testing.T, db *pgxpool.Pool, id, want string) {
	t.Helper()
	var got string
	if err := db.QueryRow(context.Background(), `SELECT status FROM campaign_messages WHERE id=$1`, id).Scan(&got); err != nil {
		t.Fatalf("select status: %v", err)
	}
	if got != want {
		t.Fatalf("message %s: expected status %s, got %s", id, want, got)
	}
}

func assertBillingStatusDB(t *testing.T, db *pgxpool.Pool, id, want string) {
	t.Helper()
	var got string
	if err := db.QueryRow(context.Background(), `SELECT billing_status FROM campaign_messages WHERE id=$1`, id).Scan(&got); err != nil {
		t.Fatalf("select billing status: %v", err)
	}
	if got != want {
		t.Fatalf("message %s: expected billing %s, got %s", id, want, got)
	}
}

func assertCampaignStatusDB(t *testing.T, db *pgxpool.Pool, id, want string) {
	t.Helper()
	var got string
	if err := db.QueryRow(context.Background(), `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&got); err != nil {
		t.Fatalf("select campaign status: %v", err)
	}
	if got != want {
		t.Fatalf("campaign %s: expected %s, got %s", id, want, got)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	apikeyrepo "github.com/metergate/metergate/internal/apikey/repository"
	apikeyservice "github.com/metergate/metergate/internal/apikey/service"
	"github.com/metergate/metergate/internal/billing"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/entitlement"
	"github.com/metergate/metergate/internal/locking"
	"github.com/metergate/metergate/internal/observability"
	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
	subscriptionrepo "github.com/metergate/metergate/internal/subscription/repository"
	subscriptionservice "github.com/metergate/metergate/internal/subscription/service"
	"github.com/metergate/metergate/internal/subscription/verifier"
	"github.com/metergate/metergate/internal/tier"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	usagerepo "github.com/metergate/metergate/internal/usage/repository"
	usageservice "github.com/metergate/metergate/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

var testDBSeq atomic.Int64

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv   *Server
	clock *clock.FakeClock
}

func newFixture(t *testing.T, overrides []string) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&apikeydomain.Key{},
		&usagedomain.Period{},
		&usagedomain.Receipt{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.EventRecord{},
	))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	catalog, err := tier.Build(overrides)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	keysRepo := apikeyrepo.Provide()

	keys := apikeyservice.New(apikeyservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    keysRepo,
		Catalog: catalog,
		Clock:   fake,
	})
	usage := usageservice.New(usageservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  usagerepo.Provide(),
		Clock: fake,
	})
	gate := entitlement.New(entitlement.Params{
		Log:     log,
		Keys:    keys,
		Usage:   usage,
		Catalog: catalog,
		Clock:   fake,
	})
	billingSvc := billing.New(billing.Params{
		Log:     log,
		Keys:    keys,
		Usage:   usage,
		Catalog: catalog,
		Clock:   fake,
	})
	subs := subscriptionservice.New(subscriptionservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Repo:       subscriptionrepo.Provide(),
		Keys:       keysRepo,
		Catalog:    catalog,
		Clock:      fake,
		Serializer: locking.NewSerializer(nil),
	})

	srv := NewServer(ServerParams{
		Gin:        NewEngine(observability.Config{}),
		Cfg:        config.Config{Environment: "test"},
		Log:        log,
		KeySvc:     keys,
		UsageSvc:   usage,
		BillingSvc: billingSvc,
		Gate:       gate,
		SubSvc:     subs,
		Verifier:   verifier.New(webhookSecret, 5*time.Minute, fake),
		Catalog:    catalog,
		Clock:      fake,
	})
	return &fixture{srv: srv, clock: fake}
}

func (f *fixture) do(t *testing.T, method, path, token string, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) issueToken(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/keys", "", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var issued struct {
		Token string `json:"token"`
		Tier  string `json:"tier"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	require.Equal(t, tier.TierFree, issued.Tier)
	return issued.Token
}

func (f *fixture) signedWebhook(t *testing.T, provider, payload string) *httptest.ResponseRecorder {
	t.Helper()
	header := verifier.Sign(webhookSecret, f.clock.Now(), []byte(payload))
	return f.do(t, http.MethodPost, "/api/billing/webhooks/"+provider, "", payload, map[string]string{
		verifier.SignatureHeader: header,
	})
}

func checkoutPayload(eventID, subID, tierName string, created int64) string {
	return fmt.Sprintf(
		`{"id":%q,"type":"checkout.session.completed","created":%d,"data":{"object":{"subscription":%q,"tier":%q,"status":"active","current_period_end":%d}}}`,
		eventID, created, subID, tierName, created+30*24*3600,
	)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateKeyReturnsTokenOnce(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/keys", "", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var issued struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.True(t, strings.HasPrefix(issued.Token, "mg_live_"), "token %q", issued.Token)
}

func TestUsageRequiresAuth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/usage", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/usage", "mg_live_"+strings.Repeat("0", 64), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUsageStats(t *testing.T) {
	f := newFixture(t, nil)
	token := f.issueToken(t)

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodGet, "/api/v1/entitlement", token, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/usage", token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats usagedomain.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "2026-03", stats.Period)
	assert.EqualValues(t, 3, stats.TotalRequests)
	assert.EqualValues(t, 100, stats.MonthlyLimit)

	rec = f.do(t, http.MethodGet, "/api/usage?period=bogus", token, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMeteredEndpointEnforcesHardCap(t *testing.T) {
	f := newFixture(t, []string{"free:2:true:0:0:0"})
	token := f.issueToken(t)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/api/v1/entitlement", token, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)

		var decision entitlement.Decision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
		assert.True(t, decision.Allowed)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/entitlement", token, "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2026-04-01T00:00:00Z", rec.Header().Get("X-Quota-Reset"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMeteredEndpointRejectsUnknownToken(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/entitlement", "nonsense", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBillingSummary(t *testing.T) {
	f := newFixture(t, []string{"pro:5:false:900:100:1000"})

	// Checkout provisions the pro key; the webhook is the only paid path.
	rec := f.signedWebhook(t, "stripe", checkoutPayload("evt_1", "sub_123", tier.TierPro, f.clock.Now().Unix()))
	require.Equal(t, http.StatusOK, rec.Code)

	// The minted token never leaves the store, so meter through a free key
	// instead and read its summary.
	token := f.issueToken(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/entitlement", token, "", nil).Code)
	}

	rec = f.do(t, http.MethodGet, "/api/billing/summary", token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary billing.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, tier.TierFree, summary.Tier)
	assert.EqualValues(t, 3, summary.RequestCount)
	assert.Zero(t, summary.TotalCents)
}

func TestWebhookLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	created := f.clock.Now().Unix()

	rec := f.signedWebhook(t, "stripe", checkoutPayload("evt_1", "sub_123", tier.TierPro, created))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"applied"}`, rec.Body.String())

	// Redelivery acks without a second application.
	rec = f.signedWebhook(t, "stripe", checkoutPayload("evt_1", "sub_123", tier.TierPro, created))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, rec.Body.String())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	payload := checkoutPayload("evt_1", "sub_123", tier.TierPro, f.clock.Now().Unix())

	rec := f.do(t, http.MethodPost, "/api/billing/webhooks/stripe", "", payload, map[string]string{
		verifier.SignatureHeader: verifier.Sign("whsec_wrong", f.clock.Now(), []byte(payload)),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/billing/webhooks/stripe", "", payload, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.signedWebhook(t, "stripe", `{"id":"evt_1","type":"invoice.paid"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.signedWebhook(t, "stripe", checkoutPayload("evt_2", "sub_123", "platinum", f.clock.Now().Unix()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeactivateKey(t *testing.T) {
	f := newFixture(t, nil)
	token := f.issueToken(t)

	rec := f.do(t, http.MethodDelete, "/api/keys", token, "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/usage", token, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/entitlement", token, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/corvid/backend/internal/metrics"
	"github.com/OFFIS-RIT/corvid/backend/internal/queue"
	mid "github.com/OFFIS-RIT/corvid/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/config"
	"github.com/OFFIS-RIT/corvid/backend/pkg/pipeline"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store/memory"
)

var (
	secret = []byte("test-secret")
	now    = time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC)
)

type fakeQueue struct {
	keys   []string
	bodies [][]byte
}

func (f *fakeQueue) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, msg.Body)
	return nil
}

type fakeArtifacts struct {
	deleted []string
}

func (*fakeArtifacts) ListRun(_ context.Context, runID string) ([]string, error) {
	if runID == "missing" {
		return nil, errors.New("boom")
	}
	return []string{"runs/" + runID + "/graph.json", "runs/" + runID + "/summary.json"}, nil
}

func (*fakeArtifacts) DownloadLink(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.example/" + key, nil
}

func (f *fakeArtifacts) DeleteRun(_ context.Context, runID string) error {
	f.deleted = append(f.deleted, runID)
	return nil
}

func testApp(t *testing.T) (*mid.App, *memory.Store, *fakeQueue) {
	t.Helper()
	repo := memory.New()
	repo.Seed(memory.Fixture{
		Sources: []common.SourceNode{
			{ID: "s1", Name: "Seed", Platform: "telegram", Seed: true},
			{ID: "s2", Name: "Relay", Platform: "telegram"},
		},
		Events: []common.EventRecord{
			{ID: "e1", Title: "Drone over airport", Timestamp: now.Add(-2 * time.Hour), Confidence: 0.8},
		},
		Relations: []common.SocialRelation{
			{FromSourceID: "s1", ToSourceID: "s2", Kind: common.RelationForward, Count: 3},
		},
	})
	r, err := pipeline.NewRunner(repo, config.Default(), nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), now)
	require.NoError(t, err)

	// an evidence record pointing at the event
	rec := common.NewCorrelation(common.SourceRef("s2"), common.EventRef("e1"), common.CorrelationTemporal, 0.9, 0.7,
		common.TemporalOf(common.TemporalEvidence{ZScore: 4}), time.Minute, now)
	require.NoError(t, repo.UpsertCorrelation(context.Background(), rec))

	q := &fakeQueue{}
	app := &mid.App{
		Repo:      repo,
		Config:    config.Default(),
		Queue:     q,
		Artifacts: &fakeArtifacts{},
		Metrics:   metrics.New(),
		Now:       func() time.Time { return now },
		Keyfunc: func(*jwt.Token) (any, error) {
			return secret, nil
		},
		MasterAPIKey:   "master",
		MasterUserID:   "root",
		MasterUserRole: "admin",
	}
	return app, repo, q
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, app *mid.App, method, target, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := New(app)
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	app, _, _ := testApp(t)
	assert.Equal(t, http.StatusOK, do(t, app, "GET", "/health", "", "").Code)

	rec := do(t, app, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "corvid_runs_total")
}

func TestAuth(t *testing.T) {
	app, _, _ := testApp(t)
	tests := []struct {
		name   string
		bearer string
		want   int
	}{
		{name: "no token", want: http.StatusUnauthorized},
		{name: "garbage", bearer: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "expired", bearer: token(t, jwt.MapClaims{"id": "u1", "permissions": []string{mid.PermViewAnalysis}, "exp": time.Now().Add(-time.Hour).Unix()}), want: http.StatusUnauthorized},
		{name: "missing id", bearer: token(t, jwt.MapClaims{"permissions": []string{mid.PermViewAnalysis}}), want: http.StatusUnauthorized},
		{name: "missing permission", bearer: token(t, jwt.MapClaims{"id": "u1"}), want: http.StatusForbidden},
		{name: "granted", bearer: token(t, jwt.MapClaims{"id": 7, "permissions": []string{mid.PermViewAnalysis}}), want: http.StatusOK},
		{name: "admin gets all", bearer: token(t, jwt.MapClaims{"id": "u1", "role": "admin"}), want: http.StatusOK},
		{name: "master key", bearer: "master", want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, app, "GET", "/api/priorities", tc.bearer, "")
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestEventCorrelations(t *testing.T) {
	app, _, _ := testApp(t)
	rec := do(t, app, "GET", "/api/events/e1/correlations", "master", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		EventID      string                     `json:"event_id"`
		Correlations []common.CorrelationRecord `json:"correlations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "e1", body.EventID)
	require.Len(t, body.Correlations, 1)
	assert.Equal(t, common.CorrelationTemporal, body.Correlations[0].Type)

	rec = do(t, app, "GET", "/api/events/e1/correlations?type=social", "master", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"correlations":[]`)

	rec = do(t, app, "GET", "/api/events/e1/correlations?min_confidence=3", "master", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, app, "GET", "/api/events/e1/correlations?type=bogus", "master", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraphExport(t *testing.T) {
	app, _, _ := testApp(t)
	rec := do(t, app, "GET", "/api/graph?format=graphml", "master", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/graphml+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "source:s1")

	rec = do(t, app, "GET", "/api/graph?format=dot", "master", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, app, "GET", "/api/graph?at=yesterday", "master", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPriorities(t *testing.T) {
	app, _, _ := testApp(t)
	rec := do(t, app, "GET", "/api/priorities", "master", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Seeds      []string `json:"seeds"`
		Priorities []struct {
			NodeID string `json:"node_id"`
			Tier   string `json:"tier"`
		} `json:"priorities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{common.SourceRef("s1")}, body.Seeds)
	assert.NotEmpty(t, body.Priorities)

	assert.Equal(t, http.StatusBadRequest, do(t, app, "GET", "/api/priorities?tier=tier_9", "master", "").Code)
}

func TestCreateJob(t *testing.T) {
	app, _, q := testApp(t)
	rec := do(t, app, "POST", "/api/jobs", "master", `{"seeds":["s2"],"formats":["graphml"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, q.bodies, 1)
	assert.Equal(t, queue.AnalysisQueue, q.keys[0])
	job, err := queue.DecodeJob(q.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, now, job.RunAt)
	assert.Equal(t, []string{"s2"}, job.Seeds)
	assert.Equal(t, "root", job.RequestedBy)

	rec = do(t, app, "POST", "/api/jobs", "master", `{"formats":["dot"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkFalsePositive(t *testing.T) {
	app, repo, _ := testApp(t)
	rec := do(t, app, "PATCH", "/api/events/e1/false-positive", "master", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ev, ok := repo.Event("e1")
	require.True(t, ok)
	assert.Equal(t, common.EventStatusFalsePositive, ev.Status)

	assert.Equal(t, http.StatusNotFound, do(t, app, "PATCH", "/api/events/nope/false-positive", "master", "").Code)

	dup := common.EventRecord{ID: "e9", Title: "Drone over airport", Timestamp: now.Add(-time.Hour), Status: common.EventStatusDuplicate, DuplicateOf: "e1"}
	repo.Seed(memory.Fixture{Events: []common.EventRecord{dup}})
	assert.Equal(t, http.StatusConflict, do(t, app, "PATCH", "/api/events/e9/false-positive", "master", "").Code)
}

func TestArtifacts(t *testing.T) {
	app, _, _ := testApp(t)
	rec := do(t, app, "GET", "/api/runs/r1/artifacts", "master", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"run_id":"r1","artifacts":["graph.json","summary.json"]}`, rec.Body.String())

	rec = do(t, app, "GET", "/api/runs/r1/artifacts/graph.json", "master", "")
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://files.example/runs/r1/graph.json", rec.Header().Get("Location"))

	assert.Equal(t, http.StatusInternalServerError, do(t, app, "GET", "/api/runs/missing/artifacts", "master", "").Code)
}

func TestDeleteArtifactsRequiresAdmin(t *testing.T) {
	app, _, _ := testApp(t)
	viewer := token(t, jwt.MapClaims{"id": "u1", "permissions": []string{mid.PermViewArtifact}})

	assert.Equal(t, http.StatusForbidden, do(t, app, "DELETE", "/api/runs/r1/artifacts", viewer, "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, app, "DELETE", "/api/runs/r1/artifacts", "master", "").Code)
	assert.Equal(t, []string{"r1"}, app.Artifacts.(*fakeArtifacts).deleted)
}

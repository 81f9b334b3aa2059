package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"github.com/mmdatafocus/opsfeedback_backend/testutil"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	t         *testing.T
	db        *gorm.DB
	app       *app
	router    *gin.Engine
	published []config.ReportJobMessage
	archived  []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	db := testutil.NewDB(t)
	ts := &testServer{t: t, db: db}
	ts.app = newApp(db, logger, summarizer.Placeholder{})
	ts.app.publishJob = func(_ context.Context, msg config.ReportJobMessage) (string, error) {
		ts.published = append(ts.published, msg)
		return "msg-1", nil
	}
	ts.app.archive = func(_ context.Context, objectName string, _ []byte) (string, error) {
		ts.archived = append(ts.archived, objectName)
		return "gs://test-bucket/" + objectName, nil
	}
	ts.router = newRouter(ts.app)
	return ts
}

func (ts *testServer) addUser(email, role, storeId string) {
	ts.t.Helper()
	_, err := models.CreateUser(context.Background(), ts.db, &models.NewAppUser{
		Name:     strings.Split(email, "@")[0],
		Email:    email,
		Password: "password123",
		Role:     role,
		StoreId:  storeId,
	})
	if err != nil {
		ts.t.Fatalf("CreateUser(%s): %v", email, err)
	}
}

func (ts *testServer) do(method, path, token string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return ts.serve(req)
}

func (ts *testServer) serve(req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (ts *testServer) login(email string) string {
	ts.t.Helper()
	w, body := ts.do(http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": "password123"})
	if w.Code != http.StatusOK {
		ts.t.Fatalf("login %s: %d %s", email, w.Code, w.Body.String())
	}
	return body["token"].(string)
}

func TestHealthzAndReadinessGate(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	a := newApp(nil, logger, summarizer.Placeholder{})
	r := newRouter(a)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("healthz = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stores", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready = %d, want 503", w.Code)
	}
	if w.Header().Get("x-correlation-id") == "" {
		t.Fatalf("missing correlation id header")
	}
}

func TestLoginSetsSessionCookie(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser("elt@example.com", "ELT", "")

	w, _ := ts.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "elt@example.com", "password": "wrong-password"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password = %d", w.Code)
	}

	w, body := ts.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "ELT@example.com", "password": "password123"})
	if w.Code != http.StatusOK || body["token"] == "" {
		t.Fatalf("login = %d %v", w.Code, body)
	}
	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "session" {
			session = c
		}
	}
	if session == nil || !session.HttpOnly || session.Value != body["token"] {
		t.Fatalf("session cookie = %+v", session)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(session)
	w, body = ts.serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("me = %d %s", w.Code, w.Body.String())
	}
	if user := body["user"].(map[string]any); user["email"] != "elt@example.com" {
		t.Fatalf("me user = %v", user)
	}

	_, body = ts.do(http.MethodPost, "/auth/verify-token", "", map[string]string{"token": "garbage"})
	if body["valid"] != false {
		t.Fatalf("verify garbage = %v", body)
	}
}

func TestRoleGuards(t *testing.T) {
	ts := newTestServer(t)
	testutil.SeedStore(t, ts.db, "S01", "NE")
	ts.addUser("sm@example.com", "storemanager", "S01")
	ts.addUser("elt@example.com", "ELT", "")
	sm, elt := ts.login("sm@example.com"), ts.login("elt@example.com")

	cases := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"anonymous exec", "/exec/kpis", "", http.StatusUnauthorized},
		{"anonymous session route", "/feedback/raw", "", http.StatusUnauthorized},
		{"bad token", "/exec/kpis", "not-a-token", http.StatusUnauthorized},
		{"store manager on exec", "/exec/kpis", sm, http.StatusForbidden},
		{"store manager on admin", "/admin/stores", sm, http.StatusForbidden},
		{"elt on admin", "/admin/users", elt, http.StatusForbidden},
		{"elt on exec", "/exec/kpis?week=2024-W10", elt, http.StatusOK},
		{"store manager on stores", "/stores", sm, http.StatusOK},
		{"unknown route", "/nope", elt, http.StatusNotFound},
	}
	for _, tc := range cases {
		w, _ := ts.do(http.MethodGet, tc.path, tc.token, nil)
		if w.Code != tc.want {
			t.Fatalf("%s: %d, want %d (%s)", tc.name, w.Code, tc.want, w.Body.String())
		}
	}
}

func TestSubmitFeedbackDeduplicatesRetries(t *testing.T) {
	ts := newTestServer(t)
	testutil.SeedStore(t, ts.db, "S01", "NE")
	testutil.SeedStore(t, ts.db, "S02", "NE")
	testutil.SeedFeedback(t, ts.db, "S02", "2024-W10", models.MoodPositive, "", 0)
	ts.addUser("sm@example.com", "storemanager", "S01")
	ts.addUser("elt@example.com", "ELT", "")
	sm, elt := ts.login("sm@example.com"), ts.login("elt@example.com")

	payload := map[string]any{
		"iso_week":      "2024-W10",
		"overall_mood":  "neg",
		"top1":          "Produce shelves empty by noon",
		"miss1_dollars": "$1,200",
		"themes":        "produce",
	}
	w, body := ts.do(http.MethodPost, "/feedback/submit", sm, payload, "Idempotency-Key", "retry-key-1")
	if w.Code != http.StatusCreated || body["idempotency_key"] != "retry-key-1" {
		t.Fatalf("first submit = %d %v", w.Code, body)
	}
	w, body = ts.do(http.MethodPost, "/feedback/submit", sm, payload, "Idempotency-Key", "retry-key-1")
	if w.Code != http.StatusOK || body["duplicate"] != true {
		t.Fatalf("retry = %d %v", w.Code, body)
	}

	other := map[string]any{"store_id": "S02", "iso_week": "2024-W10", "overall_mood": "pos"}
	if w, _ := ts.do(http.MethodPost, "/feedback/submit", sm, other, "Idempotency-Key", "retry-key-2"); w.Code != http.StatusForbidden {
		t.Fatalf("submit for another store = %d", w.Code)
	}
	bad := map[string]any{"iso_week": "2024-W99", "overall_mood": "neg"}
	if w, body := ts.do(http.MethodPost, "/feedback/submit", sm, bad); w.Code != http.StatusBadRequest || body["field"] != "iso_week" {
		t.Fatalf("bad week = %d %v", w.Code, body)
	}

	_, body = ts.do(http.MethodGet, "/exec/kpis?week=2024-W10", elt, nil)
	kpis := body["kpis"].(map[string]any)
	if kpis["submissions"] != float64(2) || kpis["totalImpact"] != "1200" {
		t.Fatalf("kpis = %v", kpis)
	}

	// Store managers only see their own rows.
	_, body = ts.do(http.MethodGet, "/feedback/raw?week=2024-W10", sm, nil)
	if body["total"] != float64(1) {
		t.Fatalf("store manager raw feedback = %v", body)
	}
	_, body = ts.do(http.MethodGet, "/feedback/raw?week=2024-W10&sort=-store_id", elt, nil)
	results := body["results"].([]any)
	if body["total"] != float64(2) || results[0].(map[string]any)["store_id"] != "S02" {
		t.Fatalf("elt raw feedback = %v", body)
	}
	if w, _ := ts.do(http.MethodGet, "/feedback/raw?sort=password", elt, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad sort = %d", w.Code)
	}
}

func TestExecJobLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser("elt@example.com", "ELT", "")
	elt := ts.login("elt@example.com")

	w, body := ts.do(http.MethodPost, "/exec/job", elt, map[string]string{"scope_type": "region", "scope_key": "ne", "iso_week": "2024-W10"})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue = %d %s", w.Code, w.Body.String())
	}
	job := body["job"].(map[string]any)
	if job["status"] != "queued" || job["scope_key"] != "NE" || job["created_by"] != "elt" {
		t.Fatalf("job = %v", job)
	}
	if len(ts.published) != 1 || ts.published[0].JobId != job["id"] {
		t.Fatalf("published = %+v", ts.published)
	}

	w, body = ts.do(http.MethodGet, "/exec/job?job_id="+job["id"].(string), elt, nil)
	if w.Code != http.StatusOK || body["job"].(map[string]any)["status"] != "queued" {
		t.Fatalf("get job = %d %v", w.Code, body)
	}
	if w, _ := ts.do(http.MethodGet, "/exec/job?job_id=missing", elt, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown job = %d", w.Code)
	}
	if w, _ := ts.do(http.MethodGet, "/exec/job", elt, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing job id = %d", w.Code)
	}
	if w, _ := ts.do(http.MethodPost, "/exec/job", elt, map[string]string{"scope_type": "store"}); w.Code != http.StatusBadRequest {
		t.Fatalf("store scope without key = %d", w.Code)
	}

	_, body = ts.do(http.MethodGet, "/exec/jobs?status=queued", elt, nil)
	if jobs := body["jobs"].([]any); len(jobs) != 1 {
		t.Fatalf("queued jobs = %v", body)
	}
	if w, _ := ts.do(http.MethodGet, "/exec/jobs?status=paused", elt, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status = %d", w.Code)
	}

	_, body = ts.do(http.MethodGet, "/exec/snapshot?scope_type=region&scope_key=NE&iso_week=2024-W10", elt, nil)
	if body["ok"] != true || body["snapshot"] != nil {
		t.Fatalf("snapshot before run = %v", body)
	}
}

func TestInsightsAndThemesFallBack(t *testing.T) {
	ts := newTestServer(t)
	testutil.SeedStore(t, ts.db, "S01", "NE")
	testutil.SeedFeedback(t, ts.db, "S01", "2024-W10", models.MoodNegative, "Produce, Staffing", 100)
	ts.addUser("admin@example.com", "admin", "")
	admin := ts.login("admin@example.com")

	_, body := ts.do(http.MethodGet, "/exec/insights?scope_type=network&iso_week=2024-W10", admin, nil)
	if body["source"] != "fallback" || body["model"] != summarizer.PlaceholderModel || body["row_count"] != float64(1) {
		t.Fatalf("insights = %v", body)
	}

	_, body = ts.do(http.MethodGet, "/exec/themes?week=2024-W10", admin, nil)
	themes := body["themes"].([]any)
	if body["degraded"] != false || len(themes) != 2 {
		t.Fatalf("themes = %v", body)
	}

	_, body = ts.do(http.MethodGet, "/coverage?week=2024-W10", admin, nil)
	if cov := body["coverage"].(map[string]any); cov["coveragePct"] != float64(100) {
		t.Fatalf("coverage = %v", cov)
	}
}

func TestAdminStoreImportAndUpdate(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser("admin@example.com", "admin", "")
	admin := ts.login("admin@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("mode", "merge")
	fw, err := mw.CreateFormFile("file", "stores.csv")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write([]byte("store_id,store_name,region_code\nS01,Main St,ne\nS02,,ne\n"))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/admin/stores/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+admin)
	w, body := ts.serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("import = %d %s", w.Code, w.Body.String())
	}
	result := body["result"].(map[string]any)
	if result["inserted"] != float64(1) || len(result["errors"].([]any)) != 1 {
		t.Fatalf("import result = %v", result)
	}
	if len(ts.archived) != 1 || !strings.HasSuffix(ts.archived[0], "stores.csv") {
		t.Fatalf("archived = %v", ts.archived)
	}

	w, body = ts.do(http.MethodPut, "/admin/stores/S01", admin, map[string]any{"field": "store_name", "value": "Main Street"})
	if w.Code != http.StatusOK || len(body["changes"].([]any)) != 1 {
		t.Fatalf("update = %d %v", w.Code, body)
	}
	if w, _ := ts.do(http.MethodPut, "/admin/stores/S01", admin, map[string]any{"field": "password", "value": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("update unknown field = %d", w.Code)
	}
	if w, _ := ts.do(http.MethodPut, "/admin/stores/S99", admin, map[string]any{"field": "store_name", "value": "x"}); w.Code != http.StatusNotFound {
		t.Fatalf("update missing store = %d", w.Code)
	}

	_, body = ts.do(http.MethodGet, "/admin/stores/S01/audit", admin, nil)
	if audit := body["audit"].([]any); len(audit) != 2 {
		t.Fatalf("audit = %v", audit)
	}
}

func TestReportJobPushAcksMessages(t *testing.T) {
	ts := newTestServer(t)
	data, _ := json.Marshal(config.ReportJobMessage{JobId: "job-1"})
	push := map[string]any{
		"message":      map[string]any{"data": base64.StdEncoding.EncodeToString(data), "id": "m-1"},
		"subscription": "projects/p/subscriptions/report-jobs",
	}
	if w, _ := ts.do(http.MethodPost, "/internal/pubsub/report-jobs", "", push); w.Code != http.StatusNoContent {
		t.Fatalf("push = %d", w.Code)
	}
	if w, _ := ts.do(http.MethodPost, "/internal/pubsub/report-jobs", "", map[string]any{"message": map[string]any{"data": "bm90IGpzb24="}}); w.Code != http.StatusNoContent {
		t.Fatalf("malformed push = %d", w.Code)
	}

	t.Setenv("PUBSUB_PUSH_TOKEN", "s3cret")
	if w, _ := ts.do(http.MethodPost, "/internal/pubsub/report-jobs", "", push); w.Code != http.StatusUnauthorized {
		t.Fatalf("push without token = %d", w.Code)
	}
	if w, _ := ts.do(http.MethodPost, "/internal/pubsub/report-jobs?token=s3cret", "", push); w.Code != http.StatusNoContent {
		t.Fatalf("push with token = %d", w.Code)
	}
}

func TestReportJobPushRequiresConfiguredAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.app.verifyIDToken = func(_ context.Context, token, audience string) (*idtoken.Payload, error) {
		if token != "good-oidc" || audience != "https://api.test/internal/pubsub/report-jobs" {
			return nil, errors.New("idtoken: invalid token")
		}
		return &idtoken.Payload{Audience: audience, Claims: map[string]interface{}{
			"email":          "push@proj.iam.gserviceaccount.com",
			"email_verified": true,
		}}, nil
	}
	data, _ := json.Marshal(config.ReportJobMessage{JobId: "job-1"})
	push := map[string]any{"message": map[string]any{"data": base64.StdEncoding.EncodeToString(data), "id": "m-1"}}
	const path = "/internal/pubsub/report-jobs"

	t.Setenv("GO_ENV", "production")
	if w, _ := ts.do(http.MethodPost, path, "", push); w.Code != http.StatusUnauthorized {
		t.Fatalf("production push without auth config = %d", w.Code)
	}

	t.Setenv("PUBSUB_PUSH_AUDIENCE", "https://api.test/internal/pubsub/report-jobs")
	cases := []struct {
		name   string
		bearer string
		sa     string
		want   int
	}{
		{"missing bearer", "", "", http.StatusUnauthorized},
		{"rejected token", "forged", "", http.StatusUnauthorized},
		{"valid token", "good-oidc", "", http.StatusNoContent},
		{"service account match", "good-oidc", "push@proj.iam.gserviceaccount.com", http.StatusNoContent},
		{"service account mismatch", "good-oidc", "other@proj.iam.gserviceaccount.com", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PUBSUB_PUSH_SERVICE_ACCOUNT", tc.sa)
			if w, _ := ts.do(http.MethodPost, path, tc.bearer, push); w.Code != tc.want {
				t.Fatalf("push = %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}

	t.Setenv("PUBSUB_PUSH_AUDIENCE", "")
	t.Setenv("PUBSUB_PUSH_TOKEN", "s3cret")
	if w, _ := ts.do(http.MethodPost, path, "", push, "X-Push-Token", "s3cret"); w.Code != http.StatusNoContent {
		t.Fatalf("push with header secret = %d", w.Code)
	}
	if w, _ := ts.do(http.MethodPost, path, "", push, "X-Push-Token", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("push with wrong secret = %d", w.Code)
	}
}

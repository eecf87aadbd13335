package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	wsclient "github.com/fasthttp/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/rehearsekit/backend/internal/config"
	"github.com/rehearsekit/backend/internal/logging"
	"github.com/rehearsekit/backend/internal/middleware"
	"github.com/rehearsekit/backend/internal/model"
	"github.com/rehearsekit/backend/internal/service"
	"github.com/rehearsekit/backend/internal/service/servicetest"
	"github.com/rehearsekit/backend/internal/storage"
	ws "github.com/rehearsekit/backend/internal/websocket"
)

const testJWTSecret = "test-secret-for-handlers"

type testApp struct {
	app     *fiber.App
	jobs    *servicetest.Jobs
	queue   *servicetest.Queue
	storage *storage.Local
	auth    *middleware.AuthMiddleware
	hub     *ws.Hub
}

func setupApp(t *testing.T, checks map[string]HealthCheck, jobs ...*model.Job) *testApp {
	t.Helper()
	st, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := logging.New(io.Discard, "info")
	ta := &testApp{
		jobs:    servicetest.NewJobs(jobs...),
		queue:   &servicetest.Queue{},
		storage: st,
		auth:    middleware.NewAuthMiddleware(testJWTSecret),
		hub:     ws.NewHub(logger),
	}
	svc := service.NewJobService(ta.jobs, &servicetest.Users{}, st, ta.queue,
		config.WorkerConfig{Queue: "audio", MaxRetry: 3}, logger)

	ta.app = fiber.New()
	Register(ta.app, RouteDeps{
		Jobs:          NewJobHandler(svc, validator.New(), ta.hub, 1),
		Auth:          ta.auth,
		DownloadsRoot: st.Root(),
		Checks:        checks,
	})
	return ta
}

func (ta *testApp) do(t *testing.T, req *http.Request) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var out map[string]interface{}
	_ = json.Unmarshal(body, &out)
	return resp, out
}

func jsonRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func multipartRequest(t *testing.T, fields map[string]string, fileName string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func TestCreateJobFromURL(t *testing.T) {
	ta := setupApp(t, nil)
	resp, body := ta.do(t, jsonRequest(http.MethodPost, "/api/jobs",
		`{"project_name":"Live Take","quality_mode":"high","input_url":"https://www.youtube.com/watch?v=abc"}`))

	assertStatus(t, resp, http.StatusAccepted)
	if body["status"] != string(model.JobStatusPending) || body["quality_mode"] != "high" || body["input_type"] != "youtube" {
		t.Errorf("body = %v", body)
	}
	if ta.queue.Len() != 1 {
		t.Errorf("enqueued %d tasks", ta.queue.Len())
	}
}

func TestCreateJobFromUpload(t *testing.T) {
	ta := setupApp(t, nil)
	resp, body := ta.do(t, multipartRequest(t, map[string]string{"project_name": "Demo", "manual_bpm": "96"}, "demo.mp3", []byte("ID3")))

	assertStatus(t, resp, http.StatusAccepted)
	if body["input_type"] != "upload" || body["manual_bpm"] != 96.0 {
		t.Errorf("body = %v", body)
	}
	ref, _ := body["source_file_path"].(string)
	if ok, _ := ta.storage.Exists(context.Background(), ref); !ok {
		t.Errorf("upload %q not stored", ref)
	}
}

func TestCreateJobValidation(t *testing.T) {
	ta := setupApp(t, nil)

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"missing project name", jsonRequest(http.MethodPost, "/api/jobs", `{"input_url":"https://youtu.be/a"}`)},
		{"bad quality", jsonRequest(http.MethodPost, "/api/jobs", `{"project_name":"x","quality_mode":"ultra","input_url":"https://youtu.be/a"}`)},
		{"no input", jsonRequest(http.MethodPost, "/api/jobs", `{"project_name":"x"}`)},
		{"unsupported file", multipartRequest(t, map[string]string{"project_name": "x"}, "a.ogg", []byte("OggS"))},
		{"file too large", multipartRequest(t, map[string]string{"project_name": "x"}, "a.wav", make([]byte, 2*1024*1024))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ta.do(t, tc.req)
			assertStatus(t, resp, http.StatusBadRequest)
			if errorCode(body) != "VALIDATION_ERROR" {
				t.Errorf("body = %v", body)
			}
		})
	}
	if ta.jobs.Created != 0 || ta.queue.Len() != 0 {
		t.Error("invalid requests created jobs")
	}
}

func TestGetJob(t *testing.T) {
	job := &model.Job{ID: uuid.New(), ProjectName: "x", Status: model.JobStatusSeparating, ProgressPercent: 42}
	ta := setupApp(t, nil, job)

	resp, body := ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/"+job.ID.String(), ""))
	assertStatus(t, resp, http.StatusOK)
	if body["progress_percent"] != 42.0 {
		t.Errorf("body = %v", body)
	}

	resp, _ = ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/"+uuid.NewString(), ""))
	assertStatus(t, resp, http.StatusNotFound)

	resp, _ = ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/not-a-uuid", ""))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestListJobsForOwner(t *testing.T) {
	ownerID := uuid.New()
	mine := &model.Job{ID: uuid.New(), UserID: &ownerID, Status: model.JobStatusPending}
	theirs := &model.Job{ID: uuid.New(), Status: model.JobStatusPending}
	ta := setupApp(t, nil, mine, theirs)

	token, err := ta.auth.GenerateToken(ownerID.String(), "me@example.com")
	if err != nil {
		t.Fatal(err)
	}
	req := jsonRequest(http.MethodGet, "/api/jobs?page=1&page_size=10", "")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, body := ta.do(t, req)
	assertStatus(t, resp, http.StatusOK)
	if body["total"] != 1.0 {
		t.Errorf("owner sees %v jobs", body["total"])
	}

	_, body = ta.do(t, jsonRequest(http.MethodGet, "/api/jobs", ""))
	if body["total"] != 2.0 {
		t.Errorf("anonymous list total = %v", body["total"])
	}
}

func TestCancelJob(t *testing.T) {
	live := &model.Job{ID: uuid.New(), Status: model.JobStatusAnalyzing}
	done := &model.Job{ID: uuid.New(), Status: model.JobStatusFailed}
	ta := setupApp(t, nil, live, done)

	resp, body := ta.do(t, jsonRequest(http.MethodPost, "/api/jobs/"+live.ID.String()+"/cancel", ""))
	assertStatus(t, resp, http.StatusOK)
	if job, _ := body["job"].(map[string]interface{}); job["status"] != string(model.JobStatusCancelled) {
		t.Errorf("body = %v", body)
	}

	resp, body = ta.do(t, jsonRequest(http.MethodPost, "/api/jobs/"+done.ID.String()+"/cancel", ""))
	assertStatus(t, resp, http.StatusBadRequest)
	if errorCode(body) != "JOB_FINISHED" {
		t.Errorf("body = %v", body)
	}
}

func TestReprocessMissingSource(t *testing.T) {
	gone := "uploads/gone_source.wav"
	job := &model.Job{ID: uuid.New(), Status: model.JobStatusFailed, SourceFilePath: &gone}
	ta := setupApp(t, nil, job)

	resp, body := ta.do(t, jsonRequest(http.MethodPost, "/api/jobs/"+job.ID.String()+"/reprocess", ""))
	assertStatus(t, resp, http.StatusBadRequest)
	if errorCode(body) != "SOURCE_MISSING" {
		t.Errorf("body = %v", body)
	}
	if ta.jobs.Len() != 1 || ta.queue.Len() != 0 {
		t.Errorf("reprocess created %d jobs, enqueued %d", ta.jobs.Len()-1, ta.queue.Len())
	}
}

func TestDownload(t *testing.T) {
	running := &model.Job{ID: uuid.New(), Status: model.JobStatusPackaging, ProgressPercent: 92}
	ta := setupApp(t, nil, running)

	ref, err := ta.storage.SaveReader(context.Background(), strings.NewReader("PK"), "packages/done.zip", "application/zip")
	if err != nil {
		t.Fatal(err)
	}
	done := &model.Job{ID: uuid.New(), Status: model.JobStatusCompleted, ProgressPercent: 100, PackagePath: &ref}
	ta.jobs.Put(done)

	resp, body := ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/"+running.ID.String()+"/download", ""))
	assertStatus(t, resp, http.StatusBadRequest)
	if errorCode(body) != "JOB_NOT_READY" {
		t.Errorf("body = %v", body)
	}

	resp, _ = ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/"+done.ID.String()+"/download", ""))
	assertStatus(t, resp, http.StatusTemporaryRedirect)
	loc := resp.Header.Get("Location")
	if loc != "/downloads/packages/done.zip" {
		t.Fatalf("Location = %q", loc)
	}

	_, body = ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/"+done.ID.String()+"/download?json=true", ""))
	if body["url"] != loc || body["redirect"] != false {
		t.Errorf("body = %v", body)
	}

	resp, err = ta.app.Test(httptest.NewRequest(http.MethodGet, loc, nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(got) != "PK" {
		t.Errorf("static download = %d %q", resp.StatusCode, got)
	}
}

func TestDeleteJob(t *testing.T) {
	live := &model.Job{ID: uuid.New(), Status: model.JobStatusSeparating}
	ta := setupApp(t, nil, live)

	ctx := context.Background()
	pkg, _ := ta.storage.SaveReader(ctx, strings.NewReader("PK"), storage.PackageKey("old"), "")
	stem, _ := ta.storage.SaveReader(ctx, strings.NewReader("RIFF"), storage.StemsPrefix("old")+"/vocals.wav", "")
	src, _ := ta.storage.SaveReader(ctx, strings.NewReader("ID3"), storage.SourceKey("old", ".mp3"), "")
	stems := storage.StemsPrefix("old")
	done := &model.Job{ID: uuid.New(), Status: model.JobStatusCompleted, PackagePath: &pkg, StemsFolderPath: &stems, SourceFilePath: &src}
	ta.jobs.Put(done)

	resp, body := ta.do(t, jsonRequest(http.MethodDelete, "/api/jobs/"+live.ID.String(), ""))
	assertStatus(t, resp, http.StatusBadRequest)
	if errorCode(body) != "JOB_ACTIVE" {
		t.Errorf("body = %v", body)
	}

	resp, body = ta.do(t, jsonRequest(http.MethodDelete, "/api/jobs/"+done.ID.String(), ""))
	assertStatus(t, resp, http.StatusOK)
	if body["id"] != done.ID.String() {
		t.Errorf("body = %v", body)
	}
	if _, err := ta.jobs.GetByID(ctx, done.ID); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("job still stored: %v", err)
	}
	for _, ref := range []string{pkg, stem} {
		if ok, _ := ta.storage.Exists(ctx, ref); ok {
			t.Errorf("%s not removed", ref)
		}
	}
	if ok, _ := ta.storage.Exists(ctx, src); !ok {
		t.Error("source removed with the job")
	}

	resp, body = ta.do(t, jsonRequest(http.MethodDelete, "/api/jobs/"+done.ID.String(), ""))
	assertStatus(t, resp, http.StatusNotFound)
	if errorCode(body) != "NOT_FOUND" {
		t.Errorf("body = %v", body)
	}
}

func TestSourceDownload(t *testing.T) {
	ref, gone := "uploads/kept_source.wav", "uploads/gone_source.wav"
	kept := &model.Job{ID: uuid.New(), Status: model.JobStatusCompleted, SourceFilePath: &ref}
	missing := &model.Job{ID: uuid.New(), Status: model.JobStatusFailed, SourceFilePath: &gone}
	pending := &model.Job{ID: uuid.New(), Status: model.JobStatusPending}
	ta := setupApp(t, nil, kept, missing, pending)
	if _, err := ta.storage.SaveReader(context.Background(), strings.NewReader("RIFF"), ref, ""); err != nil {
		t.Fatal(err)
	}

	resp, _ := ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/"+kept.ID.String()+"/source", ""))
	assertStatus(t, resp, http.StatusTemporaryRedirect)
	if loc := resp.Header.Get("Location"); loc != "/downloads/"+ref {
		t.Errorf("Location = %q", loc)
	}

	_, body := ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/"+kept.ID.String()+"/source?json=true", ""))
	if body["url"] != "/downloads/"+ref {
		t.Errorf("body = %v", body)
	}

	for _, id := range []uuid.UUID{missing.ID, pending.ID, uuid.New()} {
		resp, body := ta.do(t, jsonRequest(http.MethodGet, "/api/jobs/"+id.String()+"/source", ""))
		assertStatus(t, resp, http.StatusNotFound)
		if errorCode(body) != "NOT_FOUND" {
			t.Errorf("body = %v", body)
		}
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("down") },
	})
	resp, body := ta.do(t, jsonRequest(http.MethodGet, "/health", ""))
	assertStatus(t, resp, http.StatusServiceUnavailable)
	services, _ := body["services"].(map[string]interface{})
	if body["status"] != "degraded" || services["database"] != true || services["redis"] != false {
		t.Errorf("body = %v", body)
	}

	ok := setupApp(t, nil)
	resp, _ = ok.do(t, jsonRequest(http.MethodGet, "/health", ""))
	assertStatus(t, resp, http.StatusOK)
}

func TestProgressRequiresUpgrade(t *testing.T) {
	job := &model.Job{ID: uuid.New(), Status: model.JobStatusPending}
	ta := setupApp(t, nil, job)
	resp, _ := ta.do(t, jsonRequest(http.MethodGet, "/ws/jobs/"+job.ID.String(), ""))
	assertStatus(t, resp, http.StatusUpgradeRequired)
}

func TestProgressStream(t *testing.T) {
	finished := &model.Job{ID: uuid.New(), Status: model.JobStatusCompleted, ProgressPercent: 100}
	live := &model.Job{ID: uuid.New(), Status: model.JobStatusSeparating, ProgressPercent: 40}
	ta := setupApp(t, nil, finished, live)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ta.hub.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go ta.app.Listener(ln)
	t.Cleanup(func() { ta.app.ShutdownWithTimeout(time.Second) })
	base := "ws://" + ln.Addr().String() + "/ws/jobs/"

	t.Run("finished job closes after snapshot", func(t *testing.T) {
		conn, _, err := wsclient.DefaultDialer.Dial(base+finished.ID.String(), nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var snap model.WSSnapshotMessage
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("read snapshot: %v", err)
		}
		if snap.Type != model.WSMessageTypeSnapshot || snap.Job.Status != model.JobStatusCompleted {
			t.Errorf("snapshot = %+v", snap)
		}
		if _, _, err := conn.ReadMessage(); !wsclient.IsCloseError(err, wsclient.CloseNormalClosure) {
			t.Errorf("ReadMessage() error = %v, want normal close", err)
		}
	})

	t.Run("live job relays progress", func(t *testing.T) {
		conn, _, err := wsclient.DefaultDialer.Dial(base+live.ID.String(), nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var snap model.WSSnapshotMessage
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("read snapshot: %v", err)
		}
		if snap.Job.ProgressPercent != 40 {
			t.Errorf("snapshot = %+v", snap.Job)
		}

		deadline := time.Now().Add(2 * time.Second)
		for ta.hub.Subscribers(live.ID.String()) == 0 {
			if time.Now().After(deadline) {
				t.Fatal("connection never subscribed")
			}
			time.Sleep(time.Millisecond)
		}
		ta.hub.BroadcastProgress(model.ProgressNotification{JobID: live.ID.String(), Status: model.JobStatusSeparating, ProgressPercent: 62})

		var msg struct {
			Type            string `json:"type"`
			ProgressPercent int    `json:"progress_percent"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read progress: %v", err)
		}
		if msg.Type != model.WSMessageTypeProgress || msg.ProgressPercent != 62 {
			t.Errorf("progress = %+v", msg)
		}
	})
}

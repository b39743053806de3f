package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/node"
	"github.com/samcharles93/weft/internal/sampler"
	"github.com/samcharles93/weft/internal/tensor"
	"github.com/samcharles93/weft/internal/toy"
)

// blockingNet parks every prediction until its context is canceled, so
// cancellation tests never race the run to completion.
type blockingNet struct{}

func (blockingNet) Predict(ctx context.Context, in model.PredictInput) (*tensor.Video, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestServer(t *testing.T, net model.Predictor) (*echo.Echo, *Server) {
	t.Helper()
	run, err := sampler.New(model.Handle{
		Net:  net,
		Meta: model.Meta{Variant: model.TextToVideo},
	}, nil, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(node.Default(), run, logger.Discard())
	e := echo.New()
	srv.Register(e)
	return e, srv
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) JobResponse {
	t.Helper()
	var job JobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v body=%s", err, rec.Body.String())
	}
	return job
}

func waitDone(t *testing.T, srv *Server, id string) {
	t.Helper()
	job, ok := srv.jobs.get(id)
	if !ok {
		t.Fatalf("job %s not stored", id)
	}
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
}

const jobBody = `{
	"sampler": {"steps": 4, "scheduler": "euler", "seed": 42, "scale": 1},
	"empty_embeds": {"width": 32, "height": 32, "frames": 5},
	"text_embeds": {"dim": 2, "positive": [[1, 1]]}
}`

func TestListNodes(t *testing.T) {
	t.Parallel()

	e, _ := newTestServer(t, &toy.Constant{Value: 1})
	rec := doJSON(t, e, http.MethodGet, "/v1/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}

	var list struct {
		Object string      `json:"object"`
		Data   []node.Spec `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Object != "list" || len(list.Data) != 13 {
		t.Fatalf("got %s with %d nodes", list.Object, len(list.Data))
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	e, srv := newTestServer(t, &toy.Constant{Value: 1})
	rec := doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeJob(t, rec)
	if !strings.HasPrefix(created.ID, "job_") {
		t.Fatalf("job id %q", created.ID)
	}

	waitDone(t, srv, created.ID)

	got := decodeJob(t, doJSON(t, e, http.MethodGet, "/v1/jobs/"+created.ID, ""))
	if got.Status != JobCompleted {
		t.Fatalf("status %q error %q", got.Status, got.Error)
	}
	if got.Step != 4 || got.Total != 4 {
		t.Fatalf("progress %d/%d", got.Step, got.Total)
	}
	// 32x32 pixels, 5 pixel frames -> 16-channel latent, 2 frames, 4x4.
	want := []int{16, 2, 4, 4}
	if len(got.Shape) != 4 {
		t.Fatalf("shape %v", got.Shape)
	}
	for i := range want {
		if got.Shape[i] != want[i] {
			t.Fatalf("shape %v, want %v", got.Shape, want)
		}
	}
}

func TestJobCancel(t *testing.T) {
	t.Parallel()

	e, srv := newTestServer(t, blockingNet{})
	created := decodeJob(t, doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody))

	rec := doJSON(t, e, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status %d", rec.Code)
	}
	waitDone(t, srv, created.ID)

	got := decodeJob(t, doJSON(t, e, http.MethodGet, "/v1/jobs/"+created.ID, ""))
	if got.Status != JobCanceled {
		t.Fatalf("status %q error %q", got.Status, got.Error)
	}
}

func TestJobBadParams(t *testing.T) {
	t.Parallel()

	e, _ := newTestServer(t, &toy.Constant{Value: 1})
	for _, body := range []string{
		`{"empty_embeds": {"width": 32, "height": 32, "frames": 5}}`,
		`{"sampler": {"scheduler": "heun"},
		  "empty_embeds": {"width": 32, "height": 32, "frames": 5},
		  "text_embeds": {"dim": 2, "positive": [[1, 1]]}}`,
		`{"sampler": not json`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/v1/jobs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status %d", body, rec.Code)
		}
	}
}

func TestJobNotFound(t *testing.T) {
	t.Parallel()

	e, _ := newTestServer(t, &toy.Constant{Value: 1})
	if rec := doJSON(t, e, http.MethodGet, "/v1/jobs/job_missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get status %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/jobs/job_missing/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel status %d", rec.Code)
	}
}

package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeslabs/sqlcopilot/api/handlers"
	apitesting "github.com/andeslabs/sqlcopilot/api/testing"
)

type fakeUploader struct {
	key  string
	body []byte
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.key = key
	f.body = body
	return nil
}

func exportSession(t *testing.T, id string) *httptest.ResponseRecorder {
	t.Helper()
	r := withChiURLParams(
		httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/export", nil),
		map[string]string{"id": id})
	rec := httptest.NewRecorder()
	handlers.ExportSession(rec, r)
	return rec
}

func TestExportSession(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	uploader := &fakeUploader{}
	handlers.SetTranscriptUploader(uploader)
	t.Cleanup(func() { handlers.SetTranscriptUploader(nil) })

	seedTranscript(t, "sess-export", []handlers.SessionMessage{
		{ID: "m1", Role: "user", Content: "how many orders"},
		{ID: "m2", Role: "assistant", Content: "12 orders", Status: "complete"},
	})

	rec := exportSession(t, "sess-export")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.ExportResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	wantKey := fmt.Sprintf("sessions/%s/sess-export.json", time.Now().UTC().Format("2006-01-02"))
	assert.Equal(t, wantKey, resp.Key)
	assert.Equal(t, wantKey, uploader.key)

	var exported handlers.Session
	require.NoError(t, json.Unmarshal(uploader.body, &exported))
	assert.Equal(t, "sess-export", exported.ID)
	require.Len(t, exported.Transcript, 2)
	assert.Equal(t, "12 orders", exported.Transcript[1].Content)
}

func TestExportSession_NotFound(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	handlers.SetTranscriptUploader(&fakeUploader{})
	t.Cleanup(func() { handlers.SetTranscriptUploader(nil) })

	rec := exportSession(t, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportSession_NotConfigured(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	handlers.SetTranscriptUploader(nil)
	t.Setenv("COPILOT_EXPORT_BUCKET", "")

	rec := exportSession(t, "whatever")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestExportSession_UploadFailure(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	handlers.SetTranscriptUploader(&fakeUploader{err: fmt.Errorf("bucket unreachable")})
	t.Cleanup(func() { handlers.SetTranscriptUploader(nil) })

	seedTranscript(t, "sess-export-fail", nil)

	rec := exportSession(t, "sess-export-fail")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

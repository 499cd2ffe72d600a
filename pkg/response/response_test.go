package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nomoretears/backend/pkg/apperr"
)

func serveError(t *testing.T, err error, expose bool) (*httptest.ResponseRecorder, Body) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", func(c *gin.Context) { Error(c, err, expose) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestErrorMapsKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", apperr.Validation("filename required"), http.StatusBadRequest},
		{"permission", fmt.Errorf("wrap: %w", apperr.Permission("not your course")), http.StatusForbidden},
		{"not found", apperr.NotFound("course not found"), http.StatusNotFound},
		{"configuration", apperr.Configuration("bucket not configured"), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := serveError(t, tc.err, true)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if body.Success {
				t.Fatal("success must be false")
			}
		})
	}
}

func TestErrorHidesPersistenceDetailInProduction(t *testing.T) {
	err := apperr.Persistence("update course C1", errors.New("write concern timeout"))

	_, body := serveError(t, err, false)
	if body.Error != "failed to save changes" {
		t.Fatalf("production message = %q", body.Error)
	}

	_, body = serveError(t, err, true)
	if body.Error != "update course C1: write concern timeout" {
		t.Fatalf("development message = %q", body.Error)
	}
}

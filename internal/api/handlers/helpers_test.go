package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/license"
	"github.com/nukemymac/nukemymac-server/internal/license/licensetest"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestRouter returns a gin engine in test mode with an /api group.
func newTestRouter() (*gin.Engine, *gin.RouterGroup) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	return r, r.Group("/api")
}

func newTestLicenseService(store *licensetest.Store, now func() time.Time) *license.Service {
	return license.NewService(store, license.DefaultPolicy(), zerolog.Nop(), license.WithClock(now))
}

// issue creates a license through the service.
func issue(t *testing.T, svc *license.Service, tier license.Tier, session string) *license.License {
	t.Helper()
	lic, err := svc.CreateLicense(context.Background(), tier, "buyer@example.com", session)
	if err != nil {
		t.Fatalf("CreateLicense() error: %v", err)
	}
	return lic
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
}

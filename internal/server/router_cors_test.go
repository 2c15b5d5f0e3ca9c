package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORSMiddlewareAllowsConfiguredOriginWithCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.example.com/"}))
	router.OPTIONS("/documents/doc-1", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/documents/doc-1", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allowed origin %q", got)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestOriginCheckerRestrictsWebsocketUpgrades(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	testCases := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://APP.example.com", want: true},
		{origin: "https://evil.example.com", want: false},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
		if testCase.origin != "" {
			request.Header.Set("Origin", testCase.origin)
		}
		if got := check(request); got != testCase.want {
			t.Fatalf("origin %q: expected %v, got %v", testCase.origin, testCase.want, got)
		}
	}

	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.Header.Set("Origin", "https://anything.example.com")
	if !originChecker(nil)(request) {
		t.Fatalf("empty origin list must admit every origin")
	}
}

package reporting

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	t.Run("connection reset by peer", func(t *testing.T) {
		t.Parallel()

		err := `Get "https://api.example.com/studies/123/subjects?page=2&size=50": read tcp 10.0.0.1:64079->10.0.0.2:443: read: connection reset by peer`
		want := `Get "https://api.example.com/studies/<id>/subjects?<query>": read tcp <host>-><host>: read: connection reset by peer`
		require.Equal(t, want, sanitizeError(err))
	})

	t.Run("context deadline", func(t *testing.T) {
		t.Parallel()

		err := `Post "https://api.example.com/subjects/deadbeef-8315-465d-9d44-cfc238c64f71/visits": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`
		want := `Post "https://api.example.com/subjects/<uuid>/visits": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`
		require.Equal(t, want, sanitizeError(err))
	})

	t.Run("trailing id", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "upstream responded with status 500 for /studies/<id>", sanitizeError("upstream responded with status 500 for /studies/42"))
		require.Equal(t, "/studies/v2", sanitizeError("/studies/v2"))
		require.Equal(t, "/studies/42abc", sanitizeError("/studies/42abc"))
	})

	t.Run("ipv6", func(t *testing.T) {
		t.Parallel()

		for _, ip := range []string{`1:2:3:4:5:6:7:8`, `1::8`, `dead:beef::6811:112a`, `::`} {
			t.Run(ip, func(t *testing.T) {
				t.Parallel()

				require.Equal(t, "<host>", sanitizeError(fmt.Sprintf("[%s]:1234", ip)))
			})
		}
	})

	t.Run("stable message", func(t *testing.T) {
		t.Parallel()

		err := "failed to encode request body: json: unsupported type: chan int"
		require.Equal(t, err, sanitizeError(err))
	})
}

type mockedSentryConfig struct {
	dsn         string
	development bool
}

func (c mockedSentryConfig) SentryDSN() string {
	return c.dsn
}

func (c mockedSentryConfig) IsDevelopment() bool {
	return c.development
}

func TestNewSentryMiddlewareOrMock(t *testing.T) {
	t.Parallel()

	t.Run("development without dsn passes through", func(t *testing.T) {
		t.Parallel()

		middleware, flush, err := NewSentryMiddlewareOrMock(mockedSentryConfig{development: true})
		require.NoError(t, err)
		defer flush()

		called := false
		handler := middleware(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		})

		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(http.MethodGet, "/widgets", nil))
		require.True(t, called)
		require.Equal(t, http.StatusTeapot, w.Code)
	})

	t.Run("production without dsn fails", func(t *testing.T) {
		t.Parallel()

		_, _, err := NewSentryMiddlewareOrMock(mockedSentryConfig{})
		require.Error(t, err)
	})
}

func TestReportWithoutHub(t *testing.T) {
	t.Parallel()

	// Logs instead of panicking
	Report(t.Context(), fmt.Errorf("upstream failed"), map[string]string{"target": "/widgets"})
	Report(t.Context(), nil)
}

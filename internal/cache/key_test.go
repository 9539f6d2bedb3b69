package cache_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/cdmportal/apicache/internal/cache"
	"github.com/cdmportal/apicache/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Parallel()

	mustKey := func(t *testing.T, req domain.Request, keyHeaders ...string) string {
		t.Helper()
		key, err := cache.Key(req, keyHeaders...)
		require.NoError(t, err)
		return key
	}

	t.Run("equal requests", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			name string
			a    domain.Request
			b    domain.Request
		}{
			{
				name: "object key order",
				a:    domain.Request{Method: http.MethodPost, Target: "/search", Body: map[string]any{"a": 1, "b": 2}},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage(`{"b":2,"a":1}`)},
			},
			{
				name: "nested object key order",
				a:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage(`{"filter":{"x":[1,{"q":1,"p":2}],"y":true}}`)},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage(`{"filter":{"y":true,"x":[1,{"p":2,"q":1}]}}`)},
			},
			{
				name: "whitespace in body",
				a:    domain.Request{Method: http.MethodPost, Target: "/search", Body: []byte(`{ "a" : 1 }`)},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage(`{"a":1}`)},
			},
			{
				name: "empty body is no body",
				a:    domain.Request{Method: http.MethodGet, Target: "/widgets", Body: []byte{}},
				b:    domain.Request{Method: http.MethodGet, Target: "/widgets"},
			},
			{
				name: "method case",
				a:    domain.Request{Method: "get", Target: "/widgets"},
				b:    domain.Request{Method: http.MethodGet, Target: "/widgets"},
			},
			{
				name: "large numbers keep precision",
				a:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage(`{"id":12345678901234567890}`)},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: []byte(`{"id": 12345678901234567890}`)},
			},
		}

		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				t.Parallel()
				require.Equal(t, mustKey(t, c.a), mustKey(t, c.b))
			})
		}
	})

	t.Run("different requests", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			name string
			a    domain.Request
			b    domain.Request
		}{
			{
				name: "method",
				a:    domain.Request{Method: http.MethodGet, Target: "/widgets"},
				b:    domain.Request{Method: http.MethodDelete, Target: "/widgets"},
			},
			{
				name: "target",
				a:    domain.Request{Method: http.MethodGet, Target: "/widgets"},
				b:    domain.Request{Method: http.MethodGet, Target: "/widgets/1"},
			},
			{
				name: "query order is significant",
				a:    domain.Request{Method: http.MethodGet, Target: "/widgets?a=1&b=2"},
				b:    domain.Request{Method: http.MethodGet, Target: "/widgets?b=2&a=1"},
			},
			{
				name: "body value",
				a:    domain.Request{Method: http.MethodPost, Target: "/search", Body: map[string]any{"a": 1}},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: map[string]any{"a": 2}},
			},
			{
				name: "array order",
				a:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage(`[1,2]`)},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage(`[2,1]`)},
			},
			{
				name: "no body and empty object",
				a:    domain.Request{Method: http.MethodPost, Target: "/search"},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: map[string]any{}},
			},
			{
				name: "invalid utf-8 in json strings",
				a:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage("{\"a\":\"\xff\"}")},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage("{\"a\":\"\xfe\"}")},
			},
			{
				name: "invalid utf-8 and its replacement character",
				a:    domain.Request{Method: http.MethodPost, Target: "/search", Body: []byte("{\"a\":\"\xff\"}")},
				b:    domain.Request{Method: http.MethodPost, Target: "/search", Body: json.RawMessage("{\"a\":\"\ufffd\"}")},
			},
			{
				name: "opaque bodies",
				a:    domain.Request{Method: http.MethodPost, Target: "/upload", Body: []byte("a=1&b=2")},
				b:    domain.Request{Method: http.MethodPost, Target: "/upload", Body: []byte("b=2&a=1")},
			},
		}

		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				t.Parallel()
				require.NotEqual(t, mustKey(t, c.a), mustKey(t, c.b))
			})
		}
	})

	t.Run("key headers", func(t *testing.T) {
		t.Parallel()

		withHeader := func(header http.Header) domain.Request {
			return domain.Request{Method: http.MethodGet, Target: "/widgets", Header: header}
		}

		alice := withHeader(http.Header{"Authorization": {"Bearer alice"}, "Accept": {"text/plain"}})
		aliceJSON := withHeader(http.Header{"Authorization": {"Bearer alice"}, "Accept": {"application/json"}})
		bob := withHeader(http.Header{"Authorization": {"Bearer bob"}})
		anonymous := withHeader(nil)

		require.Equal(t, mustKey(t, alice, "authorization"), mustKey(t, aliceJSON, "Authorization"))
		require.NotEqual(t, mustKey(t, alice, "Authorization"), mustKey(t, bob, "Authorization"))
		require.NotEqual(t, mustKey(t, alice, "Authorization"), mustKey(t, anonymous, "Authorization"))

		// Header names are matched regardless of case
		lowerAlice := withHeader(http.Header{"authorization": {"Bearer alice"}})
		lowerBob := withHeader(http.Header{"authorization": {"Bearer bob"}})
		require.NotEqual(t, mustKey(t, lowerAlice, "Authorization"), mustKey(t, lowerBob, "Authorization"))
		require.Equal(t, mustKey(t, lowerAlice, "Authorization"), mustKey(t, withHeader(http.Header{"Authorization": {"Bearer alice"}}), "Authorization"))
		require.NotEqual(t, mustKey(t, lowerAlice, "Authorization"), mustKey(t, anonymous, "Authorization"))

		// Headers are ignored unless configured
		require.Equal(t, mustKey(t, alice), mustKey(t, bob))
	})

	t.Run("key is readable", func(t *testing.T) {
		t.Parallel()

		key := mustKey(t, domain.Request{Method: http.MethodGet, Target: "/widgets?page=2"})
		require.Equal(t, "GET /widgets?page=2", key)

		key = mustKey(t, domain.Request{Method: http.MethodPost, Target: "/search", Body: map[string]any{"a": 1}})
		require.True(t, strings.HasPrefix(key, "POST /search body="), key)
	})

	t.Run("unkeyable body", func(t *testing.T) {
		t.Parallel()

		_, err := cache.Key(domain.Request{Method: http.MethodPost, Target: "/search", Body: func() {}})
		require.ErrorIs(t, err, cache.ErrUnkeyableRequest)
	})
}

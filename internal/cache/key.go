package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/cdmportal/apicache/internal/domain"
)

var ErrUnkeyableRequest = errors.New("request cannot be keyed")

// Key computes the cache key for req.
//
// Requests with the same method, target, key header values and body content
// get the same key, independent of the order of object keys in the body.
func Key(req domain.Request, keyHeaders ...string) (string, error) {
	var b strings.Builder
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte(' ')
	b.WriteString(req.Target)

	if len(keyHeaders) > 0 {
		b.WriteString(" headers=")
		b.WriteString(digest(headerValues(req.Header, keyHeaders)))
	}

	body, err := canonicalBody(req.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnkeyableRequest, err)
	}
	if body != nil {
		b.WriteString(" body=")
		b.WriteString(digest(body))
	}

	return b.String(), nil
}

// headerValues collects the values of names from header. Names are matched
// case-insensitively, since the transport canonicalizes them when sending.
func headerValues(header http.Header, names []string) []byte {
	var buf bytes.Buffer
	for _, name := range names {
		matched := []string{}
		for key := range header {
			if strings.EqualFold(key, name) {
				matched = append(matched, key)
			}
		}
		slices.Sort(matched)

		buf.WriteString(http.CanonicalHeaderKey(name))
		buf.WriteByte(':')
		for _, key := range matched {
			for _, value := range header[key] {
				buf.WriteString(value)
				buf.WriteByte(0)
			}
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalBody returns the body as JSON with object keys sorted at every
// level. Opaque byte bodies are returned unchanged. This includes JSON with
// invalid UTF-8, which decoding would rewrite to U+FFFD while the raw bytes
// are still sent upstream.
func canonicalBody(body any) ([]byte, error) {
	var raw []byte
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) || !utf8.Valid(v) {
			return v, nil
		}
		raw = v
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) || !utf8.Valid(v) {
			return v, nil
		}
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		raw = encoded
	}

	// Nested json.RawMessage values are not reordered by json.Marshal, so
	// always go through a generic decode before re-encoding.
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical body: %w", err)
	}
	return canonical, nil
}

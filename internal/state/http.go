package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/routergw/router/internal/routererr"
)

// HTTPStore is the HTTP key/value Store backend: every operation becomes a
// request against a REST-ish key/value service using the same key shapes as
// RedisStore. Grounded on models/catalog.go's fetchRemote (short-timeout
// http.Client, status-code check, io.ReadAll).
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPStore creates an HTTP key/value Store client against baseURL
// (no trailing slash), authenticating with token via a bearer header when
// non-empty.
func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPStore) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return routererr.NewStorageError("http store init", err)
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return routererr.NewStorageError("http store init", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

func (s *HTTPStore) Close() error { return nil }

func (s *HTTPStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func (s *HTTPStore) get(ctx context.Context, key string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/kv/"+key, nil)
	if err != nil {
		return nil, false, routererr.NewStorageError("http get", err)
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, routererr.NewStorageError("http get", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, routererr.NewStorageError("http get", fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, routererr.NewStorageError("http get", err)
	}
	return data, true, nil
}

func (s *HTTPStore) put(ctx context.Context, key string, value []byte, ttlSecs int64) error {
	url := s.baseURL + "/kv/" + key
	if ttlSecs > 0 {
		url += "?ttl=" + strconv.FormatInt(ttlSecs, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(value))
	if err != nil {
		return routererr.NewStorageError("http put", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return routererr.NewStorageError("http put", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return routererr.NewStorageError("http put", fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	return nil
}

func (s *HTTPStore) delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/kv/"+key, nil)
	if err != nil {
		return routererr.NewStorageError("http delete", err)
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return routererr.NewStorageError("http delete", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

func (s *HTTPStore) GetState(ctx context.Context, name string) (*ModelState, error) {
	data, ok, err := s.get(ctx, stateKey(name))
	if err != nil || !ok {
		return nil, err
	}
	var m ModelState
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, routererr.NewStorageError("http decode state", err)
	}
	return &m, nil
}

func (s *HTTPStore) SetState(ctx context.Context, name string, m *ModelState) error {
	cp := m.Clone()
	cp.Requests = nil
	data, err := json.Marshal(cp)
	if err != nil {
		return routererr.NewStorageError("http encode state", err)
	}
	return s.put(ctx, stateKey(name), data, 0)
}

func (s *HTTPStore) ResetState(ctx context.Context, name string) error {
	if err := s.delete(ctx, requestsKey(name)); err != nil {
		return err
	}
	return s.SetState(ctx, name, NewModelState())
}

func (s *HTTPStore) RecordRequest(ctx context.Context, name string, rec RequestRecord, windowSecs int64) error {
	windowStart := time.Now().Add(-time.Duration(windowSecs) * time.Second)
	existing, err := s.GetRequests(ctx, name, windowStart)
	if err != nil {
		return err
	}
	existing = append(existing, rec)

	data, err := json.Marshal(existing)
	if err != nil {
		return routererr.NewStorageError("http encode requests", err)
	}
	if err := s.put(ctx, requestsKey(name), data, 0); err != nil {
		return err
	}

	m, err := s.GetState(ctx, name)
	if err != nil {
		return err
	}
	if m == nil {
		m = NewModelState()
	}
	m.Requests = existing
	m.LifetimeTotalReq++
	m.RecomputeStats(windowStart)
	return s.SetState(ctx, name, m)
}

func (s *HTTPStore) GetRequests(ctx context.Context, name string, windowStart time.Time) ([]RequestRecord, error) {
	data, ok, err := s.get(ctx, requestsKey(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var all []RequestRecord
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, routererr.NewStorageError("http decode requests", err)
	}
	kept := all[:0:0]
	for _, r := range all {
		if !r.Timestamp.Before(windowStart) {
			kept = append(kept, r)
		}
	}
	if len(kept) != len(all) {
		trimmed, mErr := json.Marshal(kept)
		if mErr == nil {
			_ = s.put(ctx, requestsKey(name), trimmed, 0)
		}
	}
	return kept, nil
}

func (s *HTTPStore) GetModelNames(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/kv/"+stateKeyPrefix+"*/keys", nil)
	if err != nil {
		return nil, routererr.NewStorageError("http list names", err)
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, routererr.NewStorageError("http list names", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, routererr.NewStorageError("http decode names", err)
	}
	return names, nil
}

func (s *HTTPStore) GetFallbacksUsed(ctx context.Context) (int64, error) {
	data, ok, err := s.get(ctx, fallbacksUsedKey)
	if err != nil || !ok {
		return 0, err
	}
	v, parseErr := strconv.ParseInt(string(data), 10, 64)
	if parseErr != nil {
		return 0, routererr.NewStorageError("http parse fallbacks used", parseErr)
	}
	return v, nil
}

func (s *HTTPStore) RecordFallbackUsage(ctx context.Context) error {
	cur, err := s.GetFallbacksUsed(ctx)
	if err != nil {
		return err
	}
	return s.put(ctx, fallbacksUsedKey, []byte(strconv.FormatInt(cur+1, 10)), 0)
}

func (s *HTTPStore) CheckRateLimit(ctx context.Context, key string, limit int64, windowSecs int64) (bool, error) {
	k := rateLimitKey(key)
	data, ok, err := s.get(ctx, k)
	if err != nil {
		return false, err
	}
	var count int64
	if ok {
		count, _ = strconv.ParseInt(string(data), 10, 64)
	}
	count++
	ttl := int64(0)
	if !ok {
		ttl = windowSecs
	}
	if err := s.put(ctx, k, []byte(strconv.FormatInt(count, 10)), ttl); err != nil {
		return false, err
	}
	return count <= limit, nil
}

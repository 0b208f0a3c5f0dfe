package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/config"
	"marginalia/api/internal/presence"
	"marginalia/api/internal/realtime"
	"marginalia/api/internal/store"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{JWTSecret: testSecret, CORSOrigin: "*"}
	backing := store.NewMemoryStore()
	snapshot := func(ctx context.Context, documentID string) ([]store.Annotation, error) {
		return backing.ListAnnotations(ctx, documentID, nil)
	}
	hub := realtime.NewHub(snapshot, 16, time.Minute)
	svc := New(cfg, backing, hub, presence.NewMemoryRegistry(time.Minute))
	server := httptest.NewServer(NewHTTPServer(svc, hub, cfg).Handler())
	t.Cleanup(server.Close)
	return server
}

func issueTestToken(t *testing.T, userID, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  userID,
		Name: name,
		Role: role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body any, out any) *http.Response {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func createTestDocument(t *testing.T, server *httptest.Server, token string) string {
	t.Helper()
	var created struct {
		Document store.Document `json:"document"`
	}
	resp := doJSON(t, http.MethodPost, server.URL+"/api/documents", token, map[string]any{
		"title": "Board Minutes",
		"text":  "The quick brown fox jumps over the lazy dog. " + fmt.Sprintf("%0500d", 0),
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create document: status %d", resp.StatusCode)
	}
	return created.Document.ID
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)
	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	server := newTestServer(t)
	resp := doJSON(t, http.MethodPost, server.URL+"/api/documents", "", map[string]any{"title": "x"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAnnotationLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)
	token := issueTestToken(t, "user-1", "Avery", "editor")
	docID := createTestDocument(t, server, token)

	var created struct {
		Annotation store.Annotation `json:"annotation"`
	}
	resp := doJSON(t, http.MethodPost, server.URL+"/api/documents/"+docID+"/annotations", token, map[string]any{
		"type": "highlight",
		"span": map[string]int{"start_offset": 4, "end_offset": 9},
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create annotation: status %d", resp.StatusCode)
	}
	if created.Annotation.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Annotation.Version)
	}

	var patched struct {
		Annotation store.Annotation `json:"annotation"`
	}
	resp = doJSON(t, http.MethodPatch, server.URL+"/api/annotations/"+created.Annotation.ID, token, map[string]any{
		"expected_version": 1,
		"color":            "#00ff88",
	}, &patched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch annotation: status %d", resp.StatusCode)
	}
	if patched.Annotation.Version != 2 || patched.Annotation.Color != "#00ff88" {
		t.Fatalf("unexpected patched state: %+v", patched.Annotation)
	}

	resp = doJSON(t, http.MethodDelete,
		server.URL+"/api/annotations/"+created.Annotation.ID+"?expected_version=2", token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete annotation: status %d", resp.StatusCode)
	}
}

func TestStalePatchReturnsConflictWithCurrentState(t *testing.T) {
	server := newTestServer(t)
	token := issueTestToken(t, "user-1", "Avery", "editor")
	docID := createTestDocument(t, server, token)

	var created struct {
		Annotation store.Annotation `json:"annotation"`
	}
	doJSON(t, http.MethodPost, server.URL+"/api/documents/"+docID+"/annotations", token, map[string]any{
		"type":    "comment",
		"span":    map[string]int{"start_offset": 0, "end_offset": 20},
		"content": "first pass",
	}, &created)

	doJSON(t, http.MethodPatch, server.URL+"/api/annotations/"+created.Annotation.ID, token, map[string]any{
		"expected_version": 1,
		"content":          "second pass",
	}, nil)

	var conflict struct {
		Code    string `json:"code"`
		Details struct {
			Version int    `json:"version"`
			Content string `json:"content"`
		} `json:"details"`
	}
	resp := doJSON(t, http.MethodPatch, server.URL+"/api/annotations/"+created.Annotation.ID, token, map[string]any{
		"expected_version": 1,
		"content":          "stale pass",
	}, &conflict)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if conflict.Code != "VERSION_CONFLICT" {
		t.Fatalf("expected VERSION_CONFLICT, got %q", conflict.Code)
	}
	if conflict.Details.Version != 2 || conflict.Details.Content != "second pass" {
		t.Fatalf("conflict payload missing current state: %+v", conflict.Details)
	}
}

func TestUnknownDocumentIs404(t *testing.T) {
	server := newTestServer(t)
	token := issueTestToken(t, "user-1", "Avery", "viewer")

	resp := doJSON(t, http.MethodGet, server.URL+"/api/documents/doc-missing", token, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestInvalidSpanIs422(t *testing.T) {
	server := newTestServer(t)
	token := issueTestToken(t, "user-1", "Avery", "editor")
	docID := createTestDocument(t, server, token)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/documents/"+docID+"/annotations", token, map[string]any{
		"type": "highlight",
		"span": map[string]int{"start_offset": 50, "end_offset": 10},
	}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestSegmentsEndpoint(t *testing.T) {
	server := newTestServer(t)
	token := issueTestToken(t, "user-1", "Avery", "editor")
	docID := createTestDocument(t, server, token)

	doJSON(t, http.MethodPost, server.URL+"/api/documents/"+docID+"/annotations", token, map[string]any{
		"type": "highlight",
		"span": map[string]int{"start_offset": 4, "end_offset": 20},
	}, nil)

	var payload struct {
		Segments []struct {
			Span      map[string]int `json:"span"`
			ActiveIDs []string       `json:"active_ids"`
		} `json:"segments"`
	}
	resp := doJSON(t, http.MethodGet, server.URL+"/api/documents/"+docID+"/segments?start=0&end=40", token, nil, &payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("segments: status %d", resp.StatusCode)
	}
	if len(payload.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(payload.Segments))
	}
}

func TestMarkdownExport(t *testing.T) {
	server := newTestServer(t)
	token := issueTestToken(t, "user-1", "Avery", "editor")
	docID := createTestDocument(t, server, token)

	doJSON(t, http.MethodPost, server.URL+"/api/documents/"+docID+"/annotations", token, map[string]any{
		"type":    "comment",
		"span":    map[string]int{"start_offset": 4, "end_offset": 9},
		"content": "why quick?",
	}, nil)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/documents/"+docID+"/export?format=markdown", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/markdown; charset=utf-8" {
		t.Fatalf("unexpected content type %q", got)
	}
}

package utils

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMimeAllowed(t *testing.T) {
	allowed := []string{"image/*", "application/pdf", "AUDIO/OGG"}

	tests := []struct {
		mime string
		want bool
	}{
		{"image/png", true},
		{"image/jpeg", true},
		{"application/pdf", true},
		{"application/zip", false},
		{"audio/ogg", true},
		{"Image/PNG", true},
		{"image/png; charset=binary", true},
		{"imagex/png", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := MimeAllowed(tt.mime, allowed); got != tt.want {
			t.Errorf("MimeAllowed(%q) = %v, want %v", tt.mime, got, tt.want)
		}
	}
}

func TestMimeAllowedEmptyAllowlist(t *testing.T) {
	if MimeAllowed("image/png", nil) {
		t.Error("empty allowlist must permit nothing")
	}
}

func TestMimeAllowedWildcardAll(t *testing.T) {
	if !MimeAllowed("application/octet-stream", []string{"*/*"}) {
		t.Error("*/* must permit everything")
	}
}

func TestDownloadURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	data, err := DownloadURL(context.Background(), server.URL, DownloadOptions{
		Headers: map[string]string{"Authorization": "Bearer tok"},
	})
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}
}

func TestDownloadURLSizeCeiling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	if _, err := DownloadURL(context.Background(), server.URL, DownloadOptions{MaxSize: 10}); err == nil {
		t.Error("oversized body must fail, not truncate")
	}
}

func TestDownloadURLBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	if _, err := DownloadURL(context.Background(), server.URL, DownloadOptions{}); err == nil {
		t.Error("non-200 status must fail")
	}
}

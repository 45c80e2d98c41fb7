package indodax

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientDoSignsAndPosts(t *testing.T) {
	params := tradeParams()
	wantSign := Sign("s3cret", params)

	var gotKey, gotSign, gotContentType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotKey = r.Header.Get("Key")
		gotSign = r.Header.Get("Sign")
		gotContentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`{"success":1,"return":{}}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:   server.URL,
		APIKey:    "api-key",
		SecretKey: "s3cret",
	})
	raw, err := client.Do(context.Background(), params)
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if gotKey != "api-key" {
		t.Fatalf("Key header=%q", gotKey)
	}
	if gotSign != wantSign {
		t.Fatalf("Sign header=%q, want %q", gotSign, wantSign)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Fatalf("Content-Type=%q", gotContentType)
	}
	if gotBody != params.Encode() {
		t.Fatalf("body=%q, want %q", gotBody, params.Encode())
	}
	if raw.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", raw.StatusCode)
	}
	if raw.Duration <= 0 {
		t.Fatalf("expected positive round-trip duration, got %v", raw.Duration)
	}
	resp, ok := ParseAPIResponse(raw.Body)
	if !ok || resp.Success != 1 {
		t.Fatalf("unexpected decoded response: %+v ok=%v", resp, ok)
	}
}

func TestClientDoConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(Config{
		BaseURL:   server.URL,
		APIKey:    "k",
		SecretKey: "s",
		Timeout:   time.Second,
	})
	raw, err := client.Do(context.Background(), tradeParams())
	if err == nil {
		t.Fatalf("expected transport error against closed server")
	}
	if raw != nil {
		t.Fatalf("expected nil response on connection failure, got %+v", raw)
	}
}

func TestParseAPIResponse(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantOK  bool
		wantErr bool
	}{
		{name: "success", body: `{"success":1,"return":{"order_id":1}}`, wantOK: true, wantErr: false},
		{name: "error", body: `{"success":0,"error":"Invalid credentials","error_code":"invalid_credentials"}`, wantOK: true, wantErr: true},
		{name: "not json", body: `<html>busy</html>`, wantOK: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, ok := ParseAPIResponse([]byte(tc.body))
			if ok != tc.wantOK {
				t.Fatalf("ParseAPIResponse ok=%v want %v", ok, tc.wantOK)
			}
			if ok && resp.IsError() != tc.wantErr {
				t.Fatalf("IsError()=%v want %v", resp.IsError(), tc.wantErr)
			}
		})
	}
}

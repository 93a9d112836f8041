package gauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poolbridge/geminipool/internal/interfaces"
)

func TestRefreshSuccess(t *testing.T) {
	var gotForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"client_id":     r.PostFormValue("client_id"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.fresh","expires_in":3599,"token_type":"Bearer"}`))
	}))
	defer server.Close()

	r := NewGoogleRefresher()
	r.SetTokenURL(server.URL)

	token, ttl, err := r.Refresh(context.Background(), "1//refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if token != "ya29.fresh" || ttl != 3599 {
		t.Fatalf("Refresh = (%q, %d)", token, ttl)
	}
	if gotForm["grant_type"] != "refresh_token" || gotForm["refresh_token"] != "1//refresh" {
		t.Fatalf("form = %v", gotForm)
	}
	if gotForm["client_id"] == "" {
		t.Fatal("client_id not sent")
	}
}

func TestRefreshRejectedIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	r := NewGoogleRefresher()
	r.SetTokenURL(server.URL)

	_, _, err := r.Refresh(context.Background(), "1//revoked")
	if err == nil {
		t.Fatal("expected error")
	}
	var se *interfaces.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", se.Code)
	}
	if !interfaces.IsPermanentAuth(err) {
		t.Fatal("401 from the token endpoint must classify as permanent")
	}
}

func TestRefreshTransientFailureNotPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := NewGoogleRefresher()
	r.SetTokenURL(server.URL)

	_, _, err := r.Refresh(context.Background(), "1//refresh")
	if err == nil {
		t.Fatal("expected error")
	}
	if interfaces.IsPermanentAuth(err) {
		t.Fatal("500 must not retire the credential")
	}
}

func TestRefreshMissingAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	}))
	defer server.Close()

	r := NewGoogleRefresher()
	r.SetTokenURL(server.URL)

	if _, _, err := r.Refresh(context.Background(), "1//refresh"); err == nil {
		t.Fatal("expected error for a body without access_token")
	}
}

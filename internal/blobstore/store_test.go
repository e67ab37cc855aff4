package blobstore

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	tests := []struct {
		name     string
		fileName string
		want     string
	}{
		{"plain name", "brushes.zip", "products/p1/1700000000123-brushes.zip"},
		{"spaces and symbols", "My Pack (v2)!.zip", "products/p1/1700000000123-My_Pack__v2__.zip"},
		{"path traversal", "../../etc/passwd", "products/p1/1700000000123-passwd"},
		{"windows path", `C:\Users\me\art.psd`, "products/p1/1700000000123-art.psd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObjectKey("p1", tt.fileName, now); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStore_Sign(t *testing.T) {
	store, err := New(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "products",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	signed, err := store.Sign(context.Background(), "products/p1/1-file.zip", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("invalid url: %v", err)
	}
	if u.Path != "/products/products/p1/1-file.zip" {
		t.Errorf("unexpected path %s", u.Path)
	}
	if got := u.Query().Get("X-Amz-Expires"); got != "3600" {
		t.Errorf("expected 3600s expiry, got %s", got)
	}
	if !strings.HasPrefix(u.Query().Get("X-Amz-Credential"), "access/") {
		t.Errorf("unexpected credential %s", u.Query().Get("X-Amz-Credential"))
	}
	if u.Query().Get("X-Amz-Signature") == "" {
		t.Error("expected signature")
	}
}

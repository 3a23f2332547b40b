package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
)

func TestFromBytes(t *testing.T) {
	data := []byte("hello world")
	sum := sha256.Sum256(data)
	want := "sha256:" + hex.EncodeToString(sum[:])

	if got := FromBytes(data); got != want {
		t.Errorf("FromBytes = %s, want %s", got, want)
	}
}

func TestParse(t *testing.T) {
	valid := FromBytes([]byte("x"))

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid sha256", valid, false},
		{"missing separator", "sha256abcdef", true},
		{"unknown algorithm", "md5:d41d8cd98f00b204e9800998ecf8427e", true},
		{"short hex", "sha256:abc123", true},
		{"uppercase hex", "sha256:" + string(bytes.ToUpper([]byte(valid[7:]))), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidTag(t *testing.T) {
	tests := []struct {
		tag  string
		want bool
	}{
		{"latest", true},
		{"v1.2.3", true},
		{"_internal", true},
		{"1.21-alpine", true},
		{"", false},
		{".hidden", false},
		{"-dash", false},
		{string(make([]byte, 200)), false},
	}

	for _, tt := range tests {
		if got := ValidTag(tt.tag); got != tt.want {
			t.Errorf("ValidTag(%q) = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestValidRepositoryName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"nginx", true},
		{"library/nginx", true},
		{"dockerhub/library/nginx", true},
		{"my-org/my.app/worker_1", true},
		{"", false},
		{"UPPER/case", false},
		{"double//slash", false},
		{"trailing-", false},
		{"-leading", false},
	}

	for _, tt := range tests {
		if got := ValidRepositoryName(tt.name); got != tt.want {
			t.Errorf("ValidRepositoryName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestVerifier(t *testing.T) {
	data := []byte("some blob content")
	d, err := Parse(FromBytes(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	t.Run("matching content", func(t *testing.T) {
		v := NewVerifier(d, bytes.NewReader(data))
		if _, err := io.Copy(io.Discard, v); err != nil {
			t.Fatalf("copy: %v", err)
		}
		if !v.Verified() {
			t.Error("expected verifier to pass for matching content")
		}
	})

	t.Run("corrupted content", func(t *testing.T) {
		v := NewVerifier(d, bytes.NewReader([]byte("some blob CONTENT")))
		if _, err := io.Copy(io.Discard, v); err != nil {
			t.Fatalf("copy: %v", err)
		}
		if v.Verified() {
			t.Error("expected verifier to fail for corrupted content")
		}
	})
}

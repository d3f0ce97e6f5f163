package storage_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/luisfsill/abusegate/internal/storage"
)

func TestCodec_SealOpenRoundTrip(t *testing.T) {
	c := storage.NewCodec("round-trip-secret")
	plaintext := []byte(`{"attempts":3,"action":"login"}`)

	sealed, err := c.Seal(plaintext, time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("attempts")) {
		t.Error("sealed envelope should not expose the plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened = %s, want %s", opened, plaintext)
	}
}

func TestCodec_TamperedHashFailsIntegrity(t *testing.T) {
	c := storage.NewCodec("secret")
	sealed, err := c.Seal([]byte("payload"), time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal(sealed, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	hash := env["integrityHash"].(string)
	if hash[0] == 'a' {
		hash = "b" + hash[1:]
	} else {
		hash = "a" + hash[1:]
	}
	env["integrityHash"] = hash
	mutated, _ := json.Marshal(env)

	if _, err := c.Open(mutated); !errors.Is(err, storage.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestCodec_TamperedPayloadFailsIntegrity(t *testing.T) {
	c := storage.NewCodec("secret")
	sealed, err := c.Seal([]byte(`{"attempts":1}`), time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal(sealed, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	env["payload"] = "QUFBQQ=="
	mutated, _ := json.Marshal(env)

	if _, err := c.Open(mutated); !errors.Is(err, storage.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestCodec_GarbageFailsIntegrity(t *testing.T) {
	c := storage.NewCodec("secret")
	if _, err := c.Open([]byte("not even json")); !errors.Is(err, storage.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestCodec_WrongSecretFailsIntegrity(t *testing.T) {
	sealed, err := storage.NewCodec("secret-a").Seal([]byte("payload"), time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := storage.NewCodec("secret-b").Open(sealed); !errors.Is(err, storage.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

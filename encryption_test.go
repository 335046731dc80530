package tidemark

import (
	"bytes"
	"context"
	"testing"
)

func TestPayloadCipherDisabled(t *testing.T) {
	pc, err := newPayloadCipher(nil)
	if err != nil || pc != nil {
		t.Errorf("nil config: cipher=%v err=%v", pc, err)
	}
	pc, err = newPayloadCipher(&EncryptionConfig{Enabled: false, KeyPassword: "x"})
	if err != nil || pc != nil {
		t.Errorf("disabled config: cipher=%v err=%v", pc, err)
	}
}

func TestPayloadCipherRequiresKeyMaterial(t *testing.T) {
	if _, err := newPayloadCipher(&EncryptionConfig{Enabled: true}); err == nil {
		t.Error("expected error without key or password")
	}
	if _, err := newPayloadCipher(&EncryptionConfig{Enabled: true, Key: []byte("short")}); err == nil {
		t.Error("expected error for short key")
	}
}

func TestPayloadCipherRoundtrip(t *testing.T) {
	pc, err := newPayloadCipher(&EncryptionConfig{Enabled: true, KeyPassword: "secret"})
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plain := []byte(`{"body":"confidential"}`)
	sealed, err := pc.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("confidential")) {
		t.Error("ciphertext leaks plaintext")
	}

	opened, err := pc.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Errorf("roundtrip mismatch: %s", opened)
	}
}

func TestPayloadCipherWrongKeyFails(t *testing.T) {
	a, _ := newPayloadCipher(&EncryptionConfig{Enabled: true, KeyPassword: "right"})
	b, _ := newPayloadCipher(&EncryptionConfig{Enabled: true, KeyPassword: "wrong"})

	sealed, err := a.Seal([]byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Error("wrong password decrypted the payload")
	}
	if _, err := a.Open(sealed[:4]); err == nil {
		t.Error("truncated blob decrypted")
	}
}

func TestEncryptedStoreSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/enc.db"
	enc := &EncryptionConfig{Enabled: true, KeyPassword: "hunter2"}
	ctx := context.Background()

	store, err := NewStore(path, StoreConfig{}, enc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := dataRecord("notes", NewLocalID(), `{"secret":"yes"}`)
	if err := store.PutRecord(ctx, &rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	store.Close()

	// A new process with the same password can read its own data back.
	store, err = NewStore(path, StoreConfig{}, enc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	got, err := store.GetRecordByLocalID(ctx, "notes", rec.LocalID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got.Payload.Data) != `{"secret":"yes"}` {
		t.Errorf("payload = %s", got.Payload.Data)
	}
}

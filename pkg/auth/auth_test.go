package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerifyRoundTrip(t *testing.T) {
	encoded, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if parts := strings.Split(encoded, ":"); len(parts) != 3 || parts[0] != "100" {
		t.Fatalf("encoded form: %q", encoded)
	}

	ok, err := VerifyPassword("correct horse battery staple", encoded)
	if err != nil || !ok {
		t.Fatalf("verify correct password: ok=%t err=%v", ok, err)
	}
	ok, err = VerifyPassword("wrong", encoded)
	if err != nil || ok {
		t.Fatalf("verify wrong password: ok=%t err=%v", ok, err)
	}
}

func TestHashPasswordSalts(t *testing.T) {
	a, err := HashPassword("same input")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := HashPassword("same input")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password share a salt")
	}
}

func TestVerifyPasswordBadEncodings(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"too few parts", "100:deadbeef"},
		{"too many parts", "100:aa:bb:cc"},
		{"non-numeric iterations", "many:00ff:00ff"},
		{"salt not hex", "100:zz:00ff"},
		{"hash not hex", "100:00ff:zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifyPassword("pw", tt.encoded)
			if ok {
				t.Fatal("malformed encoding verified")
			}
			if err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestDefaultCredentials(t *testing.T) {
	store := NewStaticStore(DefaultCredentials)

	tests := []struct {
		username, password string
	}{
		{"Bob", "PWBob1234!"},
		{"Alice", "PWAlice1234!"},
		{"Jack", "PWJack1234!"},
	}
	for _, tt := range tests {
		hash, ok := store.Lookup(tt.username)
		if !ok {
			t.Fatalf("no credentials for %s", tt.username)
		}
		match, err := VerifyPassword(tt.password, hash)
		if err != nil || !match {
			t.Fatalf("%s: match=%t err=%v", tt.username, match, err)
		}
	}

	if _, ok := store.Lookup("mallory"); ok {
		t.Fatal("unknown user resolved")
	}
}

func TestStaticStoreCopiesSeed(t *testing.T) {
	seed := map[string]string{"a": "100:00:00"}
	store := NewStaticStore(seed)
	seed["b"] = "100:11:11"

	if _, ok := store.Lookup("b"); ok {
		t.Fatal("store aliases the seed map")
	}
}

func TestImportCredentialsYAML(t *testing.T) {
	data := []byte(`
users:
  - username: hashed
    hash: "100:00ff:00ff"
  - username: plain
    password: "hunter22"
`)
	store := NewStaticStore(nil)
	n, err := ImportCredentialsYAML(data, store)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d entries", n)
	}

	if hash, ok := store.Lookup("hashed"); !ok || hash != "100:00ff:00ff" {
		t.Fatalf("hashed entry: %q ok=%t", hash, ok)
	}

	hash, ok := store.Lookup("plain")
	if !ok {
		t.Fatal("plaintext entry not imported")
	}
	match, err := VerifyPassword("hunter22", hash)
	if err != nil || !match {
		t.Fatalf("plaintext entry unverifiable: match=%t err=%v", match, err)
	}
}

func TestImportCredentialsYAMLRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "users: ["},
		{"missing username", "users:\n  - hash: \"100:00:00\""},
		{"neither hash nor password", "users:\n  - username: ghost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ImportCredentialsYAML([]byte(tt.data), NewStaticStore(nil)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir() + "/credentials.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Put("alice", "100:00ff:00ff"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put("alice", "100:11ff:11ff"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hash, ok := store.Lookup("alice")
	if !ok || hash != "100:11ff:11ff" {
		t.Fatalf("lookup after upsert: %q ok=%t", hash, ok)
	}
	if _, ok := store.Lookup("nobody"); ok {
		t.Fatal("unknown user resolved")
	}

	n, err := store.Count()
	if err != nil || n != 1 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
}

package ssh

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	st, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %v, want 0600", st.Mode().Perm())
	}
	if len(pub) == 0 {
		t.Fatalf("expected public key string")
	}
	if _, err := LoadPrivateKeySigner(priv); err != nil {
		t.Fatalf("generated key does not parse back: %v", err)
	}
}

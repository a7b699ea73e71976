package credentials

import "testing"

func TestParseLMNTHashes(t *testing.T) {
	nt := "8846f7eaee8fb117ad06bdd830b7586c"
	tests := []struct {
		input  string
		wantLM string
		wantNT string
	}{
		{"", "", ""},
		{":" + nt, EmptyLMHash, nt},
		{nt + ":", nt, EmptyNTHash},
		{EmptyLMHash + ":" + nt, EmptyLMHash, nt},
		{"not-a-hash", "", ""},
	}
	for _, tt := range tests {
		lm, gotNT := ParseLMNTHashes(tt.input)
		if lm != tt.wantLM || gotNT != tt.wantNT {
			t.Errorf("ParseLMNTHashes(%q) = %q, %q", tt.input, lm, gotNT)
		}
	}
}

func TestMethod(t *testing.T) {
	if m := NewCredentials("corp.local", "", "", "", false, "").Method(); m != BindAnonymous {
		t.Errorf("expected anonymous, got %s", m)
	}
	if m := NewCredentials("corp.local", "alice", "pw", "", false, "").Method(); m != BindPassword {
		t.Errorf("expected password, got %s", m)
	}
	c := NewCredentials("corp.local", "alice", "", ":8846f7eaee8fb117ad06bdd830b7586c", false, "")
	if m := c.Method(); m != BindNTHash {
		t.Errorf("expected pass-the-hash, got %s", m)
	}
	if len(c.NTRaw) != 16 {
		t.Errorf("NT hash not decoded: %d bytes", len(c.NTRaw))
	}
	if m := NewCredentials("corp.local", "alice", "pw", "", true, "").Method(); m != BindKerberos {
		t.Errorf("expected kerberos, got %s", m)
	}
}

package sip

import (
	"strings"
	"testing"
)

func TestParseDigestChallenge(t *testing.T) {
	value := `Digest realm="sip.example.org", nonce="abc123", opaque="xyz", algorithm=MD5, qop="auth,auth-int"`
	ch, err := parseDigestChallenge(value)
	if err != nil {
		t.Fatal(err)
	}
	if ch.realm != "sip.example.org" {
		t.Errorf("realm = %q", ch.realm)
	}
	if ch.nonce != "abc123" {
		t.Errorf("nonce = %q", ch.nonce)
	}
	if ch.opaque != "xyz" {
		t.Errorf("opaque = %q", ch.opaque)
	}
	if !hasQopAuth(ch.qop) {
		t.Errorf("qop = %q, want auth supported", ch.qop)
	}
}

func TestParseDigestChallengeQuotedCommas(t *testing.T) {
	value := `Digest realm="a, with comma", nonce="n1"`
	ch, err := parseDigestChallenge(value)
	if err != nil {
		t.Fatal(err)
	}
	if ch.realm != "a, with comma" {
		t.Errorf("realm = %q, comma inside quotes must survive", ch.realm)
	}
}

func TestParseDigestChallengeRejectsMissingNonce(t *testing.T) {
	if _, err := parseDigestChallenge(`Digest realm="r"`); err == nil {
		t.Error("expected error for challenge without nonce")
	}
	if _, err := parseDigestChallenge(`Bearer token="t"`); err == nil {
		t.Error("expected error for non-digest scheme")
	}
}

func TestMD5Hex(t *testing.T) {
	// Known MD5 vectors.
	if got := md5hex(""); got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("md5hex(\"\") = %q", got)
	}
	if got := md5hex("abc"); got != "900150983cd24fb0d6963f7d28e17f72" {
		t.Errorf("md5hex(\"abc\") = %q", got)
	}
}

func TestNewCnonce(t *testing.T) {
	a, b := newCnonce(), newCnonce()
	if len(a) != 16 || strings.ToLower(a) != a {
		t.Errorf("cnonce %q must be 16 lowercase hex chars", a)
	}
	if a == b {
		t.Error("cnonces must differ between calls")
	}
}

func TestUsernameFromURI(t *testing.T) {
	cases := map[string]string{
		"sip:alice@example.org":  "alice",
		"sips:bob@example.org":   "bob",
		"sip:carol@host:5060":    "carol",
		"dave":                   "dave",
	}
	for uri, want := range cases {
		if got := usernameFromURI(uri); got != want {
			t.Errorf("usernameFromURI(%q) = %q, want %q", uri, got, want)
		}
	}
}

package sip

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/tabphone/tabphone/internal/config"
)

// digestChallenge is a parsed WWW-Authenticate / Proxy-Authenticate value.
type digestChallenge struct {
	realm     string
	nonce     string
	opaque    string
	qop       string
	algorithm string
}

// answerChallenge builds the Authorization value for a 401/407 response.
// Only MD5 (optionally with qop=auth) is supported; that is what SIP
// registrars deploy in practice.
func answerChallenge(res *sipmsg.Response, cfg *config.SIP, method, uri string) (string, error) {
	header := res.GetHeader("WWW-Authenticate")
	if header == nil {
		header = res.GetHeader("Proxy-Authenticate")
	}
	if header == nil {
		return "", fmt.Errorf("challenge response without authenticate header")
	}

	ch, err := parseDigestChallenge(header.Value())
	if err != nil {
		return "", err
	}
	if ch.algorithm != "" && !strings.EqualFold(ch.algorithm, "MD5") {
		return "", fmt.Errorf("unsupported digest algorithm %q", ch.algorithm)
	}

	username := usernameFromURI(cfg.URI)
	ha1 := md5hex(username + ":" + ch.realm + ":" + cfg.Password)
	ha2 := md5hex(method + ":" + uri)

	var response, cnonce, nc string
	if ch.qop != "" {
		if !hasQopAuth(ch.qop) {
			return "", fmt.Errorf("unsupported qop %q", ch.qop)
		}
		cnonce = newCnonce()
		nc = "00000001"
		response = md5hex(ha1 + ":" + ch.nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
	} else {
		response = md5hex(ha1 + ":" + ch.nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q, algorithm=MD5`,
		username, ch.realm, ch.nonce, uri, response)
	if ch.qop != "" {
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce=%q`, nc, cnonce)
	}
	if ch.opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, ch.opaque)
	}
	return b.String(), nil
}

// parseDigestChallenge splits a Digest challenge into its parameters.
func parseDigestChallenge(value string) (*digestChallenge, error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return nil, fmt.Errorf("unsupported challenge scheme in %q", value)
	}

	ch := &digestChallenge{}
	for _, part := range splitChallengeParams(params) {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.Trim(strings.TrimSpace(val), `"`)
		switch key {
		case "realm":
			ch.realm = val
		case "nonce":
			ch.nonce = val
		case "opaque":
			ch.opaque = val
		case "qop":
			ch.qop = val
		case "algorithm":
			ch.algorithm = val
		}
	}
	if ch.nonce == "" {
		return nil, fmt.Errorf("challenge without nonce")
	}
	return ch, nil
}

// splitChallengeParams splits on commas outside quoted strings.
func splitChallengeParams(s string) []string {
	var parts []string
	var b strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func hasQopAuth(qop string) bool {
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			return true
		}
	}
	return false
}

// usernameFromURI extracts the user part of "sip:user@host".
func usernameFromURI(uri string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(uri, "sips:"), "sip:")
	if user, _, ok := strings.Cut(s, "@"); ok {
		return user
	}
	return s
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newCnonce() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

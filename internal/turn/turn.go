// Package turn mints short-lived TURN credentials (the TURN REST API scheme shared with coturn's
// use-auth-secret mode) and assembles ICE server lists.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
)

// DefaultTTL is how long minted credentials stay valid.
const DefaultTTL = time.Hour

// Issuer returns ICE servers for a session: the STUN urls as-is and, when a secret is configured,
// the TURN urls with credentials bound to the session.
type Issuer struct {
	stun   []string
	turn   []string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. Without a secret, TURN urls are not handed out.
func NewIssuer(stunURLs, turnURLs []string, secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{stun: stunURLs, turn: turnURLs, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Credentials returns a username of the form "<unix-expiry>:<identity>" and its HMAC-SHA1 password.
func (i *Issuer) Credentials(identity string) (username, password string, expires time.Time) {
	expires = i.now().Add(i.ttl).Truncate(time.Second)
	username = strconv.FormatInt(expires.Unix(), 10) + ":" + identity
	mac := hmac.New(sha1.New, i.secret)
	mac.Write([]byte(username))
	return username, base64.StdEncoding.EncodeToString(mac.Sum(nil)), expires
}

// ICEServers implements the session API's ICE provider.
func (i *Issuer) ICEServers(sessionID string) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(i.stun) > 0 {
		out = append(out, webrtc.ICEServer{URLs: i.stun})
	}
	if len(i.turn) > 0 && len(i.secret) > 0 {
		user, pass, _ := i.Credentials(sessionID)
		out = append(out, webrtc.ICEServer{
			URLs:           i.turn,
			Username:       user,
			Credential:     pass,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return out
}

// Verify checks a username/password pair minted by an issuer with the same secret.
func (i *Issuer) Verify(username, password string) bool {
	mac := hmac.New(sha1.New, i.secret)
	mac.Write([]byte(username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(password)) {
		return false
	}
	expiry, _, ok := strings.Cut(username, ":")
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(expiry, 10, 64)
	return err == nil && i.now().Unix() <= exp
}

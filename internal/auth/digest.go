package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	httpauth "github.com/abbot/go-http-auth"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/database/models"
)

const nonceMACLen = sha256.Size * 2

// Digest implements RFC 2617 digest authentication (MD5, qop=auth) against
// stored partial digests. Header parsing and hashing come from go-http-auth;
// its DigestAuth is not used because it only accepts nonces it issued and
// keeps them in process memory. Nonces here are stateless so any replica
// can verify them: a hex timestamp signed with an HMAC of the server secret.
type Digest struct {
	DB       *gorm.DB
	Realm    string
	Secret   []byte
	NonceTTL time.Duration

	now func() time.Time
}

func NewDigest(db *gorm.DB, realm string, secret []byte, ttl time.Duration) *Digest {
	return &Digest{DB: db, Realm: realm, Secret: secret, NonceTTL: ttl, now: time.Now}
}

func (d *Digest) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// Challenge writes a 401 carrying a fresh digest challenge. When r presented
// a correctly signed but expired nonce the challenge is marked stale so
// clients retry without prompting.
func (d *Digest) Challenge(w http.ResponseWriter, r *http.Request) {
	stale := false
	if raw, ok := schemeCredentials(r, "Digest"); ok {
		stale = errors.Is(d.checkNonce(httpauth.DigestAuthParams("Digest " + raw)["nonce"]), errStaleNonce)
	}

	header := fmt.Sprintf(`Digest realm="%s", qop="auth", nonce="%s", opaque="%s", algorithm="MD5"`,
		d.Realm, d.Nonce(), d.opaque())
	if stale {
		header += `, stale="true"`
	}
	w.Header().Set("WWW-Authenticate", header)
	http.Error(w, "Authentication credentials were not provided.", http.StatusUnauthorized)
}

// Nonce returns a nonce valid for NonceTTL from now.
func (d *Digest) Nonce() string {
	ts := strconv.FormatInt(d.clock().Unix(), 16)
	return d.sign(ts) + ts
}

func (d *Digest) sign(s string) string {
	mac := hmac.New(sha256.New, d.Secret)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Digest) opaque() string {
	return d.sign(d.Realm)[:32]
}

var errStaleNonce = errors.New("stale nonce")

func (d *Digest) checkNonce(nonce string) error {
	if len(nonce) <= nonceMACLen {
		return ErrAuthenticationFailed
	}
	mac, ts := nonce[:nonceMACLen], nonce[nonceMACLen:]
	if !hmac.Equal([]byte(mac), []byte(d.sign(ts))) {
		return ErrAuthenticationFailed
	}
	issued, err := strconv.ParseInt(ts, 16, 64)
	if err != nil {
		return ErrAuthenticationFailed
	}
	if d.clock().Sub(time.Unix(issued, 0)) > d.NonceTTL {
		return errStaleNonce
	}
	return nil
}

func (d *Digest) Authenticate(r *http.Request) (*models.User, error) {
	raw, ok := schemeCredentials(r, "Digest")
	if !ok {
		return nil, nil
	}
	params := httpauth.DigestAuthParams("Digest " + raw)

	username := params["username"]
	if username == "" || params["realm"] != d.Realm || params["response"] == "" {
		return nil, ErrAuthenticationFailed
	}
	if params["qop"] != "" && params["qop"] != "auth" {
		return nil, ErrAuthenticationFailed
	}
	if alg := params["algorithm"]; alg != "" && !strings.EqualFold(alg, "MD5") {
		return nil, ErrAuthenticationFailed
	}
	if uri := params["uri"]; uri != r.URL.RequestURI() && uri != r.URL.Path {
		return nil, ErrAuthenticationFailed
	}
	if err := d.checkNonce(params["nonce"]); err != nil {
		return nil, ErrAuthenticationFailed
	}

	var partial models.PartialDigest
	if err := d.DB.WithContext(r.Context()).
		Where("LOWER(login) = LOWER(?) AND confirmed = ?", username, true).
		First(&partial).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}

	// RFC 2069 clients send no qop.
	ha2 := httpauth.H(r.Method + ":" + params["uri"])
	var expected string
	if params["qop"] == "" {
		expected = httpauth.H(partial.PartialDigest + ":" + params["nonce"] + ":" + ha2)
	} else {
		expected = httpauth.H(strings.Join([]string{
			partial.PartialDigest, params["nonce"], params["nc"], params["cnonce"], params["qop"], ha2,
		}, ":"))
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(params["response"])) != 1 {
		return nil, ErrAuthenticationFailed
	}

	return loadUser(d.DB, r, partial.UserID)
}

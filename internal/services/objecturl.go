package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

const defaultURLTTL = 120 * time.Second

// URLIssuerConfig configures signed audio URL issuance.
type URLIssuerConfig struct {
	// BaseURL is the externally reachable prefix, e.g. "https://api.example.com".
	BaseURL string
	// Secret signs the expiry and object ref; GET /audio verifies it.
	Secret string
	TTL    time.Duration
}

// URLIssuer mints time-limited signed URLs for stored audio objects and
// verifies them on delivery. Issued URLs are cached for their lifetime so
// repeated serving runs within the TTL hand out identical links.
type URLIssuer struct {
	cfg   URLIssuerConfig
	cache *gocache.Cache
	now   func() time.Time
}

// NewURLIssuer creates a URLIssuer.
func NewURLIssuer(cfg URLIssuerConfig) (*URLIssuer, error) {
	if cfg.Secret == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "url signing secret is empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultURLTTL
	}
	return &URLIssuer{
		cfg:   cfg,
		cache: gocache.New(cfg.TTL, cfg.TTL/2+time.Second),
		now:   time.Now,
	}, nil
}

// Issue returns a signed, time-limited URL for the given audio object ref.
func (i *URLIssuer) Issue(ref string) (string, error) {
	if ref == "" {
		return "", flow.NewError(flow.ErrCodeValidation, "audio ref is empty")
	}
	ref = strings.TrimPrefix(ref, "/")

	if cached, ok := i.cache.Get(ref); ok {
		return cached.(string), nil
	}

	expires := i.now().Add(i.cfg.TTL).Unix()
	sig := i.sign(ref, expires)

	signed := fmt.Sprintf("%s/audio/%s?expires=%d&signature=%s",
		strings.TrimRight(i.cfg.BaseURL, "/"),
		escapeRefPath(ref), expires, sig)

	// Cache slightly shorter than the real TTL so a cached URL is never
	// handed out moments before it stops verifying.
	i.cache.Set(ref, signed, i.cfg.TTL-time.Second)
	return signed, nil
}

// Verify checks a presented ref/expiry/signature triple. Returns a typed
// error for bad signatures and expired links.
func (i *URLIssuer) Verify(ref string, expires int64, signature string) error {
	ref = strings.TrimPrefix(ref, "/")
	want := i.sign(ref, expires)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return flow.NewError(flow.ErrCodeValidation, "audio url signature mismatch")
	}
	if i.now().Unix() > expires {
		return flow.NewError(flow.ErrCodeTimeout, "audio url expired")
	}
	return nil
}

// TTL returns the configured link lifetime.
func (i *URLIssuer) TTL() time.Duration {
	return i.cfg.TTL
}

func (i *URLIssuer) sign(ref string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(i.cfg.Secret))
	mac.Write([]byte(ref))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// escapeRefPath escapes each path segment of an object ref while keeping
// the slashes that separate them.
func escapeRefPath(ref string) string {
	parts := strings.Split(ref, "/")
	for n, p := range parts {
		parts[n] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

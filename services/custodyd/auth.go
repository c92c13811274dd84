package custodyd

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// AuthConfig describes admin authentication options.
type AuthConfig struct {
	BearerToken string
	// JWTSecret enables HMAC signed bearer tokens. Tokens must carry an
	// expiry and, when configured, the issuer and audience.
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	AllowMTLS   bool
}

// Authenticator validates incoming admin requests.
type Authenticator struct {
	bearerToken string
	allowBearer bool
	allowMTLS   bool
	jwtSecret   []byte
	jwtParser   *jwt.Parser
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	secret := strings.TrimSpace(cfg.JWTSecret)
	allowBearer := token != ""
	if !allowBearer && secret == "" && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	a := &Authenticator{bearerToken: token, allowBearer: allowBearer, allowMTLS: cfg.AllowMTLS}
	if secret != "" {
		opts := []jwt.ParserOption{
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30 * time.Second),
		}
		if issuer := strings.TrimSpace(cfg.JWTIssuer); issuer != "" {
			opts = append(opts, jwt.WithIssuer(issuer))
		}
		if audience := strings.TrimSpace(cfg.JWTAudience); audience != "" {
			opts = append(opts, jwt.WithAudience(audience))
		}
		a.jwtSecret = []byte(secret)
		a.jwtParser = jwt.NewParser(opts...)
	}
	return a, nil
}

// Middleware enforces authentication for admin handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "authentication unavailable"})
			return
		}
		if a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication required"})
	})
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token != "" {
		if a.allowBearer && subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
			return true
		}
		if a.jwtParser != nil && a.validJWT(token) {
			return true
		}
	}
	return a.allowMTLS && r.TLS != nil && len(r.TLS.VerifiedChains) > 0
}

func (a *Authenticator) validJWT(raw string) bool {
	token, err := a.jwtParser.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	})
	return err == nil && token.Valid
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client address.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time
	idle  time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter allows perSecond requests per client with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
		idle:     5 * time.Minute,
		visitors: make(map[string]*visitor),
	}
}

// Middleware rejects requests over the client's budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientID(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: http.StatusText(http.StatusTooManyRequests)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(id string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, key)
		}
	}
	v, ok := l.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// clientID keys the limiter. chi's RealIP middleware has already folded
// forwarding headers into RemoteAddr.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

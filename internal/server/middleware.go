package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/gate"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/geo"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/telemetry"
)

// admit runs the gate for the client address, then records an http visit
// before handing the request on. Denied requests never reach next.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		v := s.gate.Evaluate(r.Context(), ip)
		if v.Err() != nil {
			s.deny(w, v)
			return
		}
		setRateHeaders(w, v)

		s.logVisit(storage.Visit{
			RemoteAddr: ip,
			UserAgent:  r.UserAgent(),
			Timestamp:  s.clock.Now().UTC(),
			Location:   s.enrich(r.Context(), ip),
			Kind:       storage.KindHTTP,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r)
	})
}

// deny writes the rejection for a denied verdict: 403 for a blacklisted
// address, 429 with Retry-After when rate limited.
func (s *Server) deny(w http.ResponseWriter, v gate.Verdict) {
	err := v.Err()
	s.logger.Info("admission denied", "addr", v.Address, "reason", v.Reason)
	if errors.Is(err, gate.ErrBlacklisted) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	setRateHeaders(w, v)
	retry := int(v.Decision.RetryAt.Sub(s.clock.Now()).Seconds()) + 1
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, err.Error())
}

func setRateHeaders(w http.ResponseWriter, v gate.Verdict) {
	d := v.Decision
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(time.RFC3339))
}

// enrich resolves the location of ip within the configured timeout.
func (s *Server) enrich(ctx context.Context, ip string) geo.Location {
	if s.geo == nil {
		return geo.Unknown
	}
	return geo.Enrich(ctx, s.geo, ip, s.opts.GeoTimeout, s.logger)
}

func (s *Server) logVisit(v storage.Visit) {
	if err := s.buffer.Append(v); err != nil {
		if errors.Is(err, telemetry.ErrBufferFull) {
			s.logger.Warn("visit buffer full, visit dropped", "addr", v.RemoteAddr, "kind", v.Kind)
			return
		}
		s.logger.Error("appending visit", "error", err)
	}
}

// originAllowed reports whether origin may open a WebSocket or read
// responses. Requests without an Origin header are not from a browser and
// are allowed.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// cors sets Access-Control headers for allowed origins and answers
// preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	wildcard := slices.Contains(s.opts.AllowedOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(s.opts.AllowedOrigins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin checks the bearer token when one is configured.
func (s *Server) requireAdmin(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="trafficmon"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		h(w, r)
	})
}

package http

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/pairing"
)

func (s *Server) withCORS(policy corsPolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originRaw := r.Header.Get("Origin")
		if originRaw != "" {
			origin := normalizeOrigin(originRaw)
			if origin == "" {
				http.Error(w, HTTPErrorForbiddenOriginText, http.StatusForbidden)
				return
			}

			if policy.allowedOrigins != nil {
				if _, ok := policy.allowedOrigins[origin]; !ok {
					http.Error(w, HTTPErrorForbiddenOriginText, http.StatusForbidden)
					return
				}
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			if policy.allowMethods != "" {
				w.Header().Set("Access-Control-Allow-Methods", policy.allowMethods)
			}

			if policy.allowHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", policy.allowHeaders)
			} else if reqHdrs := r.Header.Get("Access-Control-Request-Headers"); reqHdrs != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHdrs)
			}

			if policy.maxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", policy.maxAge))
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *Server) withLoopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			http.Error(w, HTTPErrorForbiddenText, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) withExtensionLocalGuards(methods string, next http.HandlerFunc) http.HandlerFunc {
	extCors := corsPolicy{
		allowedOrigins: nil,
		allowMethods:   methods,
		allowHeaders:   "",
		maxAge:         corsMaxAgeSeconds,
	}
	return s.withCORS(extCors, func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			http.Error(w, HTTPErrorForbiddenText, http.StatusForbidden)
			return
		}
		if !isSafeLocalHost(r.Host) {
			http.Error(w, HTTPErrorForbiddenHostText, http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

func (s *Server) withExtensionPairedGuards(next http.HandlerFunc) http.HandlerFunc {
	return s.withExtensionLocalGuards("GET,POST,OPTIONS", func(w http.ResponseWriter, r *http.Request) {
		token, err := s.pairedToken(r)
		if err != nil {
			if !errors.Is(err, pairing.ErrNotPaired) {
				log.Error("load pairing token", "error", err)
			}
			http.Error(w, HTTPErrorNotPairedText, http.StatusPreconditionRequired)
			return
		}

		got := extensionToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			log.Warn("extension token rejected", "remote", r.RemoteAddr)
			http.Error(w, HTTPErrorUnauthorizedText, http.StatusUnauthorized)
			return
		}

		next(w, r)
	})
}

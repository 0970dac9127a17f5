// Package http is the background hop of the message router: a loopback-only
// server that a paired browser extension talks to. Request envelopes arrive
// over a WebSocket or a single POST and are handed to the dispatcher.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/pairing"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

type Options struct {
	Dispatcher *router.Dispatcher
	Store      storage.Store
	Keystore   *keystore.Keystore

	// BaseURL is the address the agent UI is served from, used in pair links.
	BaseURL        string
	AllowedOrigins []string
	PairingTTL     time.Duration
}

type Server struct {
	mux        *http.ServeMux
	dispatcher *router.Dispatcher
	store      storage.Store
	ks         *keystore.Keystore
	baseURL    string

	uiAllowedOrigins map[string]struct{}
	pairings         *pairing.Registry

	tokenMu sync.RWMutex
	token   string
}

func NewServer(opts Options) (*Server, error) {
	if opts.Dispatcher == nil || opts.Store == nil || opts.Keystore == nil {
		return nil, errors.New("http: dispatcher, store and keystore are required")
	}
	ttl := opts.PairingTTL
	if ttl <= 0 {
		ttl = constants.PairingExchangeTTL
	}

	s := &Server{
		mux:              http.NewServeMux(),
		dispatcher:       opts.Dispatcher,
		store:            opts.Store,
		ks:               opts.Keystore,
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		uiAllowedOrigins: originSet(opts.AllowedOrigins),
		pairings:         pairing.NewRegistry(ttl),
	}

	// CORS for local UI but no token required
	localUICors := corsPolicy{
		allowedOrigins: s.uiAllowedOrigins,
		allowMethods:   "GET,OPTIONS",
		allowHeaders:   "", // echo requested
		maxAge:         corsMaxAgeSeconds,
	}
	s.mux.HandleFunc("/healthz", s.withCORS(localUICors, s.withLoopbackOnly(s.handleHealth)))
	s.mux.HandleFunc("/status", s.withCORS(localUICors, s.withLoopbackOnly(s.handleStatus)))

	pairCors := corsPolicy{
		allowedOrigins: nil,
		allowMethods:   "POST,OPTIONS",
		allowHeaders:   "", // echo
		maxAge:         corsMaxAgeSeconds,
	}
	s.mux.HandleFunc("/pair/exchange", s.withCORS(pairCors, s.withLoopbackOnly(s.handleTokenPair)))

	// paired extension only
	s.mux.HandleFunc("/extension/ws", s.withExtensionPairedGuards(s.handleExtensionSocket))
	s.mux.HandleFunc("/extension/message", s.withExtensionPairedGuards(s.handleExtensionMessage))

	return s, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// NewPairing registers a fresh pair offer and returns it with the link the
// user opens to hand it to the extension.
func (s *Server) NewPairing() (pairing.Offer, string, error) {
	token, err := pairing.NewToken()
	if err != nil {
		return pairing.Offer{}, "", err
	}
	offer, err := s.pairings.Create(token)
	if err != nil {
		return pairing.Offer{}, "", err
	}

	pairURL := fmt.Sprintf(
		"%s/#/?server=%s&pair_id=%s&code=%s",
		s.baseURL,
		url.QueryEscape(s.baseURL),
		url.QueryEscape(offer.PairID),
		url.QueryEscape(offer.Code),
	)
	return offer, pairURL, nil
}

func (s *Server) pairedToken(r *http.Request) (string, error) {
	s.tokenMu.RLock()
	token := s.token
	s.tokenMu.RUnlock()
	if token != "" {
		return token, nil
	}

	token, err := pairing.LoadToken(r.Context(), s.store)
	if err != nil {
		return "", err
	}
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
	return token, nil
}

func (s *Server) setPairedToken(ctx context.Context, token string) error {
	if err := pairing.SaveToken(ctx, s.store, token); err != nil {
		return err
	}
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
	return nil
}

// HANDLERS
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, HTTPErrorMethodNotAllowedText, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, HTTPErrorMethodNotAllowedText, http.StatusMethodNotAllowed)
		return
	}

	_, err := s.pairedToken(r)
	st := s.ks.Status()
	writeJSON(w, http.StatusOK, statusResp{
		OK:       true,
		Paired:   err == nil,
		Unlocked: st.Unlocked,
		KeyID:    st.ActiveKeyID,
	})
}

func (s *Server) handleTokenPair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, HTTPErrorMethodNotAllowedText, http.StatusMethodNotAllowed)
		return
	}

	var req pairExchangeReq
	if err := readJSONBody(r, &req); err != nil {
		http.Error(w, HTTPErrorInvalidJSONText, http.StatusBadRequest)
		return
	}
	req.PairID = strings.TrimSpace(req.PairID)
	req.Code = strings.TrimSpace(req.Code)
	if req.PairID == "" || req.Code == "" {
		http.Error(w, PairingErrorMissingPairIDOrCodeText, http.StatusBadRequest)
		return
	}

	token, err := s.pairings.Exchange(req.PairID, req.Code)
	switch {
	case errors.Is(err, pairing.ErrPairExpired):
		http.Error(w, PairingErrorPairExpiredText, http.StatusGone)
		return
	case errors.Is(err, pairing.ErrInvalidCode):
		log.Warn("pair exchange with wrong code", "pair_id", req.PairID)
		http.Error(w, PairingErrorInvalidCodeText, http.StatusUnauthorized)
		return
	case err != nil:
		http.Error(w, HTTPErrorBadRequestText, http.StatusBadRequest)
		return
	}

	if err := s.setPairedToken(r.Context(), token); err != nil {
		log.Error("persist pairing token", "error", err)
		http.Error(w, router.GenericErrorMessage, http.StatusInternalServerError)
		return
	}
	log.Info("extension paired", "pair_id", req.PairID)

	writeJSON(w, http.StatusOK, pairExchangeResp{
		OK:     true,
		Token:  token,
		Header: extensionPairHeader,
	})
}

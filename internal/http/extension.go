package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// handleExtensionSocket serves one extension connection. Every text frame is
// a request envelope dispatched on its own goroutine; answers are written in
// completion order, so the extension correlates them by messageId.
func (s *Server) handleExtensionSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// the pairing token already authenticated the peer
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warn("extension websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxEnvelopeBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log.Info("extension connected", "remote", r.RemoteAddr)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Warn("extension websocket read", "error", err)
			}
			log.Info("extension disconnected", "remote", r.RemoteAddr)
			return
		}
		if typ != websocket.MessageText {
			log.Error("protocol violation: binary frame from extension")
			_ = conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.dispatcher.DispatchJSON(ctx, data)
			if err != nil {
				log.Error("protocol violation: malformed envelope dropped", "error", err)
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				log.Warn("extension websocket write", "error", err)
			}
		}()
	}
}

func (s *Server) handleExtensionMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, HTTPErrorMethodNotAllowedText, http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		http.Error(w, HTTPErrorBadRequestText, http.StatusBadRequest)
		return
	}

	out, err := s.dispatcher.DispatchJSON(r.Context(), body)
	if err != nil {
		log.Error("protocol violation: malformed envelope rejected", "error", err)
		http.Error(w, HTTPErrorBadRequestText, http.StatusBadRequest)
		return
	}
	writeRaw(w, http.StatusOK, out)
}

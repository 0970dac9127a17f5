package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

// HandlerFunc serves one RequestKind. The returned value must marshal to a
// JSON object (or be nil); its fields are flattened into the response.
type HandlerFunc func(ctx context.Context, req Request, store storage.Store, ks *keystore.Keystore) (any, error)

type Table map[RequestKind]HandlerFunc

// Dispatcher is a pure lookup from kind to handler. It holds no state of
// its own; everything a handler touches is passed in or closed over.
type Dispatcher struct {
	table Table
	store storage.Store
	ks    *keystore.Keystore
}

// NewDispatcher rejects a table that is missing a kind or names one that
// does not exist.
func NewDispatcher(table Table, store storage.Store, ks *keystore.Keystore) (*Dispatcher, error) {
	if store == nil || ks == nil {
		return nil, errors.New("router: store and keystore are required")
	}

	var missing, unknown []string
	for _, k := range allRequestKinds {
		if table[k] == nil {
			missing = append(missing, string(k))
		}
	}
	for k := range table {
		if !k.Valid() {
			unknown = append(unknown, string(k))
		}
	}
	if len(missing) > 0 || len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("router: handler table incomplete: missing=[%s] unknown=[%s]",
			strings.Join(missing, ","), strings.Join(unknown, ","))
	}

	t := make(Table, len(table))
	for k, h := range table {
		t[k] = h
	}
	return &Dispatcher{table: t, store: store, ks: ks}, nil
}

// Dispatch runs the handler for req and always returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	if req.Source != SourceRequest {
		log.Error("protocol violation: dispatch of non-request envelope", "source", string(req.Source), "message_id", req.MessageID)
		return ErrorResponse(req.MessageID, GenericErrorMessage)
	}

	h, ok := d.table[req.Type]
	if !ok {
		log.Warn("unknown request kind", "type", string(req.Type), "message_id", req.MessageID)
		return ErrorResponse(req.MessageID, string(KindUnknownRequest))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "type", string(req.Type), "message_id", req.MessageID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			resp = ErrorResponse(req.MessageID, GenericErrorMessage)
		}
	}()

	result, err := h(ctx, req, d.store, d.ks)
	if err != nil {
		logHandlerError(req, err)
		return ErrorResponse(req.MessageID, PublicMessage(err))
	}

	resp, err = NewResponse(req.MessageID, result)
	if err != nil {
		log.Error("protocol violation: handler result is not an object", "type", string(req.Type), "error", err)
		return ErrorResponse(req.MessageID, GenericErrorMessage)
	}
	return resp
}

// DispatchJSON decodes one request envelope, dispatches it and encodes the
// response. A body that is not a request envelope is an error; nothing is
// dispatched for it.
func (d *Dispatcher) DispatchJSON(ctx context.Context, body []byte) ([]byte, error) {
	var req Request
	if err := req.UnmarshalJSON(body); err != nil {
		return nil, err
	}
	if req.Source != SourceRequest {
		return nil, fmt.Errorf("%w: source %q", ErrMalformedEnvelope, req.Source)
	}
	resp := d.Dispatch(ctx, req)
	return resp.MarshalJSON()
}

func logHandlerError(req Request, err error) {
	kind := Classify(err)
	detail := err.Error()
	var de interface{ LogDetail() string }
	if errors.As(err, &de) {
		detail = de.LogDetail()
	}

	switch kind {
	case KindProtocolViolation, KindStorage:
		log.Error("request failed", "type", string(req.Type), "message_id", req.MessageID, "kind", string(kind), "error", detail)
	default:
		log.Info("request refused", "type", string(req.Type), "message_id", req.MessageID, "kind", string(kind), "error", detail)
	}
}

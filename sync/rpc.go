package sync

import (
	"context"
	"encoding/json"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
)

// Conn abstracts the WebSocket connection for testability.
// The real implementation wraps gorilla/websocket; tests use a channel pair.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// ServeConn answers requests read from conn with api until the connection
// closes or ctx is done. Requests on one connection are handled in order.
func ServeConn(ctx context.Context, api HubAPI, conn Conn, log *zap.SugaredLogger) error {
	if log == nil {
		log = logger.Nop()
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var req Msg
		if err := conn.ReadJSON(&req); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to read sync request")
		}

		reply := dispatch(ctx, api, req)
		if reply.Error != nil {
			log.Debugw("Sync request failed",
				logger.FieldMsgType, req.Type,
				logger.FieldErrorCode, reply.Error.Code,
				logger.FieldError, reply.Error.Message,
			)
		}
		if err := conn.WriteJSON(reply); err != nil {
			return errors.Wrapf(err, "failed to write %s reply", req.Type)
		}
	}
}

func dispatch(ctx context.Context, api HubAPI, req Msg) Msg {
	var (
		result any
		err    error
	)
	switch req.Type {
	case MsgHandshake:
		var body HandshakeRequest
		if err = decodeBody(req, &body); err == nil {
			result, err = api.Handshake(ctx, body)
		}
	case MsgChunkUpload:
		var body ChunkUpload
		if err = decodeBody(req, &body); err == nil {
			result, err = api.UploadChunk(ctx, body)
		}
	case MsgChunkDownload:
		var body ChunkRequest
		if err = decodeBody(req, &body); err == nil {
			result, err = api.DownloadChunk(ctx, body)
		}
	case MsgCommit:
		var body CommitRequest
		if err = decodeBody(req, &body); err == nil {
			result, err = api.Commit(ctx, body)
		}
	case MsgComplete:
		var body sessionRef
		if err = decodeBody(req, &body); err == nil {
			err = api.Complete(ctx, body.SessionID)
			result = body
		}
	case MsgStatus:
		var body sessionRef
		if err = decodeBody(req, &body); err == nil {
			result, err = api.Status(ctx, body.SessionID)
		}
	case MsgCancel:
		var body cancelBody
		if err = decodeBody(req, &body); err == nil {
			err = api.Cancel(ctx, body.SessionID, body.Reason)
			result = sessionRef{SessionID: body.SessionID}
		}
	default:
		err = errors.NewInvalidRequestError("unknown message type %q", req.Type)
	}

	if err != nil {
		return Msg{Type: MsgError, ID: req.ID, Error: EncodeError(err)}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Msg{Type: MsgError, ID: req.ID, Error: EncodeError(errors.Wrap(err, "encode reply"))}
	}
	return Msg{Type: req.Type.Result(), ID: req.ID, Body: raw}
}

func decodeBody(req Msg, v any) error {
	if len(req.Body) == 0 {
		return errors.NewInvalidRequestError("%s: empty body", req.Type)
	}
	if err := json.Unmarshal(req.Body, v); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s: decode body", req.Type), errors.ErrInvalidRequest)
	}
	return nil
}

// RemoteHub implements HubAPI over a Conn. Calls are serialized; each
// waits for its reply before the next is sent. Cancelling a call's context
// while it waits closes the connection.
type RemoteHub struct {
	mu     gosync.Mutex
	conn   Conn
	nextID uint64
	broken error
}

var _ HubAPI = (*RemoteHub)(nil)

// NewRemoteHub returns a hub client speaking over conn.
func NewRemoteHub(conn Conn) *RemoteHub {
	return &RemoteHub{conn: conn}
}

// MaxConcurrentCalls is 1: calls take turns on the connection.
func (r *RemoteHub) MaxConcurrentCalls() int { return 1 }

// Close closes the underlying connection.
func (r *RemoteHub) Close() error { return r.conn.Close() }

func (r *RemoteHub) call(ctx context.Context, t MsgType, body, out any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken != nil {
		return r.broken
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "encode %s", t)
	}
	r.nextID++
	id := r.nextID

	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()

	if err := r.conn.WriteJSON(Msg{Type: t, ID: id, Body: raw}); err != nil {
		return r.fail(ctx, errors.Wrapf(err, "send %s", t))
	}
	var reply Msg
	if err := r.conn.ReadJSON(&reply); err != nil {
		return r.fail(ctx, errors.Wrapf(err, "receive %s reply", t))
	}
	if reply.ID != id {
		return r.fail(ctx, errors.Newf("%s: reply id %d, expected %d", t, reply.ID, id))
	}

	switch reply.Type {
	case MsgError:
		if reply.Error == nil {
			return errors.Newf("%s failed without detail", t)
		}
		return reply.Error.Err()
	case t.Result():
	default:
		return r.fail(ctx, errors.Newf("expected %s, got %s", t.Result(), reply.Type))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Body, out); err != nil {
		return errors.Wrapf(err, "decode %s", reply.Type)
	}
	return nil
}

// fail marks the connection unusable. Every later call returns err.
func (r *RemoteHub) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.WithSecondaryError(ctxErr, err)
	}
	r.broken = errors.Mark(err, errors.ErrServiceUnavailable)
	return r.broken
}

// Handshake implements HubAPI.
func (r *RemoteHub) Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error) {
	var resp HandshakeResponse
	return resp, r.call(ctx, MsgHandshake, req, &resp)
}

// UploadChunk implements HubAPI.
func (r *RemoteHub) UploadChunk(ctx context.Context, c ChunkUpload) (ChunkAck, error) {
	var ack ChunkAck
	return ack, r.call(ctx, MsgChunkUpload, c, &ack)
}

// DownloadChunk implements HubAPI.
func (r *RemoteHub) DownloadChunk(ctx context.Context, req ChunkRequest) (chunk.Chunk, error) {
	var c chunk.Chunk
	return c, r.call(ctx, MsgChunkDownload, req, &c)
}

// Commit implements HubAPI.
func (r *RemoteHub) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	var res CommitResult
	return res, r.call(ctx, MsgCommit, req, &res)
}

// Complete implements HubAPI.
func (r *RemoteHub) Complete(ctx context.Context, sessionID string) error {
	return r.call(ctx, MsgComplete, sessionRef{SessionID: sessionID}, nil)
}

// Status implements HubAPI.
func (r *RemoteHub) Status(ctx context.Context, sessionID string) (StatusResponse, error) {
	var resp StatusResponse
	return resp, r.call(ctx, MsgStatus, sessionRef{SessionID: sessionID}, &resp)
}

// Cancel implements HubAPI.
func (r *RemoteHub) Cancel(ctx context.Context, sessionID, reason string) error {
	return r.call(ctx, MsgCancel, cancelBody{SessionID: sessionID, Reason: reason}, nil)
}

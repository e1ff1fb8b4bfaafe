package server

import (
	"context"
	"encoding/json"
	"objrpc/codec"
	"objrpc/message"
	"objrpc/middleware"
	"objrpc/protocol"
	"time"

	"go.uber.org/zap"
)

// handleRequest runs one request frame through decode, the middleware chain and
// the business handler, then writes exactly one response frame back.
//
// A body that does not decode leaves the stream in an unknown state, so the
// connection is dropped instead of answered.
func (svr *Server) handleRequest(c *conn, header *protocol.Header, body []byte) {
	if header.MsgType != protocol.MsgTypeRequest {
		svr.logger.Warn("unexpected frame type, closing connection",
			zap.Stringer("peer", c.addr), zap.Uint8("msg_type", uint8(header.MsgType)))
		svr.drop(c)
		return
	}

	cd, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		svr.logger.Warn("closing connection", zap.Stringer("peer", c.addr), zap.Error(err))
		svr.drop(c)
		return
	}
	req := &message.Request{}
	if err := cd.Decode(body, req); err != nil {
		svr.logger.Warn("undecodable request, closing connection", zap.Stringer("peer", c.addr), zap.Error(err))
		svr.drop(c)
		return
	}

	ctx := middleware.ContextWithPeer(context.Background(), c.addr)
	resp := svr.call(ctx, req)

	resp, out, err := svr.encodeResponse(cd, resp)
	if err != nil {
		svr.logger.Error("cannot encode response, closing connection",
			zap.Stringer("peer", c.addr), zap.String("method", req.Method), zap.Error(err))
		svr.drop(c)
		return
	}

	if svr.opts.writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(svr.opts.writeTimeout))
	}
	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Status:    byte(resp.Status),
		Seq:       header.Seq, // Echoed so the client can detect a desynced stream
	}
	if err := protocol.Encode(c.nc, &reply, out, svr.opts.maxBodySize); err != nil {
		svr.logger.Debug("write failed, closing connection", zap.Stringer("peer", c.addr), zap.Error(err))
		svr.drop(c)
	}
}

// encodeResponse encodes resp. A response that does not encode or does not fit
// in a frame is replaced by a call failure saying so. The error is set only when
// even that failure cannot be encoded.
func (svr *Server) encodeResponse(cd codec.Codec, resp *message.Response) (*message.Response, []byte, error) {
	out, err := cd.Encode(resp)
	if err == nil && len(out) > svr.opts.maxBodySize {
		resp = message.Failure(message.StatusCallFailed, "response exceeds maximum message size (%d > %d bytes)", len(out), svr.opts.maxBodySize)
		out, err = cd.Encode(resp)
	}
	if err != nil {
		resp = message.Failure(message.StatusCallFailed, "encode response: %v", err)
		out, err = cd.Encode(resp)
	}
	return resp, out, err
}

// call runs the handler chain. A panicking middleware is reported to the caller
// like a failing method.
func (svr *Server) call(ctx context.Context, req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("handler panic", zap.String("method", req.Method), zap.Any("panic", r))
			resp = message.Failure(message.StatusCallFailed, "panic in %s: %v", req.Method, r)
		}
	}()

	svr.mu.Lock()
	handler := svr.handler
	svr.mu.Unlock()

	resp = handler(ctx, req)
	if resp == nil {
		resp = message.Failure(message.StatusCallFailed, "no response for %s", req.Method)
	}
	return resp
}

// businessHandler is the innermost handler: registry lookup and invocation.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	method, ok := svr.registry.Lookup(req.Method)
	if !ok {
		return message.Failure(message.StatusMethodNotFound,
			"'%s' object has no attribute '%s'", svr.registry.TypeName(), req.Method)
	}

	result, err := method.Invoke(ctx, req.Args, req.Kwargs)
	if err != nil {
		return message.Failure(message.StatusCallFailed, "%s", err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return message.Failure(message.StatusCallFailed, "encode result of %s: %v", req.Method, err)
	}
	return &message.Response{
		Success: true,
		Status:  message.StatusOK,
		Payload: payload,
	}
}

package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/endpoint"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/pipeline"
	"github.com/hetu-io/hetu/internal/subscription"
)

// motdText is the fixed message-of-the-day text sent in reply to a
// client's motd frame.
const motdText = "hetu kernel ready"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// router builds the node's HTTP surface: liveness, Prometheus metrics, and
// the WebSocket upgrade endpoint the message pipeline rides on.
func (n *node) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", n.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(n.promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws", n.handleWS)
	return r
}

func (n *node) handleHealthz(w http.ResponseWriter, r *http.Request) {
	synced, err := n.client.IsSynced(r.Context())
	if err != nil || !synced {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not synced"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWS upgrades one HTTP request to a WebSocket and runs its whole
// connection lifecycle: plaintext ECDH handshake, then every subsequent
// frame through the sealed message pipeline, per spec.md §6.
func (n *node) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var hello pipeline.ClientHello
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}

	reply, recvKey, sendKey, err := pipeline.Handshake(n.securityConfig(), hello)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "handshake failed"})
		return
	}
	if err := conn.WriteJSON(reply); err != nil {
		return
	}

	p := pipeline.New(recvKey, sendKey, n.cfg.Server.MaxFrameBytes)

	device, deviceID := deviceInfo(r)
	endpointCtx, err := n.executor.Initialize(r.Context(), r.RemoteAddr, device, deviceID)
	if err != nil {
		n.log.WithField("error", err.Error()).Warn("connection initialize failed")
		return
	}
	defer func() {
		if err := n.executor.Terminate(context.Background(), endpointCtx); err != nil {
			n.log.WithField("error", err.Error()).Warn("connection terminate failed")
		}
	}()

	connCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	broker := subscription.New(n.client, n.cfg.Server.Instance, baseClusterID, n.merged)
	defer broker.Close()

	c := &wsConn{conn: conn, pipeline: p}

	go func() {
		if err := broker.Pull(connCtx); err != nil && connCtx.Err() == nil {
			n.log.WithField("error", err.Error()).Warn("subscription pull loop ended")
		}
	}()
	go func() {
		err := broker.GetUpdates(connCtx, func(u subscription.Update) {
			rows := make(map[string]interface{}, len(u.Deltas))
			for _, d := range u.Deltas {
				if d.Row == nil {
					rows[strconv.FormatInt(d.ID, 10)] = nil
				} else {
					rows[strconv.FormatInt(d.ID, 10)] = d.Row
				}
			}
			c.send(pipeline.UpdtFrame(u.SubID, rows))
		})
		if err != nil && connCtx.Err() == nil {
			n.log.WithField("error", err.Error()).Warn("subscription get_updates loop ended")
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !endpointCtx.Flood.AllowClient() {
			return
		}

		frame, err := p.DecodeInbound(raw)
		if err != nil {
			return
		}

		disconnect := n.dispatchFrame(r.Context(), endpointCtx, broker, c, frame)
		if disconnect {
			return
		}
	}
}

// wsConn serializes outbound writes: the RPC-reply path and the
// subscription push path both write to the same connection concurrently,
// and gorilla/websocket forbids concurrent writers.
type wsConn struct {
	conn     *websocket.Conn
	pipeline *pipeline.Pipeline
	mu       sync.Mutex
}

func (c *wsConn) send(frame []interface{}) {
	sealed, err := c.pipeline.EncodeOutbound(frame)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.BinaryMessage, sealed)
}

// dispatchFrame runs one decoded client frame against the kernel and
// writes its reply (or push acknowledgement), reporting whether the
// connection must be torn down afterward.
func (n *node) dispatchFrame(ctx context.Context, ectx *endpoint.Context, broker *subscription.Broker, c *wsConn, frame *pipeline.ClientFrame) bool {
	switch {
	case frame.RPC != nil:
		return n.dispatchRPC(ctx, ectx, c, frame.RPC)
	case frame.Sub != nil:
		return n.dispatchSub(ctx, ectx, broker, c, frame.Sub)
	case frame.Unsub != nil:
		broker.Unsubscribe(frame.Unsub.SubID)
		return false
	case frame.Motd:
		c.send(pipeline.MotdFrame(motdText))
		return false
	default:
		return true
	}
}

func (n *node) dispatchRPC(ctx context.Context, ectx *endpoint.Context, c *wsConn, rpc *pipeline.RPCFrame) bool {
	namespace, name, ok := splitEndpoint(rpc.Endpoint)
	if !ok {
		return true
	}
	reply, disconnect, err := n.executor.Dispatch(ctx, ectx, namespace, name, rpc.Args)
	if err != nil {
		n.log.WithField("error", err.Error()).Debug("rpc dispatch failed")
		return disconnect
	}
	c.send(pipeline.RspFrame(reply))
	return disconnect
}

func (n *node) dispatchSub(ctx context.Context, ectx *endpoint.Context, broker *subscription.Broker, c *wsConn, sub *pipeline.SubFrame) bool {
	callerCtx := component.CallerContext{Caller: ectx.Caller, AdminGroup: ectx.AdminGroup}

	switch sub.Op {
	case "get":
		if len(sub.Args) < 2 {
			return true
		}
		indexName, ok := sub.Args[0].(string)
		if !ok {
			return true
		}
		subID, row, err := broker.SubscribeGet(ctx, sub.Component, callerCtx, indexName, sub.Args[1], n.cfg.Auth.AdminGroupPrefix)
		if err != nil {
			c.send(pipeline.ErrorRspFrame(herrorKind(err), err.Error()))
			return false
		}
		c.send(pipeline.SubReplyFrame(subID, row))
		return false

	case "range":
		if len(sub.Args) < 6 {
			return true
		}
		indexName, ok := sub.Args[0].(string)
		if !ok {
			return true
		}
		limit, _ := toInt(sub.Args[3])
		desc, _ := sub.Args[4].(bool)
		force, _ := sub.Args[5].(bool)
		subID, rows, err := broker.SubscribeRange(ctx, sub.Component, callerCtx, indexName, sub.Args[1], sub.Args[2], limit, desc, force, n.cfg.Auth.AdminGroupPrefix)
		if err != nil {
			c.send(pipeline.ErrorRspFrame(herrorKind(err), err.Error()))
			return false
		}
		c.send(pipeline.SubReplyFrame(subID, rows))
		return false

	default:
		return true
	}
}

func herrorKind(err error) herrors.Kind {
	if he := herrors.As(err); he != nil {
		return he.Kind
	}
	return herrors.KindInternal
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func splitEndpoint(full string) (namespace, name string, ok bool) {
	idx := strings.IndexByte(full, '.')
	if idx <= 0 || idx == len(full)-1 {
		return "", "", false
	}
	return full[:idx], full[idx+1:], true
}

func deviceInfo(r *http.Request) (device, deviceID string) {
	device = r.Header.Get("X-Hetu-Device")
	deviceID = r.Header.Get("X-Hetu-Device-Id")
	if device == "" {
		device = "unknown"
	}
	return device, deviceID
}

func (n *node) securityConfig() pipeline.SecurityConfig {
	return pipeline.SecurityConfig{
		RequireHelloHMAC: n.cfg.Security.RequireHelloHMAC,
		AuthKey:          []byte(n.cfg.Security.AuthKey),
	}
}

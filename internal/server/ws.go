package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/hub"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMessage = 4096
)

// JSONFrame is the websocket form of a wire.Frame. Bytes are space
// separated hex, e.g. "41 00 BE 1F".
type JSONFrame struct {
	Kind  string `json:"kind"`
	Fmt   string `json:"fmt,omitempty"`
	Src   string `json:"src,omitempty"`
	Dest  string `json:"dest,omitempty"`
	Time  string `json:"time,omitempty"`
	Data  string `json:"data,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// JSONRequest is what a websocket client sends: {"data":"01 00"}. Src is
// optional hex.
type JSONRequest struct {
	Data string `json:"data"`
	Src  string `json:"src,omitempty"`
}

func (s *Server) toJSON(f wire.Frame) JSONFrame {
	j := JSONFrame{Kind: f.Kind.String()}
	if !f.Time.IsZero() {
		j.Time = f.Time.UTC().Format(time.RFC3339Nano)
	}
	if f.Kind == wire.KindError {
		j.Error = string(f.Data)
		return j
	}
	if f.Fmt != 0 {
		j.Fmt = f.Fmt.String()
	}
	j.Src = fmt.Sprintf("%02X", f.Src)
	j.Dest = fmt.Sprintf("%02X", f.Dest)
	j.Data = fmt.Sprintf("% X", f.Data)
	if s.describe != nil && len(f.Data) > 0 {
		j.Text = s.describe(f)
	}
	return j
}

// ParseJSONRequest validates a websocket request into a request frame.
func ParseJSONRequest(b []byte) (wire.Frame, error) {
	var req JSONRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return wire.Frame{}, fmt.Errorf("%w: %v", diag.ErrBadData, err)
	}
	data, err := diag.ParseHex(req.Data)
	if err != nil {
		return wire.Frame{}, err
	}
	if len(data) == 0 || len(data) > wire.MaxData {
		return wire.Frame{}, fmt.Errorf("%w: %d data bytes", diag.ErrBadLength, len(data))
	}
	f := wire.Frame{Kind: wire.KindRequest, Data: data, Time: time.Now()}
	if req.Src != "" {
		src, err := diag.ParseHex(req.Src)
		if err != nil || len(src) != 1 {
			return wire.Frame{}, fmt.Errorf("%w: src %q", diag.ErrBadData, req.Src)
		}
		f.Src = src[0]
	}
	return f, nil
}

// WebSocketHandler serves the monitor stream as JSON text messages.
func (s *Server) WebSocketHandler() http.Handler {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.nextID.Add(1)
		log := s.logger.With("conn_id", id, "remote", r.RemoteAddr, "transport", "ws")
		if s.full() {
			s.reject(log)
			http.Error(w, "too many clients", http.StatusServiceUnavailable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			_ = s.fail(ErrHandshake, err)
			log.Warn("ws_upgrade_failed", "error", err)
			return
		}
		s.totalAccepted.Add(1)
		cl := s.register(fmt.Sprintf("ws#%d", id), conn.NetConn())
		log.Info("client_connected")
		s.wg.Add(2)
		go s.wsWriter(conn, cl, log)
		go s.wsReader(conn, cl, log)
	})
}

func (s *Server) wsWriter(conn *websocket.Conn, cl *hub.Client, log *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.unregister(cl, log)
	}()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case f := <-cl.Out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(s.toJSON(f)); err != nil {
				_ = s.fail(ErrWSWrite, err)
				return
			}
			metrics.IncWSTx()
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-cl.Closed:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (s *Server) wsReader(conn *websocket.Conn, cl *hub.Client, log *slog.Logger) {
	defer s.wg.Done()
	defer cl.Close()
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readDeadline))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				_ = s.fail(ErrWSRead, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		metrics.IncWSRx()
		f, err := ParseJSONRequest(msg)
		if err != nil {
			log.Debug("ws_bad_request", "error", err)
			select {
			case cl.Out <- wire.FromError(err):
			default:
			}
			continue
		}
		s.submit(f, cl, log)
	}
}

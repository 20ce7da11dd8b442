package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"Ethy/internal/bridge"
	"Ethy/internal/logger"
	"Ethy/internal/notification"
)

const (
	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second

	// pingInterval is the keepalive period of subscriptions.
	pingInterval = 30 * time.Second
)

// handleSubscribe handles GET /ws/event-proofs.
// The subscription lives as long as the connection.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	chain, err := bridge.ParseChainID(r.URL.Query().Get("chain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, cancel := s.p.Hub.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}

		case p, ok := <-sub.C:
			if !ok {
				return
			}

			if p.Chain != chain {
				continue
			}

			if err := s.push(conn, p); err != nil {
				logger.Debug("subscription write failed", "error", err)
				return
			}
		}
	}
}

// push writes one proof in the response format of its chain.
func (s *Server) push(conn *websocket.Conn, p notification.Proof) error {
	var (
		msg any
		err error
	)

	switch p.Chain {
	case bridge.ChainXrpl:
		resp, rerr := s.xrplResponse(p.Proof)
		if resp != nil {
			msg = resp
		}
		err = rerr
	default:
		resp, rerr := s.eventResponse(p.Proof)
		if resp != nil {
			msg = resp
		}
		err = rerr
	}

	if err != nil {
		logger.Warn("build subscription message failed", "event", p.Proof.Proof.EventID, "error", err)
		return nil
	}
	if msg == nil {
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return conn.WriteJSON(msg)
}

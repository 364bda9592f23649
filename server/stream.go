package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"southwinds.dev/veritas"
	"southwinds.dev/veritas/audit"
)

const streamWriteTimeout = 5 * time.Second

// stream upgrades to a websocket and sends every link committed from now on.
// With ?from=N the links already in the chain from index N are sent first.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		writeError(w, http.StatusNotFound, "streaming is not enabled")
		return
	}

	from := int64(-1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 63)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		from = int64(n)
	}

	// the server-wide deadlines do not apply to long-lived streams
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.config.AllowedOrigins),
	})
	if err != nil {
		log.Printf("WARNING: stream upgrade failed: %v\n", err)
		return
	}
	defer conn.CloseNow()

	// subscribe before the backlog snapshot so no link falls between them
	events, cancel := s.broadcaster.Subscribe()
	defer cancel()

	// the client only listens; reading detects when it goes away
	ctx := conn.CloseRead(r.Context())

	sent := int64(-1)
	if from >= 0 {
		for _, link := range s.service.GetChain(ctx) {
			if int64(link.Index) < from {
				continue
			}
			if err = writeLink(ctx, conn, link); err != nil {
				return
			}
			sent = int64(link.Index)
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if int64(event.Index) <= sent {
				continue
			}
			if err = writeLink(ctx, conn, linkFromEvent(event)); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("WARNING: stream write failed: %v\n", err)
				}
				return
			}
		}
	}
}

func writeLink(ctx context.Context, conn *websocket.Conn, link veritas.ChainLink) error {
	raw, err := json.Marshal(link)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, raw)
}

func linkFromEvent(e audit.Event) veritas.ChainLink {
	return veritas.ChainLink{
		Index:             e.Index,
		Timestamp:         e.Timestamp,
		ActorIdentity:     e.ActorIdentity,
		ActionType:        e.ActionType,
		ArtifactSignature: e.ArtifactSignature,
		PreviousHash:      e.PreviousHash,
		LockHash:          e.LockHash,
	}
}

// originPatterns turns the CORS allowlist into websocket host patterns
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

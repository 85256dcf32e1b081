package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/derktes/ir-remote-mapper/collector/collector"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// timestampLayout matches the ISO strings the web client records
const timestampLayout = "2006-01-02T15:04:05.000Z"

// sessionStreamHandler serves one web client: capture requests flow in,
// readings and capture errors flow out.
func (s *Server) sessionStreamHandler(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.HTTP.AllowedOrigins})
	if err != nil {
		log.Print(err)
		return
	}
	log.Printf("Accepted websocket request from %s", r.RemoteAddr)
	defer log.Printf("Closing websocket connection for %s", r.RemoteAddr)
	defer c.Close(websocket.StatusNormalClosure, "Handler exits")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := newSession(r.RemoteAddr)
	s.hub.register(sess)
	defer s.hub.unregister(sess)

	go func() {
		defer cancel()
		for {
			_, raw, err := c.Read(ctx)
			if err != nil {
				if debugMode.Load() {
					log.Print(err)
				}
				return
			}
			s.hub.onSessionMessage(ctx, sess, raw)
		}
	}()
	for {
		select {
		case m := <-sess.outbound:
			if err := writeMessage(ctx, c, m); err != nil {
				log.Print(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeMessage(ctx context.Context, c *websocket.Conn, m serverMessage) error {
	ctx, cancelFunc := context.WithTimeout(ctx, 1*time.Second)
	defer cancelFunc()

	return wsjson.Write(ctx, c, m)
}

func (s *Server) listRemotesHandler(w http.ResponseWriter, r *http.Request) {
	remotes, err := s.db.listRemotes()
	if err != nil {
		log.Print(err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, remotes)
}

func (s *Server) createRemoteHandler(w http.ResponseWriter, r *http.Request) {
	var remote collector.RemoteDefinition
	if err := json.NewDecoder(r.Body).Decode(&remote); err != nil {
		writeError(w, http.StatusBadRequest, "invalid remote: "+err.Error())
		return
	}
	normalizeRemote(&remote)
	if err := s.db.createRemote(remote); err != nil {
		switch {
		case errors.Is(err, ErrInvalidRemote):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrRemoteExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.Print(err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	log.Printf("Created remote '%s'", remote.Name)
	writeJSON(w, http.StatusCreated, remote)
}

func (s *Server) appendButtonHandler(w http.ResponseWriter, r *http.Request) {
	var req buttonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid button: "+err.Error())
		return
	}
	if req.ButtonData.Timestamp == "" {
		req.ButtonData.Timestamp = time.Now().UTC().Format(timestampLayout)
	}
	if err := s.db.appendButton(req.RemoteName, req.ButtonData); err != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			writeError(w, http.StatusNotFound, "Remote not found")
			return
		}
		log.Print(err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("Mapped button '%s' on remote '%s'", req.ButtonData.Name, req.RemoteName)
	writeJSON(w, http.StatusCreated, req.ButtonData)
}

func (s *Server) deployHandler(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid deploy request: "+err.Error())
		return
	}
	remotes, err := s.db.listRemotes()
	if err != nil {
		log.Print(err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, err := s.deployer.deploy(r.Context(), req.RemoteNames, remotes)
	if err != nil {
		log.Print(err)
		if errors.Is(err, collector.ErrLinkUnavailable) {
			writeError(w, http.StatusInternalServerError, collector.ErrLinkUnavailable.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{Success: true, Message: "Deployment started", Deployed: n})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Connected:      s.link.Connected(),
		Port:           s.link.Port(),
		Sessions:       s.hub.count(),
		CapturePending: s.capture.isPending(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	output, err := json.Marshal(v)
	if err != nil {
		log.Print(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(output)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
)

// eventKeepAlive is how often an idle event stream gets a comment line
// so proxies do not time it out.
const eventKeepAlive = 25 * time.Second

// handleEvents streams lifecycle events as server-sent events. The SSE
// event type is the event kind; the data is the JSON event. An optional
// ?source=connections,invoker narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	bus := s.host.Events()
	if bus == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream not enabled")
		return
	}

	var sources []string
	if q := r.URL.Query().Get("source"); q != "" {
		for _, src := range strings.Split(q, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources = append(sources, src)
			}
		}
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := bus.Subscribe(64, sources...)
	defer bus.Unsubscribe(ch)

	// Headers go out now so clients see the stream open before the
	// first event.
	if err := sess.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			msg := &sse.Message{}
			msg.AppendComment("keep-alive")
			if sess.Send(msg) != nil || sess.Flush() != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Debug("skipping unencodable event", "kind", ev.Kind, "error", err)
				continue
			}
			msg := &sse.Message{Type: sse.Type(ev.Kind)}
			msg.AppendData(string(data))
			if sess.Send(msg) != nil || sess.Flush() != nil {
				return
			}
		}
	}
}

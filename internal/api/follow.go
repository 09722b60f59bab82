package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/netwatch/updater/internal/job"
	"github.com/netwatch/updater/internal/storage"
)

const followChunk = 64 << 10

// LinesMessage carries log lines appended since the previous message.
type LinesMessage struct {
	Type  string   `json:"type"`
	JobID string   `json:"job_id"`
	Lines []string `json:"lines"`
}

// DoneMessage is the last message of a follow stream.
type DoneMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	State    job.State `json:"state"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// FollowJob streams a job's log over a websocket, from the beginning, until
// the job is terminal and every line has been sent.
func (h *Handlers) FollowJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !storage.ValidID(id) || !h.logs.Exists(id) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.WithField("job_id", id).WithError(err).Warn("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// clients never send anything; CloseRead notices when they go away
	ctx := conn.CloseRead(r.Context())

	if err := h.follow(ctx, conn, id); err != nil {
		if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
			log.WithField("job_id", id).WithError(err).Warn("follow stream ended")
		}
		return
	}
	conn.Close(websocket.StatusNormalClosure, "job finished")
}

func (h *Handlers) follow(ctx context.Context, conn *websocket.Conn, id string) error {
	var offset int64
	var lines lineBuffer

	ticker := time.NewTicker(h.followInterval)
	defer ticker.Stop()

	for {
		// state is read before the log so a terminal job has no lines left
		// behind the final read; a log without a record has no writer
		j, err := h.jobs.GetJob(id)
		terminal := err != nil || j.State.Terminal()

		for {
			data, err := h.logs.ReadFrom(id, offset, followChunk)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				break
			}
			offset += int64(len(data))

			if complete := lines.feed(data); complete != nil {
				if err := h.sendLines(ctx, conn, id, complete); err != nil {
					return err
				}
			}
		}

		if terminal {
			if rest := lines.flush(); rest != nil {
				if err := h.sendLines(ctx, conn, id, rest); err != nil {
					return err
				}
			}
			done := DoneMessage{Type: "done", JobID: id}
			if j != nil {
				done.State = j.State
				done.ExitCode = j.ExitCode
				done.Error = j.Error
			}
			return wsjson.Write(ctx, conn, done)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Handlers) sendLines(ctx context.Context, conn *websocket.Conn, id string, chunk []byte) error {
	lines := bytes.Split(chunk, []byte("\n"))
	msg := LinesMessage{Type: "lines", JobID: id, Lines: make([]string, len(lines))}
	for i, l := range lines {
		msg.Lines[i] = string(bytes.TrimSuffix(l, []byte("\r")))
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}

// lineBuffer holds back an unterminated trailing line between reads. A line
// that grows past followChunk is released as is so memory stays bounded.
type lineBuffer struct {
	partial []byte
}

// feed returns the complete lines in partial+data without their final
// newline, or nil when there is nothing to send yet.
func (b *lineBuffer) feed(data []byte) []byte {
	buf := append(b.partial, data...)
	cut := bytes.LastIndexByte(buf, '\n')
	if cut < 0 {
		if len(buf) >= followChunk {
			b.partial = nil
			return buf
		}
		b.partial = buf
		return nil
	}
	b.partial = append([]byte(nil), buf[cut+1:]...)
	return buf[:cut]
}

func (b *lineBuffer) flush() []byte {
	rest := b.partial
	b.partial = nil
	if len(rest) == 0 {
		return nil
	}
	return rest
}

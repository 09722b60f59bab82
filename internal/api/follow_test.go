package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func dialFollow(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/" + id + "/follow"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{TokenHeader: {testToken}},
	})
	require.NoError(t, err)
	conn.SetReadLimit(1 << 20)
	return conn
}

// readFollow collects streamed lines until the done message arrives.
func readFollow(t *testing.T, conn *websocket.Conn) ([]string, DoneMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lines []string
	for {
		var raw json.RawMessage
		require.NoError(t, wsjson.Read(ctx, conn, &raw))

		var base struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &base))

		switch base.Type {
		case "lines":
			var msg LinesMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			lines = append(lines, msg.Lines...)
		case "done":
			var done DoneMessage
			require.NoError(t, json.Unmarshal(raw, &done))
			return lines, done
		default:
			t.Fatalf("unexpected message type %q", base.Type)
		}
	}
}

func TestFollowJob_StreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, testToken, "echo one\nsleep 0.3\necho two\nprintf 'three'\nexit 3\n")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	resp := env.startAsync(t)
	conn := dialFollow(t, srv, resp.Job.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	lines, done := readFollow(t, conn)

	assert.Equal(t, []string{"one", "two", "three"}, lines)
	assert.Equal(t, resp.Job.ID, done.JobID)
	assert.Equal(t, "failed", string(done.State))
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 3, *done.ExitCode)
}

func TestFollowJob_FinishedJob(t *testing.T) {
	env := newTestEnv(t, testToken, "echo '==> update complete'\n")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	resp := env.startAsync(t)
	env.wait(t, resp.Job.ID)

	conn := dialFollow(t, srv, resp.Job.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	lines, done := readFollow(t, conn)
	assert.Equal(t, []string{"==> update complete"}, lines)
	assert.Equal(t, "succeeded", string(done.State))

	// the server closes the stream after the done message
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestFollowJob_UnknownJob(t *testing.T) {
	env := newTestEnv(t, testToken, "exit 0\n")

	w := env.do("GET", "/jobs/123/follow", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do("GET", "/jobs/abc/follow", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLineBuffer(t *testing.T) {
	var b lineBuffer

	assert.Nil(t, b.feed([]byte("fetch")))
	assert.Equal(t, "fetch ok\nbuild", string(b.feed([]byte(" ok\nbuild\nrest"))))
	assert.Nil(t, b.feed([]byte("art")))
	assert.Equal(t, "restart", string(b.flush()))
	assert.Nil(t, b.flush())
}

func TestLineBuffer_BoundsUnterminatedOutput(t *testing.T) {
	var b lineBuffer
	chunk := []byte(strings.Repeat("x", followChunk/2))

	var released int
	for i := 0; i < 10; i++ {
		out := b.feed(chunk)
		released += len(out)
		assert.Less(t, len(b.partial), followChunk)
	}
	released += len(b.flush())
	assert.Equal(t, 10*len(chunk), released)
}

func TestFollowJob_LongLineWithoutNewline(t *testing.T) {
	size := 3*followChunk + 100
	env := newTestEnv(t, testToken, "head -c "+strconv.Itoa(size)+" /dev/zero | tr '\\0' x\n")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	resp := env.startAsync(t)
	env.wait(t, resp.Job.ID)

	conn := dialFollow(t, srv, resp.Job.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	lines, done := readFollow(t, conn)
	var total int
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 2*followChunk)
		total += len(l)
	}
	assert.Equal(t, size, total)
	assert.Equal(t, "succeeded", string(done.State))
}

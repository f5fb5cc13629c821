package operator

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/espctl/internal/engine"
)

func dialWS(t *testing.T, router Router) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(New(router, nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg string) Reply {
	t.Helper()

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func TestWebSocket_Ops(t *testing.T) {
	router := newFakeRouter(0x01, 0x02)
	router.results[0x02] = []engine.Result{{Command: "temp", Response: "23.5"}}
	conn := dialWS(t, router)

	reply := roundTrip(t, conn, `{"op":"list"}`)
	assert.True(t, reply.OK)
	assert.Len(t, reply.Devices, 2)

	reply = roundTrip(t, conn, `{"op":"has","id":1}`)
	assert.Equal(t, "has", reply.Op)
	assert.True(t, reply.OK)

	reply = roundTrip(t, conn, `{"op":"has","id":7}`)
	assert.False(t, reply.OK)

	reply = roundTrip(t, conn, `{"op":"request","id":1,"command":"led","payload":[1]}`)
	assert.True(t, reply.OK, reply.Error)
	assert.Equal(t, []queued{{"led", 0x01, []byte{1}}}, router.queued())

	reply = roundTrip(t, conn, `{"op":"result","id":2}`)
	require.True(t, reply.OK)
	require.NotNil(t, reply.Result)
	assert.Equal(t, "23.5", reply.Result.Response)

	reply = roundTrip(t, conn, `{"op":"result","id":2}`)
	assert.False(t, reply.OK)
	assert.Nil(t, reply.Result)
}

func TestWebSocket_Errors(t *testing.T) {
	conn := dialWS(t, newFakeRouter(0x01))

	tests := []struct {
		name string
		msg  string
	}{
		{"unknown op", `{"op":"reboot","id":1}`},
		{"missing id", `{"op":"has"}`},
		{"id out of range", `{"op":"has","id":300}`},
		{"unknown device", `{"op":"request","id":9,"command":"led"}`},
		{"bad payload", `{"op":"request","id":1,"command":"led","payload":[999]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := roundTrip(t, conn, tt.msg)
			assert.False(t, reply.OK)
			assert.NotEmpty(t, reply.Error)
		})
	}
}

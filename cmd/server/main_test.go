package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinxiao27/ycrdt/crdt"
	"github.com/kevinxiao27/ycrdt/ysync"
)

type client struct {
	sync.Mutex
	doc *crdt.Doc
}

func (c *client) text(t *testing.T) string {
	c.Lock()
	defer c.Unlock()
	txt, err := c.doc.GetText("t")
	require.NoError(t, err)
	return txt.String()
}

func (c *client) insert(t *testing.T, index int, s string) {
	c.Lock()
	defer c.Unlock()
	txt, err := c.doc.GetText("t")
	require.NoError(t, err)
	require.NoError(t, txt.Insert(index, s, nil))
}

func connect(t *testing.T, ctx context.Context, srv *httptest.Server, room string, clientID uint64) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + room
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &client{doc: crdt.NewDoc(crdt.WithClientID(clientID), crdt.WithClientRegistry(nil))}
	transport := newWSTransport(conn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ysync.NewPeer(c.doc, transport, ysync.WithLocker(c)).Run(ctx)
	}()
	t.Cleanup(func() {
		transport.Close()
		<-done
		c.doc.Destroy()
	})
	return c
}

func getState(t *testing.T, srv *httptest.Server, room string) roomState {
	t.Helper()
	resp, err := http.Get(srv.URL + "/rooms/" + room + "?text=t")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st roomState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestRelayBetweenClients(t *testing.T) {
	srv := httptest.NewServer(NewServer(3, zerolog.Nop()).Router())
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := connect(t, ctx, srv, "notes", 1)
	a.insert(t, 0, "hello")
	b := connect(t, ctx, srv, "notes", 2)

	require.Eventually(t, func() bool { return b.text(t) == "hello" }, 5*time.Second, 10*time.Millisecond)

	for _, s := range []string{" there", "!", "?"} {
		b.insert(t, len(b.text(t)), s)
	}
	require.Eventually(t, func() bool { return a.text(t) == b.text(t) }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return getState(t, srv, "notes").Content["t"] == a.text(t)
	}, 5*time.Second, 10*time.Millisecond)
	st := getState(t, srv, "notes")
	assert.Equal(t, "notes", st.Room)
	assert.Equal(t, 2, st.Peers)
	assert.LessOrEqual(t, st.LogEntries, 3)
	assert.Equal(t, 5, st.StateVector[1])
	assert.Equal(t, 8, st.StateVector[2])
}

func TestHTTPUpdates(t *testing.T) {
	srv := httptest.NewServer(NewServer(0, zerolog.Nop()).Router())
	defer srv.Close()

	local := crdt.NewDoc(crdt.WithClientID(7), crdt.WithClientRegistry(nil))
	defer local.Destroy()
	txt, err := local.GetText("t")
	require.NoError(t, err)
	require.NoError(t, txt.Insert(0, "posted", nil))
	update, err := crdt.EncodeStateAsUpdate(local, nil)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/rooms/r/updates", "application/octet-stream", bytes.NewReader(update))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/rooms/r/updates", "application/octet-stream", bytes.NewReader([]byte{0xff}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	st := getState(t, srv, "r")
	assert.Equal(t, "posted", st.Content["t"])
	assert.Equal(t, 0, st.Peers)

	fresh := crdt.NewDoc(crdt.WithClientRegistry(nil))
	defer fresh.Destroy()
	sv := base64.RawURLEncoding.EncodeToString(crdt.EncodeStateVector(fresh))
	resp, err = http.Get(srv.URL + "/rooms/r/updates?sv=" + sv)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.NoError(t, crdt.ApplyUpdate(fresh, body, nil))
	ftxt, err := fresh.GetText("t")
	require.NoError(t, err)
	assert.Equal(t, "posted", ftxt.String())

	resp, err = http.Get(srv.URL + "/rooms/r/updates?sv=!!")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/muurk/securedfu/internal/dfu"
	"github.com/muurk/securedfu/internal/dfuerr"
)

var _ dfu.Transport = (*Server)(nil)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerConfig{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPath
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// serveOne answers the next command the way the engine would
func serveOne(t *testing.T, srv *Server, answer func(dfu.Command) []dfu.Response) <-chan dfu.Command {
	t.Helper()
	got := make(chan dfu.Command, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmd, err := srv.Receive(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- cmd
		for _, resp := range answer(cmd) {
			srv.Respond(resp)
		}
	}()
	return got
}

func TestCodec_Deterministic(t *testing.T) {
	cmd := dfu.Command{Seq: 7, Op: dfu.OpWriteData, Addr: 0x10088000, Length: 4, Data: []byte{1, 2, 3, 4}}

	a, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := EncodeCommand(cmd)
	if !bytes.Equal(a, b) {
		t.Error("encoding is not deterministic")
	}

	back, err := DecodeCommand(a)
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if diff := cmp.Diff(cmd, back); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}

	if _, err := DecodeCommand([]byte{0xff}); err == nil {
		t.Error("garbage should not decode")
	}
}

func TestClientServer_RoundTrip(t *testing.T) {
	srv, url := startServer(t)
	c := dial(t, url)

	got := serveOne(t, srv, func(cmd dfu.Command) []dfu.Response {
		return []dfu.Response{{
			Seq:    cmd.Seq,
			Op:     cmd.Op,
			Report: &dfu.Report{State: dfu.StateNone, DeviceID: 0xAA55AA55, RowSize: 512},
		}}
	})

	resp, err := c.Do(context.Background(), dfu.Command{Op: dfu.OpGetState})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	cmd := <-got
	if cmd.Op != dfu.OpGetState || cmd.Seq != 1 {
		t.Errorf("device received %+v", cmd)
	}
	if resp.Seq != 1 || resp.Status != dfuerr.StatusSuccess {
		t.Errorf("response = %+v", resp)
	}
	if resp.Report == nil || resp.Report.DeviceID != 0xAA55AA55 {
		t.Errorf("report = %+v", resp.Report)
	}
	if !srv.Connected() {
		t.Error("session should be open")
	}
}

func TestClient_SkipsStaleResponses(t *testing.T) {
	srv, url := startServer(t)
	c := dial(t, url)

	serveOne(t, srv, func(cmd dfu.Command) []dfu.Response {
		return []dfu.Response{
			{Seq: cmd.Seq + 40, Op: dfu.OpErase, Status: dfuerr.StatusAddress},
			{Seq: cmd.Seq, Op: cmd.Op, Data: []byte{0xde, 0xad}},
		}
	})

	resp, err := c.Do(context.Background(), dfu.Command{Op: dfu.OpReadData, Addr: 0x14000000, Length: 2})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.Op != dfu.OpReadData || !bytes.Equal(resp.Data, []byte{0xde, 0xad}) {
		t.Errorf("response = %+v", resp)
	}
}

func TestClient_Timeout(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)
	c.SetTimeout(50 * time.Millisecond)

	// Nobody calls Receive, so no response ever comes
	if _, err := c.Do(context.Background(), dfu.Command{Op: dfu.OpGetState}); err == nil {
		t.Error("Do() should time out")
	}
}

func TestClient_ContextCancel(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Do(ctx, dfu.Command{Op: dfu.OpGetState})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestServer_MalformedFrame(t *testing.T) {
	_, url := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	resp, err := DecodeResponse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Seq != 0 || resp.Status != dfuerr.StatusCommand {
		t.Errorf("response = %+v, want command error with seq 0", resp)
	}
}

func TestServer_OneSessionAtATime(t *testing.T) {
	_, url := startServer(t)
	dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, url, nil)
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("second Dial() error = %v, want HTTP 409", err)
	}
}

func TestServer_StopClosesSession(t *testing.T) {
	srv, url := startServer(t)
	c := dial(t, url)

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := c.Do(context.Background(), dfu.Command{Op: dfu.OpGetState}); err == nil {
		t.Error("Do() after Stop should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("session still open after Stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The endpoint accepts the next host
	dial(t, url)
}

func TestServer_ResetDropsQueuedCommands(t *testing.T) {
	srv := NewServer(ServerConfig{}, nil)
	srv.commands <- dfu.Command{Op: dfu.OpErase}

	if err := srv.Reset(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := srv.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want deadline exceeded", err)
	}
}

func TestServer_ListenAndServeShutsDown(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	dial(t, "ws://"+srv.Addr().String()+DefaultPath)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}

package gateway

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/hub"
	"github.com/joestump/homegate/internal/wire"
)

func TestAuditRecent(t *testing.T) {
	events := hub.New(10)
	events.Publish([]byte(`{"path":"/fs/read"}`))
	events.Publish([]byte(`{"path":"/exec"}`))
	r := newRouter(t, Deps{Level: NewLevelController(access.ReadFiles), Events: events})

	resp := r.Handle(context.Background(), nil, request("GET", "/v1/audit?limit=1", testToken, nil))
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.Status, resp.Body)
	}
	got, _ := decode(t, resp)["events"].([]any)
	if len(got) != 1 || got[0].(map[string]any)["path"] != "/exec" {
		t.Errorf("events = %v", got)
	}
}

func TestAuditFeedNeedsReadLevel(t *testing.T) {
	r := newRouter(t, Deps{Events: hub.New(10)})
	resp := r.Handle(context.Background(), nil, request("GET", "/v1/audit", testToken, nil))
	if resp.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 at chat level", resp.Status)
	}
}

func TestAuditFeedDisabled(t *testing.T) {
	r := newRouter(t, Deps{Level: NewLevelController(access.ReadFiles)})
	resp := r.Handle(context.Background(), nil, request("GET", "/v1/audit", testToken, nil))
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 without a feed", resp.Status)
	}
}

func TestAuditStreamRelaysEvents(t *testing.T) {
	events := hub.New(10)
	events.Publish([]byte(`{"n":"early"}`))
	r := newRouter(t, Deps{Level: NewLevelController(access.ReadFiles), Events: events})

	client, server := net.Pipe()
	result := make(chan *wire.Response, 1)
	go func() {
		result <- r.Handle(context.Background(), server, request("GET", "/v1/audit/stream", testToken, nil))
	}()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(client)
	var seen []string
	published := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v (seen %q)", err, seen)
		}
		if strings.HasPrefix(line, "data: ") {
			seen = append(seen, strings.TrimSpace(strings.TrimPrefix(line, "data: ")))
		}
		if strings.Contains(line, "early") && !published {
			events.Publish([]byte(`{"n":"live"}`))
			published = true
		}
		if strings.Contains(line, "live") {
			break
		}
	}
	_ = client.Close()
	// The next frame fails to write and ends the stream.
	events.Publish([]byte(`{"n":"after"}`))

	select {
	case resp := <-result:
		if resp != nil {
			t.Errorf("stream should return no response, got %d", resp.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after client left")
	}
	if len(seen) != 2 || seen[0] != `{"n":"early"}` || seen[1] != `{"n":"live"}` {
		t.Errorf("frames = %q", seen)
	}
	if n := events.Subscribers(); n != 0 {
		t.Errorf("subscription leaked: %d", n)
	}
}

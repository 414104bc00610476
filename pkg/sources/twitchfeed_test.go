package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

func TestIDWindowDeduplicates(t *testing.T) {
	w := newIDWindow(3)
	assert.True(t, w.add("a"))
	assert.False(t, w.add("a"))
	assert.True(t, w.add("b"))
	assert.True(t, w.add("c"))

	// Capacity reached: adding d evicts a, which then reads as new again.
	assert.True(t, w.add("d"))
	assert.True(t, w.add("a"))
	assert.False(t, w.add("d"))
}

func TestTwitchFeedTranslatesAndDeduplicates(t *testing.T) {
	messages := []string{
		`{"id":"m1","type":"follow","user_id":"u1","user_name":"ada"}`,
		`{"id":"m1","type":"follow","user_id":"u1","user_name":"ada"}`, // redelivery
		`{"id":"m2","type":"sub","user_id":"u2","user_name":"grace","tier":"2000"}`,
		`{"type":"ping"}`,
		`{"id":"m3","type":"chat","user_id":"u3","user_name":"joan","text":"hi"}`,
		`{"id":"m4","type":"redemption","user_id":"u4","user_name":"mary","reward":"hydrate"}`,
		`{"id":"m5","type":"raid_boss"}`, // unknown type
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := req.Context()
		for _, msg := range messages {
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		// The ping must come back as a pong before we hang up.
		_, data, err := conn.Read(ctx)
		if err == nil {
			assert.JSONEq(t, `{"type":"pong"}`, string(data))
		}
	}))
	defer srv.Close()

	b := bus.New()
	sub := b.Subscribe("twitch.*")
	defer sub.Close()

	feed := NewTwitchFeed(srv.URL, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	wantTypes := []string{
		models.EventTwitchFollow,
		models.EventTwitchSub,
		models.EventTwitchChat,
		models.EventTwitchRedemption,
	}
	for _, want := range wantTypes {
		select {
		case env := <-sub.C():
			assert.Equal(t, want, env.Type)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	// The duplicate follow and the unknown type produce nothing further.
	select {
	case env := <-sub.C():
		t.Fatalf("unexpected envelope: %s", env.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTwitchFeedPayloadFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		msg := `{"id":"m1","type":"sub","user_id":"u9","user_name":"elaine","tier":"3000","months":12,"is_gift":true}`
		_ = conn.Write(req.Context(), websocket.MessageText, []byte(msg))
		<-req.Context().Done()
	}))
	defer srv.Close()

	b := bus.New()
	sub := b.Subscribe(models.EventTwitchSub)
	defer sub.Close()

	feed := NewTwitchFeed(srv.URL, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	select {
	case env := <-sub.C():
		p := env.Payload.(*models.SubPayload)
		require.Equal(t, "elaine", p.UserName)
		assert.Equal(t, "3000", p.Tier)
		assert.Equal(t, 12, p.Months)
		assert.True(t, p.IsGift)
	case <-ctx.Done():
		t.Fatal("timed out waiting for sub envelope")
	}
}

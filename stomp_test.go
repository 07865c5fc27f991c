package yourmaster

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

func TestFrameRoundTrip(t *testing.T) {
	f := frame.New(frame.SEND,
		frame.Destination, "/app/chat",
		frame.ContentType, "application/json",
	)
	f.Body = []byte(`{"chatId":"c1","content":"hi"}`)

	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("SEND\n")) || data[len(data)-1] != 0 {
		t.Fatalf("unexpected wire form %q", data)
	}

	frames, err := decodeFrames(data)
	if err != nil {
		t.Fatalf("decodeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	got := frames[0]
	if got.Command != frame.SEND || got.Header.Get(frame.Destination) != "/app/chat" {
		t.Errorf("unexpected frame %s %v", got.Command, got.Header)
	}
	if string(got.Body) != string(f.Body) {
		t.Errorf("body = %q", got.Body)
	}
}

func TestDecodeFrames(t *testing.T) {
	t.Run("heart-beat only", func(t *testing.T) {
		frames, err := decodeFrames([]byte("\n"))
		if err != nil || len(frames) != 0 {
			t.Fatalf("got %d frames, err %v", len(frames), err)
		}
	})

	t.Run("several frames in one message", func(t *testing.T) {
		a, _ := encodeFrame(frame.New(frame.MESSAGE, frame.Destination, "/topic/chat/1", frame.Subscription, "sub-1"))
		b, _ := encodeFrame(frame.New(frame.RECEIPT, frame.ReceiptId, "r-1"))
		frames, err := decodeFrames(append(append(a, '\n'), b...))
		if err != nil {
			t.Fatalf("decodeFrames: %v", err)
		}
		if len(frames) != 2 || frames[0].Command != frame.MESSAGE || frames[1].Command != frame.RECEIPT {
			t.Fatalf("unexpected frames %v", frames)
		}
	})
}

func TestConnectFrame(t *testing.T) {
	f := connectFrame("api.yourmaster.app", "tok", 10*time.Second)
	if f.Command != frame.CONNECT {
		t.Fatalf("command = %s", f.Command)
	}
	if got := f.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if got := f.Header.Get(frame.HeartBeat); got != "10000,10000" {
		t.Errorf("heart-beat = %q", got)
	}
	if got := f.Header.Get(frame.Host); got != "api.yourmaster.app" {
		t.Errorf("host = %q", got)
	}

	anon := connectFrame("h", "", -1)
	if _, ok := anon.Header.Contains("Authorization"); ok {
		t.Error("anonymous CONNECT carries Authorization")
	}
	if got := anon.Header.Get(frame.HeartBeat); got != "0,0" {
		t.Errorf("disabled heart-beat = %q", got)
	}
}

func TestNegotiatedHeartbeat(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
		expect time.Duration
	}{
		{"server slower", "20000,20000", 10 * time.Second, 20 * time.Second},
		{"server faster", "1000,1000", 10 * time.Second, 10 * time.Second},
		{"server disabled", "0,0", 10 * time.Second, 0},
		{"client disabled", "10000,10000", -1, 0},
		{"missing", "", 10 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := frame.New(frame.CONNECTED, frame.Version, "1.2")
			if tt.header != "" {
				f.Header.Set(frame.HeartBeat, tt.header)
			}
			if got := negotiatedHeartbeat(f, tt.want); got != tt.expect {
				t.Errorf("got %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestNormalizeTopic(t *testing.T) {
	for in, want := range map[string]string{
		"/topic/chat/1":    "/topic/chat/1",
		"/topic/chat/1/":   "/topic/chat/1",
		"topic/chat/1":     "/topic/chat/1",
		" /user/queue/x ": "/user/queue/x",
	} {
		if got := normalizeTopic(in); got != want {
			t.Errorf("normalizeTopic(%q) = %q, want %q", in, got, want)
		}
	}
}

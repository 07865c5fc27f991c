package yourmaster

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// Each WebSocket text message carries STOMP frames; a message holding only
// line feeds is a heart-beat.

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrames returns every frame in one WebSocket message. Heart-beats
// yield no frames.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, fmt.Errorf("decode frame: %w", err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func connectFrame(host, token string, heartbeat time.Duration) *frame.Frame {
	hb := "0,0"
	if heartbeat > 0 {
		ms := strconv.FormatInt(heartbeat.Milliseconds(), 10)
		hb = ms + "," + ms
	}
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, host,
		frame.HeartBeat, hb,
	)
	if token != "" {
		f.Header.Set("Authorization", "Bearer "+token)
	}
	return f
}

// negotiatedHeartbeat returns how often the server promised to send
// something, or zero when it will not.
func negotiatedHeartbeat(connected *frame.Frame, want time.Duration) time.Duration {
	hb := connected.Header.Get(frame.HeartBeat)
	parts := strings.SplitN(hb, ",", 2)
	if len(parts) != 2 || want <= 0 {
		return 0
	}
	sx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || sx == 0 {
		return 0
	}
	server := time.Duration(sx) * time.Millisecond
	if server < want {
		return want
	}
	return server
}

// normalizeTopic canonicalizes a destination so "/topic/chat/1/" and
// "topic/chat/1" share one subscription.
func normalizeTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	topic = strings.TrimRight(topic, "/")
	if !strings.HasPrefix(topic, "/") {
		topic = "/" + topic
	}
	return topic
}

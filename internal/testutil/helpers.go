// Package testutil holds fixtures shared by package tests: PCM
// generators, humanoid rigs and a scripted websocket server.
package testutil

import (
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/cortexvrm/internal/motion"
)

// GenerateTestPCM returns 16-bit little-endian mono PCM: a sine of the
// given amplitude (0..1) at 440 Hz, or silence for amplitude 0.
func GenerateTestPCM(t *testing.T, duration time.Duration, sampleRate int, amplitude float64) []byte {
	t.Helper()
	n := int(duration.Seconds() * float64(sampleRate))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// StandardBones is the humanoid set most motions target.
var StandardBones = []motion.HumanBone{
	motion.BoneHips, motion.BoneSpine, motion.BoneChest, motion.BoneNeck, motion.BoneHead,
	motion.BoneLeftUpperArm, motion.BoneLeftLowerArm, motion.BoneLeftHand,
	motion.BoneRightUpperArm, motion.BoneRightLowerArm, motion.BoneRightHand,
	motion.BoneLeftUpperLeg, motion.BoneLeftLowerLeg, motion.BoneLeftFoot,
	motion.BoneRightUpperLeg, motion.BoneRightLowerLeg, motion.BoneRightFoot,
}

// HumanoidRig returns a rig with identity rests for bones, or for
// StandardBones when none are given.
func HumanoidRig(bones ...motion.HumanBone) *motion.Rig {
	if len(bones) == 0 {
		bones = StandardBones
	}
	return motion.NewRig(bones...)
}

// Frame is one websocket message.
type Frame struct {
	Kind int
	Data []byte
}

// Text reports whether the frame is a text frame.
func (f Frame) Text() bool { return f.Kind == websocket.TextMessage }

// WSServer is a websocket endpoint for transport tests. Script runs once
// per accepted connection; frames the client sends are recorded.
type WSServer struct {
	*httptest.Server

	mu       sync.Mutex
	received []Frame
	paths    []string
	conns    chan *websocket.Conn
}

// NewWSServer starts a server running script for every connection. A nil
// script keeps the connection open and records frames until the client
// goes away.
func NewWSServer(t *testing.T, script func(conn *websocket.Conn)) *WSServer {
	t.Helper()
	s := &WSServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.RequestURI())
		s.mu.Unlock()
		s.conns <- conn

		go s.record(conn)
		if script != nil {
			script(conn)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *WSServer) record(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, Frame{Kind: kind, Data: data})
		s.mu.Unlock()
	}
}

// URL returns the ws:// address of the server.
func (s *WSServer) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Received returns the frames sent by clients so far.
func (s *WSServer) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.received))
	copy(out, s.received)
	return out
}

// Paths returns the request URIs of accepted connections.
func (s *WSServer) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Conn waits for the next accepted connection.
func (s *WSServer) Conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

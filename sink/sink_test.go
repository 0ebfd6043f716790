package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/test"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/transport/channel"
	"go.dedis.ch/framerelay/types"
)

func listen(t *testing.T, tr *channel.Transport, address string) *channel.Listener {
	l, err := tr.Listen(address)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func recvMessage(t *testing.T, sock *channel.Socket) types.Message {
	data, err := sock.Recv(time.Second)
	require.NoError(t, err)

	msg, err := types.UnmarshalMessage(data)
	require.NoError(t, err)

	return msg
}

func TestBroadcastSink_Scenario(t *testing.T) {
	tr := channel.NewTransport()
	l := listen(t, tr, "hub")

	var mu sync.Mutex
	var events []types.Message

	s := NewBroadcastSink(tr, "hub",
		WithLogger(zerolog.Nop()),
		WithEventHandler(func(msg types.Message) {
			mu.Lock()
			events = append(events, msg)
			mu.Unlock()
		}))

	require.NoError(t, s.Open(context.Background()))

	server, err := l.Accept(time.Second)
	require.NoError(t, err)

	hello, err := types.MarshalMessage(types.BroadcasterConnectedMessage{Viewers: 2})
	require.NoError(t, err)
	require.NoError(t, server.Send(hello, time.Second))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	frame := types.NewFrame([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, types.EncodingJPEG)
	frame.Width = 4
	frame.Height = 3
	require.NoError(t, s.Deliver(frame, time.Second))

	msg := recvMessage(t, server)
	video, ok := msg.(*types.VideoFrameMessage)
	require.True(t, ok)
	require.Equal(t, 4, video.Width)

	decoded, err := video.Frame()
	require.NoError(t, err)
	require.Equal(t, frame.Data, decoded.Data)

	require.NoError(t, s.Close())
	require.Error(t, s.Close())
}

func TestBroadcastSink_Broken(t *testing.T) {
	tr := channel.NewTransport()
	l := listen(t, tr, "hub")

	s := NewBroadcastSink(tr, "hub", WithLogger(zerolog.Nop()))
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	server, err := l.Accept(time.Second)
	require.NoError(t, err)
	require.NoError(t, server.Close())

	frame := types.NewFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9}, types.EncodingJPEG)

	require.Eventually(t, func() bool {
		return s.Deliver(frame, 10*time.Millisecond) != nil
	}, time.Second, 10*time.Millisecond)

	err = s.Deliver(frame, 10*time.Millisecond)
	require.Equal(t, impl.KindTransientIO, impl.KindOf(err))
}

func TestBroadcastSink_DialFailure(t *testing.T) {
	s := NewBroadcastSink(channel.NewTransport(), "nowhere", WithLogger(zerolog.Nop()))
	require.Error(t, s.Open(context.Background()))
	require.NoError(t, s.Close())
}

// fakePlayer records the replies it is asked to play.
type fakePlayer struct {
	sync.Mutex
	played [][]byte
}

func (p *fakePlayer) Play(pcm []byte) error {
	p.Lock()
	defer p.Unlock()

	p.played = append(p.played, pcm)
	return nil
}

func (p *fakePlayer) get() [][]byte {
	p.Lock()
	defer p.Unlock()

	return append([][]byte{}, p.played...)
}

func sendMessage(t *testing.T, sock *channel.Socket, msg types.Message) {
	data, err := types.MarshalMessage(msg)
	require.NoError(t, err)
	require.NoError(t, sock.Send(data, time.Second))
}

func TestVoiceSink_Scenario(t *testing.T) {
	tr := channel.NewTransport()
	l := listen(t, tr, "realtime")

	session := types.RealtimeSession{
		Voice:             "alloy",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &types.TurnDetection{Type: "server_vad"},
	}

	player := &fakePlayer{}

	s := NewVoiceSink(tr, "realtime", session, player, WithLogger(zerolog.Nop()))
	require.NoError(t, s.Open(context.Background()))

	server, err := l.Accept(time.Second)
	require.NoError(t, err)

	msg := recvMessage(t, server)
	update, ok := msg.(*types.SessionUpdateMessage)
	require.True(t, ok)
	require.Equal(t, "pcm16", update.Session.OutputAudioFormat)
	require.Equal(t, "server_vad", update.Session.TurnDetection.Type)

	chunk := types.NewFrame([]byte{0x01, 0x00, 0xFF, 0xFF}, types.EncodingPCM16)
	require.NoError(t, s.Deliver(chunk, time.Second))

	msg = recvMessage(t, server)
	appendMsg, ok := msg.(*types.AudioAppendMessage)
	require.True(t, ok)
	require.Equal(t, base64.StdEncoding.EncodeToString(chunk.Data), appendMsg.Audio)

	// video can't go to the voice API
	err = s.Deliver(types.NewFrame([]byte{0xFF}, types.EncodingJPEG), time.Second)
	require.True(t, impl.IsMalformed(err))

	require.NoError(t, s.EndTurn(time.Second))

	require.Equal(t, "input_audio_buffer.commit", recvMessage(t, server).Name())
	require.Equal(t, "response.create", recvMessage(t, server).Name())

	// the reply is played once complete
	sendMessage(t, server, types.ResponseAudioDeltaMessage{Delta: base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})})
	sendMessage(t, server, types.ResponseTranscriptDoneMessage{Transcript: "hello"})
	sendMessage(t, server, types.ResponseAudioDeltaMessage{Delta: base64.StdEncoding.EncodeToString([]byte{0x03, 0x04})})
	sendMessage(t, server, types.ResponseAudioDoneMessage{})

	require.Eventually(t, func() bool {
		return len(player.get()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, player.get()[0])

	require.NoError(t, s.Close())
	require.Error(t, s.Close())

	require.ErrorIs(t, s.EndTurn(time.Second), transport.ErrClosed)
}

func TestVoiceSink_Events(t *testing.T) {
	tr := channel.NewTransport()
	l := listen(t, tr, "realtime")

	var mu sync.Mutex
	var events []types.Message

	s := NewVoiceSink(tr, "realtime", types.RealtimeSession{}, nil,
		WithLogger(zerolog.Nop()),
		WithEventHandler(func(msg types.Message) {
			mu.Lock()
			events = append(events, msg)
			mu.Unlock()
		}))

	require.ErrorIs(t, s.EndTurn(time.Second), transport.ErrClosed)

	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	server, err := l.Accept(time.Second)
	require.NoError(t, err)
	require.Equal(t, "session.update", recvMessage(t, server).Name())

	sendMessage(t, server, types.ErrorMessage{Error: types.RealtimeError{Type: "invalid_request_error", Message: "nope"}})
	sendMessage(t, server, types.ResponseAudioDeltaMessage{Delta: "%%%"})
	sendMessage(t, server, types.ResponseAudioDoneMessage{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	errMsg, ok := events[0].(*types.ErrorMessage)
	mu.Unlock()
	require.True(t, ok)
	require.Equal(t, "nope", errMsg.Error.Message)

	// the server going away breaks the next turn
	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		return s.EndTurn(10*time.Millisecond) != nil
	}, time.Second, 10*time.Millisecond)
}

func TestSnapshotSink_Every(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snaps")

	s := NewSnapshotSink(dir, 2)
	require.NoError(t, s.Open(context.Background()))

	for i := uint64(1); i <= 5; i++ {
		frame := types.NewFrame([]byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}, types.EncodingJPEG)
		frame.Seq = i
		require.NoError(t, s.Deliver(frame, time.Second))
	}

	require.Equal(t, uint64(3), s.Saved())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Contains(t, entries[0].Name(), "frame_000001_")
	require.Equal(t, ".jpg", filepath.Ext(entries[0].Name()))

	require.NoError(t, s.Close())
}

func TestFuncSink(t *testing.T) {
	var got []uint64
	s := FuncSink(func(f types.Frame) error {
		got = append(got, f.Seq)
		return nil
	})

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Deliver(types.Frame{Seq: 7}, time.Second))
	require.NoError(t, s.Close())
	require.Equal(t, []uint64{7}, got)
}

func TestDisplaySink_Scenario(t *testing.T) {
	app := test.NewApp()
	defer app.Quit()

	d := NewDisplaySink(app, "camera", fyne.NewSize(320, 240))
	require.NoError(t, d.Open(context.Background()))

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 5)), nil))

	require.NoError(t, d.Deliver(types.NewFrame(buf.Bytes(), types.EncodingJPEG), time.Second))
	require.Equal(t, uint64(1), d.Shown())
	require.Equal(t, 10, d.image.Image.Bounds().Dx())

	err := d.Deliver(types.NewFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9}, types.EncodingJPEG), time.Second)
	require.True(t, impl.IsMalformed(err))

	err = d.Deliver(types.NewFrame([]byte{0x1A}, types.EncodingWebM), time.Second)
	require.True(t, impl.IsMalformed(err))
	require.Equal(t, uint64(1), d.Shown())

	require.NoError(t, d.Close())
	require.Error(t, d.Close())

	err = d.Deliver(types.NewFrame(buf.Bytes(), types.EncodingJPEG), time.Second)
	require.Equal(t, impl.KindTransientIO, impl.KindOf(err))
}

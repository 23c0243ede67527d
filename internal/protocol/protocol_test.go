package protocol

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, []byte{}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFraming_RejectsOversizedPrefix(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFraming_TruncatedPayload(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 8, 'a', 'b'})
	_, err := ReadFrame(buf)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestCodecs_DetectMessage(t *testing.T) {
	for _, name := range []string{"msgpack", "cbor"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)

			frame := types.NewFrame(2, 1)
			copy(frame.Pix, []byte{1, 2, 3, 4, 5, 6, 7, 8})
			frame.TraceID = "t-1"

			msg := Detect(7, frame, 0.5, []string{"apple", "milk carton"})
			data, err := codec.Marshal(&msg)
			require.NoError(t, err)

			var got Message
			require.NoError(t, codec.Unmarshal(data, &got))
			assert.Equal(t, KindDetect, got.Type)
			assert.Equal(t, uint64(7), got.RequestID)
			assert.Equal(t, 0.5, got.Threshold)
			assert.Equal(t, []string{"apple", "milk carton"}, got.CandidateLabels)

			f := got.TakeFrame()
			require.NotNil(t, f)
			assert.Equal(t, 2, f.Width)
			assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, f.Pix)
			assert.Equal(t, "t-1", f.TraceID)
			f.Release()
			frame.Release()
		})
	}
}

func TestCodecByName_Unknown(t *testing.T) {
	_, err := CodecByName("protobuf")
	assert.Error(t, err)
}

func TestPipe_OrderAndOwnership(t *testing.T) {
	client, engine := Pipe()
	defer client.Close()

	frame := types.NewFrame(1, 1)
	require.NoError(t, client.Send(LoadModel(1, types.ModelIdentity{ModelID: "m", Task: types.TaskSingleLabel})))
	require.NoError(t, client.Send(Detect(2, frame, 0.4, nil)))
	require.NoError(t, client.Send(UnloadModel()))

	first, err := engine.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindLoadModel, first.Type)

	second, err := engine.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindDetect, second.Type)
	got := second.TakeFrame()
	assert.Same(t, frame, got, "in-process transfer must not copy the frame")
	assert.False(t, got.Released())
	got.Release()

	third, err := engine.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindUnloadModel, third.Type)
}

func TestPipe_CloseUnblocksAndReleases(t *testing.T) {
	client, engine := Pipe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := client.Recv()
		assert.ErrorIs(t, err, ErrClosed)
	}()

	require.NoError(t, engine.Close())
	wg.Wait()

	frame := types.NewFrame(1, 1)
	err := client.Send(Detect(1, frame, 0.5, nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, frame.Released(), "frame must be released when send fails")
}

func TestPipe_CloseReleasesQueuedFrames(t *testing.T) {
	client, engine := Pipe()

	toEngine := types.NewFrame(1, 1)
	toClient := types.NewFrame(1, 1)
	require.NoError(t, client.Send(Detect(1, toEngine, 0.5, nil)))
	require.NoError(t, engine.Send(Detect(2, toClient, 0.5, nil)))
	require.NoError(t, client.Send(UnloadModel()))

	require.NoError(t, client.Close())
	assert.True(t, toEngine.Released(), "queued frame towards the engine must be released")
	assert.True(t, toClient.Released(), "queued frame towards the client must be released")

	_, err := engine.Recv()
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, engine.Close())
}

func TestStreamConn_ReleasesFrameAfterEncode(t *testing.T) {
	var buf bytes.Buffer
	sender := NewStreamConn(nil, &buf, nil, MsgpackCodec{})
	receiver := NewStreamConn(&buf, nil, nil, MsgpackCodec{})

	frame := types.NewFrame(1, 1)
	require.NoError(t, sender.Send(Detect(3, frame, 0.5, nil)))
	assert.True(t, frame.Released())

	msg, err := receiver.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), msg.RequestID)

	_, err = receiver.Recv()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestStreamConn_SendAfterClose(t *testing.T) {
	var buf bytes.Buffer
	c := NewStreamConn(nil, &buf, nil, nil)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(UnloadModel()), ErrClosed)
	assert.Zero(t, buf.Len())
}

package detector

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniconvert/internal/apperr"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
	"uniconvert/internal/service/session"
)

func newTestDetector(t *testing.T, maxBytes int64) (*Detector, *session.Store) {
	t.Helper()
	store := session.New(session.Options{
		Fs:             afero.NewMemMapFs(),
		UploadDir:      "/uploads",
		OutputDir:      "/outputs",
		MaxUploadBytes: maxBytes,
		Logger:         logging.Discard(),
	})
	return New(formats.NewRegistry(), store, logging.Discard()), store
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestDetectCreatesSession(t *testing.T) {
	d, store := newTestDetector(t, 0)
	body := encodePNG(t, 8, 8)

	res, err := d.Detect(context.Background(), bytes.NewReader(body), "photo.png", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "png", res.Format)
	assert.Equal(t, "image", res.Type)
	assert.Equal(t, int64(len(body)), res.Size)
	assert.NotContains(t, res.ValidTargets, "png")
	assert.Contains(t, res.ValidTargets, "jpg")

	rec, err := store.Input(res.SessionID, res.Filename)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), rec.Size, "head and tail must both be stored")
}

func TestDetectEmptyFileFails(t *testing.T) {
	d, store := newTestDetector(t, 0)
	_, err := d.Detect(context.Background(), bytes.NewReader(nil), "empty.png", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindDetectionFailed, apperr.KindOf(err))
	assert.Zero(t, store.Stats().Sessions, "no workspace may be created")
}

func TestDetectUnknownFormatLeavesSessionUntouched(t *testing.T) {
	d, store := newTestDetector(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)

	blob := []byte{0x00, 0x01, 0x02, 0x03, 0xFE, 0xFF, 0x00, 0x10}
	_, err = d.Detect(context.Background(), bytes.NewReader(blob), "blob.bin", id)
	assert.Equal(t, apperr.KindDetectionFailed, apperr.KindOf(err))

	sess, err := store.Session(id)
	require.NoError(t, err)
	assert.Empty(t, sess.Inputs)
}

func TestDetectUnknownSession(t *testing.T) {
	d, _ := newTestDetector(t, 0)
	_, err := d.Detect(context.Background(), strings.NewReader("hello"), "a.txt", "3b241101-e2bb-4255-8caf-4136c566a962")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestDetectTooLargeDestroysNewSession(t *testing.T) {
	d, store := newTestDetector(t, 16)
	_, err := d.Detect(context.Background(), strings.NewReader(strings.Repeat("a", 64)), "big.txt", "")
	assert.Equal(t, apperr.KindPayloadTooLarge, apperr.KindOf(err))
	assert.Zero(t, store.Stats().Sessions)
}

func TestDetectBatch(t *testing.T) {
	d, store := newTestDetector(t, 0)
	uploads := []Upload{
		{Name: "a.png", Open: opener(encodePNG(t, 2, 2))},
		{Name: "empty.txt", Open: opener(nil)},
		{Name: "notes.md", Open: opener([]byte("# hi\n\ntext\n"))},
	}
	res, err := d.DetectBatch(context.Background(), uploads, "")
	require.NoError(t, err)
	require.Len(t, res.Files, 3)
	assert.True(t, res.Files[0].Success)
	assert.False(t, res.Files[1].Success)
	assert.Equal(t, string(apperr.KindDetectionFailed), res.Files[1].Error.Kind)
	assert.True(t, res.Files[2].Success)
	assert.Equal(t, res.SessionID, res.Files[2].Result.SessionID, "one session per batch")
	assert.Equal(t, []string{"pdf", "txt"}, res.CommonTargets)

	sess, err := store.Session(res.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Inputs, 2)
}

func opener(data []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

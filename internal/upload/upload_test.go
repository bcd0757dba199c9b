package upload

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examguard/internal/report"
	"examguard/internal/session"
	"examguard/internal/store"
	"examguard/internal/vault"
)

const sessionID = "6f1c1b9e-1111-4c3a-9d5e-000000000001"

func fixture(t *testing.T) (session.ExamSession, *vault.Vault, []byte) {
	t.Helper()
	v, err := vault.Create(t.TempDir(), sessionID)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	ref, err := v.EncryptBytes("snapshots/a.jpg.enc", []byte("jpeg-bytes"))
	require.NoError(t, err)
	vid, err := v.EncryptBytes("videos/scan.mp4.enc", []byte("mp4-bytes"))
	require.NoError(t, err)

	ts := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s := session.ExamSession{
		SessionID: sessionID,
		ExamID:    "exam-1",
		StudentID: "stu-1",
		StartTime: ts,
		Status:    session.StatusCompleted,
		Snapshots: []session.MediaSnapshot{
			{ID: "a", Timestamp: ts, FilePath: ref.Path, Reason: session.ReasonNoFace, Size: ref.Size, UploadStatus: session.UploadPending},
		},
		BackCameraVideo: &session.MediaVideo{ID: "scan", Timestamp: ts, FilePath: vid.Path, Size: vid.Size},
	}
	rep, err := report.Marshal(report.Generate(s, report.DefaultPolicy(), ts))
	require.NoError(t, err)
	return s, v, rep
}

// =============================================================================
// Tests for Build and Encode
// =============================================================================

func TestBuildReferencesOnly(t *testing.T) {
	s, v, rep := fixture(t)
	sub, errs := Build(s, rep, v, BuildOptions{})
	assert.Empty(t, errs)
	require.Len(t, sub.Media, 2)
	assert.Equal(t, "a.jpg.enc", sub.Media[0].Filename)
	assert.Equal(t, MediaJPEG, sub.Media[0].MediaType)
	assert.Nil(t, sub.Media[0].Bytes)
	assert.True(t, sub.Media[0].Encrypted)
	assert.Equal(t, MediaMP4, sub.Media[1].MediaType)

	data, err := Encode(sub)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"bytes"`)
}

func TestBuildEmbedsEnvelopes(t *testing.T) {
	s, v, rep := fixture(t)
	sub, errs := Build(s, rep, v, BuildOptions{IncludeMedia: true})
	require.Empty(t, errs)

	env, err := v.ReadEncrypted(s.Snapshots[0].FilePath)
	require.NoError(t, err)
	assert.Equal(t, env, sub.Media[0].Bytes)
	assert.NotContains(t, string(sub.Media[0].Bytes), "jpeg-bytes")

	_, err = Encode(sub)
	assert.NoError(t, err)
}

func TestBuildEmbedsPlaintext(t *testing.T) {
	s, v, rep := fixture(t)
	sub, errs := Build(s, rep, v, BuildOptions{IncludeMedia: true, Decrypt: true})
	require.Empty(t, errs)
	assert.Equal(t, []byte("jpeg-bytes"), sub.Media[0].Bytes)
	assert.Equal(t, []byte("mp4-bytes"), sub.Media[1].Bytes)
	assert.False(t, sub.Media[0].Encrypted)
	assert.Equal(t, int64(len("jpeg-bytes")), sub.Media[0].Size)
}

func TestBuildMissingMediaFallsBackToReference(t *testing.T) {
	s, v, rep := fixture(t)
	s.Snapshots[0].FilePath = "snapshots/missing.jpg.enc"
	sub, errs := Build(s, rep, v, BuildOptions{IncludeMedia: true})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], vault.ErrIO)
	assert.Nil(t, sub.Media[0].Bytes)
	assert.NotNil(t, sub.Media[1].Bytes)
}

func TestEncodeRejectsInvalidReport(t *testing.T) {
	s, v, _ := fixture(t)
	sub, _ := Build(s, []byte(`{"version":7}`), v, BuildOptions{})
	_, err := Encode(sub)
	assert.Error(t, err)
}

// =============================================================================
// Tests for RedisSink
// =============================================================================

type fakePusher struct {
	mu     sync.Mutex
	pushed map[string][]string
	err    error
}

func (f *fakePusher) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	if f.pushed == nil {
		f.pushed = make(map[string][]string)
	}
	for _, v := range values {
		f.pushed[key] = append(f.pushed[key], string(v.([]byte)))
	}
	return redis.NewIntResult(int64(len(f.pushed[key])), nil)
}

func TestRedisSinkPushesEncodedSubmission(t *testing.T) {
	s, v, rep := fixture(t)
	sub, _ := Build(s, rep, v, BuildOptions{})

	p := &fakePusher{}
	sink := NewRedisSink(p, "persist_proctoring_queue", time.Second, nil)
	require.NoError(t, sink.Upload(context.Background(), sub))

	require.Len(t, p.pushed["persist_proctoring_queue"], 1)
	var got Submission
	require.NoError(t, json.Unmarshal([]byte(p.pushed["persist_proctoring_queue"][0]), &got))
	assert.Equal(t, sessionID, got.SessionID)
	assert.Len(t, got.Media, 2)
}

func TestRedisSinkError(t *testing.T) {
	s, v, rep := fixture(t)
	sub, _ := Build(s, rep, v, BuildOptions{})
	sink := NewRedisSink(&fakePusher{err: errors.New("connection refused")}, "q", 0, nil)
	assert.ErrorContains(t, sink.Upload(context.Background(), sub), "connection refused")
}

// =============================================================================
// Tests for Dispatcher
// =============================================================================

func openIndex(t *testing.T, s session.ExamSession) *store.Store {
	t.Helper()
	idx, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	require.NoError(t, idx.UpsertSession(store.RecordFromSession(s, "/tmp", nil)))
	return idx
}

func TestDispatcherRecordsSuccess(t *testing.T) {
	s, v, rep := fixture(t)
	sub, _ := Build(s, rep, v, BuildOptions{})
	idx := openIndex(t, s)

	var calls int
	d := NewDispatcher(UploaderFunc(func(context.Context, Submission) error {
		calls++
		return nil
	}), idx, nil)
	require.NoError(t, d.Submit(context.Background(), sub))
	assert.Equal(t, 1, calls)

	ups, err := idx.UploadsForSession(sessionID)
	require.NoError(t, err)
	require.Len(t, ups, 3)
	for _, u := range ups {
		assert.Equal(t, session.UploadUploaded, u.Status, u.MediaID)
	}
	assert.Equal(t, store.UploadVideo, ups[2].Kind)
}

func TestDispatcherFailureThenRetry(t *testing.T) {
	s, v, rep := fixture(t)
	sub, _ := Build(s, rep, v, BuildOptions{})
	idx := openIndex(t, s)

	fail := true
	d := NewDispatcher(UploaderFunc(func(context.Context, Submission) error {
		if fail {
			return errors.New("backend down")
		}
		return nil
	}), idx, nil)

	require.Error(t, d.Submit(context.Background(), sub))
	pending, err := idx.PendingUploads(0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	fail = false
	n, err := d.RetryPending(context.Background(), func(_ context.Context, id string) (Submission, error) {
		assert.Equal(t, sessionID, id)
		return sub, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = idx.PendingUploads(0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryPendingLeavesSkippedSessions(t *testing.T) {
	s, v, rep := fixture(t)
	sub, _ := Build(s, rep, v, BuildOptions{})
	idx := openIndex(t, s)

	other := s
	other.SessionID = "6f1c1b9e-1111-4c3a-9d5e-000000000002"
	require.NoError(t, idx.UpsertSession(store.RecordFromSession(other, "/tmp", nil)))
	otherSub := sub
	otherSub.SessionID = other.SessionID

	fail := true
	d := NewDispatcher(UploaderFunc(func(context.Context, Submission) error {
		if fail {
			return errors.New("backend down")
		}
		return nil
	}), idx, nil)
	require.Error(t, d.Submit(context.Background(), sub))
	require.Error(t, d.Submit(context.Background(), otherSub))

	fail = false
	n, err := d.RetryPending(context.Background(), func(_ context.Context, id string) (Submission, error) {
		if id != sessionID {
			return Submission{}, ErrSkip
		}
		return sub, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := idx.PendingUploads(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, p := range pending {
		assert.Equal(t, other.SessionID, p.SessionID)
	}
}

func TestDispatcherWithoutUploader(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	assert.ErrorIs(t, d.Submit(context.Background(), Submission{}), ErrDisabled)
	n, err := d.RetryPending(context.Background(), nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

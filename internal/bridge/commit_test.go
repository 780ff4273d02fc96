package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/s2s/mock"
)

// ulawFrame returns one 20 ms caller frame of constant non-silent audio.
func ulawFrame() audio.AudioFrame {
	data := make([]byte, audio.TelephonyFrameSamples)
	for i := range data {
		data[i] = 0x20
	}
	return audio.AudioFrame{Data: data, SampleRate: audio.TelephonySampleRate, Encoding: audio.EncodingMuLaw}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *mock.Session) {
	t.Helper()
	sess := mock.NewSession()
	t.Cleanup(func() { _ = sess.Close() })
	cfg = cfg.WithDefaults()
	conv := audio.NewFormatConverter(audio.Format{SampleRate: 16000, Encoding: audio.EncodingPCM16}, nil)
	return NewScheduler(sess, conv, cfg), sess
}

func TestScheduler_CommitsEveryThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, sess := newTestScheduler(t, Config{CommitThreshold: 10})

	for i := 1; i <= 9; i++ {
		out, err := s.Append(ctx, ulawFrame())
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if out.Committed {
			t.Fatalf("committed after %d frames, want 10", i)
		}
		if s.Pending() != i {
			t.Errorf("Pending() = %d after %d frames", s.Pending(), i)
		}
	}
	if got := sess.Count(mock.DirectiveCommit); got != 0 {
		t.Fatalf("commits before threshold = %d, want 0", got)
	}

	out, err := s.Append(ctx, ulawFrame())
	if err != nil {
		t.Fatalf("Append 10: %v", err)
	}
	if !out.Appended || !out.Committed {
		t.Errorf("10th frame outcome = %+v, want appended and committed", out)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d after commit, want 0", s.Pending())
	}

	for range 10 {
		if _, err := s.Append(ctx, ulawFrame()); err != nil {
			t.Fatal(err)
		}
	}
	if got := sess.Count(mock.DirectiveCommit); got != 2 {
		t.Errorf("commits after 20 frames = %d, want 2", got)
	}
	if got := sess.Count(mock.DirectiveAppend); got != 20 {
		t.Errorf("appends = %d, want 20", got)
	}
}

func TestScheduler_ConvertsToRemoteFormat(t *testing.T) {
	t.Parallel()
	s, sess := newTestScheduler(t, Config{})

	if _, err := s.Append(context.Background(), ulawFrame()); err != nil {
		t.Fatal(err)
	}
	chunks := sess.Audio()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	// 160 mu-law samples at 8 kHz become 320 pcm16 samples at 16 kHz.
	if len(chunks[0]) != 640 {
		t.Errorf("chunk length = %d bytes, want 640", len(chunks[0]))
	}
}

func TestScheduler_NeverCommitsEmptyBuffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, sess := newTestScheduler(t, Config{CommitThreshold: 1})

	for range 3 {
		out, err := s.MaybeCommit(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if out.Committed {
			t.Fatal("committed with nothing appended")
		}
	}

	if _, err := s.Append(ctx, ulawFrame()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MaybeCommit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sess.Count(mock.DirectiveCommit); got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}
}

func TestScheduler_SkipsEmptyFrames(t *testing.T) {
	t.Parallel()
	s, sess := newTestScheduler(t, Config{CommitThreshold: 1})

	out, err := s.Append(context.Background(), audio.AudioFrame{
		SampleRate: audio.TelephonySampleRate,
		Encoding:   audio.EncodingMuLaw,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != (Outcome{}) {
		t.Errorf("outcome = %+v, want zero", out)
	}
	if d := sess.Directives(); len(d) != 0 {
		t.Errorf("directives = %v, want none", d)
	}
}

func TestScheduler_FailedSendIsNotCounted(t *testing.T) {
	t.Parallel()
	s, sess := newTestScheduler(t, Config{CommitThreshold: 2})
	sess.SendAudioErr = errors.New("write failed")

	_, err := s.Append(context.Background(), ulawFrame())
	if err == nil {
		t.Fatal("expected error")
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}

func TestScheduler_FirstCommitRequestsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, sess := newTestScheduler(t, Config{
		CommitThreshold: 2,
		ResponseTrigger: TriggerFirstCommit,
		Response:        s2s.ResponseRequest{Instructions: "greet the caller"},
	})

	var requested int
	for range 10 {
		out, err := s.Append(ctx, ulawFrame())
		if err != nil {
			t.Fatal(err)
		}
		if out.Requested {
			requested++
		}
		// Responses finishing must not re-arm the first-commit trigger.
		s.OnResponseDone()
	}

	if requested != 1 {
		t.Errorf("requested %d responses, want 1", requested)
	}
	want := []s2s.ResponseRequest{{
		Modalities:   []string{"audio", "text"},
		Instructions: "greet the caller",
	}}
	if diff := cmp.Diff(want, sess.Responses()); diff != "" {
		t.Errorf("responses mismatch (-want +got):\n%s", diff)
	}
	wantOrder := []string{
		mock.DirectiveAppend, mock.DirectiveAppend, mock.DirectiveCommit, mock.DirectiveResponse,
	}
	if diff := cmp.Diff(wantOrder, sess.Directives()[:4]); diff != "" {
		t.Errorf("directive order mismatch (-want +got):\n%s", diff)
	}
	if !s.Greeted() {
		t.Error("Greeted() = false after response")
	}
}

func TestScheduler_FirstCommitWaitsForServerResponse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, sess := newTestScheduler(t, Config{CommitThreshold: 1})

	s.OnResponseCreated()
	out, err := s.Append(ctx, ulawFrame())
	if err != nil {
		t.Fatal(err)
	}
	if out.Requested {
		t.Fatal("requested a response while one was in flight")
	}

	s.OnResponseDone()
	out, err = s.Append(ctx, ulawFrame())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Requested {
		t.Error("no response requested after the server response finished")
	}
	if got := sess.Count(mock.DirectiveResponse); got != 1 {
		t.Errorf("responses = %d, want 1", got)
	}
}

func TestScheduler_ReadyTrigger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, sess := newTestScheduler(t, Config{CommitThreshold: 1, ResponseTrigger: TriggerReady})

	out, err := s.OnReady(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Requested {
		t.Fatal("OnReady did not request a response")
	}
	s.OnResponseDone()

	if out, _ := s.OnReady(ctx); out.Requested {
		t.Error("second OnReady requested again")
	}
	if out, _ := s.Append(ctx, ulawFrame()); out.Requested {
		t.Error("commit requested a response under the ready trigger")
	}
	if got := sess.Count(mock.DirectiveResponse); got != 1 {
		t.Errorf("responses = %d, want 1", got)
	}
}

func TestScheduler_TurnEndTrigger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, sess := newTestScheduler(t, Config{CommitThreshold: 1, ResponseTrigger: TriggerTurnEnd})

	if out, _ := s.OnReady(ctx); out.Requested {
		t.Error("OnReady requested under the turn_end trigger")
	}
	if out, _ := s.OnTurnEnd(ctx); !out.Requested {
		t.Fatal("first turn end did not request")
	}
	if out, _ := s.OnTurnEnd(ctx); out.Requested {
		t.Error("requested while the previous response was in flight")
	}
	s.OnResponseDone()
	if out, _ := s.OnTurnEnd(ctx); !out.Requested {
		t.Error("turn end after completion did not request")
	}
	if got := sess.Count(mock.DirectiveResponse); got != 2 {
		t.Errorf("responses = %d, want 2", got)
	}
}

func TestScheduler_CreateResponseErrorLeavesLatchOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, sess := newTestScheduler(t, Config{ResponseTrigger: TriggerReady})
	sess.CreateResponseErr = errors.New("socket closed")

	if _, err := s.OnReady(ctx); err == nil {
		t.Fatal("expected error")
	}
	if s.Greeted() {
		t.Error("Greeted() = true after failed request")
	}
}

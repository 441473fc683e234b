package kws_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/node/kws"
	kwsmock "github.com/MrWong99/micarray/pkg/provider/kws/mock"
	"github.com/MrWong99/micarray/pkg/provider/vad"
	vadmock "github.com/MrWong99/micarray/pkg/provider/vad/mock"
)

const blockSamples = 128 // 8 ms at 16 kHz; the mock spotter consumes 512

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func block(seq uint64, dir int) audio.Frame {
	pcm := make([]int16, blockSamples)
	for i := range pcm {
		pcm[i] = int16(i)
	}
	return audio.Frame{
		Data:       audio.Bytes(pcm),
		SampleRate: 16000,
		Channels:   1,
		Seq:        seq,
		Direction:  dir,
	}
}

func open(t *testing.T, n *kws.Node) {
	t.Helper()
	if _, err := n.Open(context.Background(), mono16k); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

// run feeds blocks first..last and returns the hotword index of every
// output frame by seq.
func run(t *testing.T, n *kws.Node, first, last uint64) map[uint64]int {
	t.Helper()
	hits := make(map[uint64]int)
	for seq := first; seq <= last; seq++ {
		out, err := n.Process(context.Background(), block(seq, audio.DirectionUnknown))
		if err != nil {
			t.Fatalf("Process(%d): %v", seq, err)
		}
		if out.Seq != seq {
			t.Fatalf("output seq = %d, want %d", out.Seq, seq)
		}
		if out.Hotword != 0 {
			hits[seq] = out.Hotword
		}
	}
	return hits
}

func TestDisabledPassesThrough(t *testing.T) {
	t.Parallel()

	n, err := kws.New(nil, kws.Config{EnableKWS: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	open(t, n)
	in := block(0, audio.DirectionUnknown)
	out, err := n.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(out.Data) != string(in.Data) || out.Hotword != 0 {
		t.Errorf("output differs from input or carries hotword %d", out.Hotword)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := kws.New(nil, kws.Config{EnableKWS: true}); err == nil {
		t.Error("New(nil spotter, kws enabled) succeeded, want error")
	}
	if _, err := kws.New(&kwsmock.Spotter{}, kws.Config{EnableKWS: true, Sensitivity: 1.5}); err == nil {
		t.Error("New(sensitivity 1.5) succeeded, want error")
	}
}

func TestNewWithEngine(t *testing.T) {
	t.Parallel()

	eng := &kwsmock.Engine{}
	cfg := kws.Config{
		ResourcePath: "resources/common.res",
		ModelPath:    "a.umdl, b.umdl",
		Sensitivity:  0.5,
		EnableKWS:    true,
	}
	if _, err := kws.NewWithEngine(eng, cfg, "key"); err != nil {
		t.Fatalf("NewWithEngine: %v", err)
	}
	if len(eng.NewSpotterCalls) != 1 {
		t.Fatalf("NewSpotter calls = %d, want 1", len(eng.NewSpotterCalls))
	}
	got := eng.NewSpotterCalls[0].Cfg
	if len(got.ModelPaths) != 2 || got.ModelPaths[1] != "b.umdl" || got.AccessKey != "key" {
		t.Errorf("spotter config = %+v, want 2 model paths and access key", got)
	}

	eng.NewSpotterErr = errors.New("no license")
	if _, err := kws.NewWithEngine(eng, cfg, ""); err == nil {
		t.Error("NewWithEngine with failing engine succeeded, want error")
	}
}

func TestOpenRateMismatch(t *testing.T) {
	t.Parallel()

	n, err := kws.New(&kwsmock.Spotter{SampleRateValue: 8000}, kws.Config{EnableKWS: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := n.Open(context.Background(), mono16k); !errors.Is(err, kws.ErrRateMismatch) {
		t.Errorf("Open err = %v, want ErrRateMismatch", err)
	}
}

func TestDetection(t *testing.T) {
	t.Parallel()

	sp := &kwsmock.Spotter{Detections: map[int]int{2: 1}}
	n, err := kws.New(sp, kws.Config{EnableKWS: true, Sensitivity: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	open(t, n)
	if got := n.State(); got != kws.StateIdle {
		t.Errorf("State after Open = %v, want IDLE", got)
	}

	hits := run(t, n, 0, 15)
	if len(hits) != 1 || hits[11] != 1 {
		t.Errorf("hotword frames = %v, want map[11:1]", hits)
	}
	if got := sp.ProcessCalls(); got != 4 {
		t.Errorf("spotter calls = %d, want 4", got)
	}
	if got := n.State(); got != kws.StateArmed {
		t.Errorf("State = %v, want ARMED", got)
	}
	if got := n.Detections(); got != 1 {
		t.Errorf("Detections = %d, want 1", got)
	}

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sp.CloseCallCount != 1 {
		t.Errorf("spotter Close calls = %d, want 1", sp.CloseCallCount)
	}
}

func TestCooldown(t *testing.T) {
	t.Parallel()

	// Spotter calls happen on blocks 3, 7, 11, 15. The cooldown covers
	// blocks 4 through 11.
	sp := &kwsmock.Spotter{Detections: map[int]int{0: 1, 1: 2, 2: 2, 3: 3}}
	n, err := kws.New(sp, kws.Config{EnableKWS: true, CooldownBlocks: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	open(t, n)

	hits := run(t, n, 0, 7)
	if got := n.State(); got != kws.StateCooldown {
		t.Errorf("State during cooldown = %v, want COOLDOWN", got)
	}
	for seq, idx := range run(t, n, 8, 15) {
		hits[seq] = idx
	}
	if len(hits) != 2 || hits[3] != 1 || hits[15] != 3 {
		t.Errorf("hotword frames = %v, want map[3:1 15:3]", hits)
	}
}

func TestManualRearm(t *testing.T) {
	t.Parallel()

	sp := &kwsmock.Spotter{Detections: map[int]int{0: 1, 1: 2, 2: 3}}
	n, err := kws.New(sp, kws.Config{EnableKWS: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.DisableAutoStateTransfer()
	open(t, n)

	hits := run(t, n, 0, 7)
	if len(hits) != 1 || hits[3] != 1 {
		t.Errorf("hotword frames = %v, want map[3:1]", hits)
	}
	if got := n.State(); got != kws.StateDetected {
		t.Fatalf("State = %v, want DETECTED", got)
	}

	n.Rearm()
	if got := n.State(); got != kws.StateArmed {
		t.Fatalf("State after Rearm = %v, want ARMED", got)
	}
	hits = run(t, n, 8, 11)
	if hits[11] != 3 {
		t.Errorf("hotword frames after Rearm = %v, want map[11:3]", hits)
	}
}

func TestSpotterError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	n, err := kws.New(&kwsmock.Spotter{ProcessErr: boom}, kws.Config{EnableKWS: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	open(t, n)
	var perr error
	for seq := range uint64(4) {
		if _, perr = n.Process(context.Background(), block(seq, 0)); perr != nil {
			break
		}
	}
	if !errors.Is(perr, boom) {
		t.Errorf("Process err = %v, want %v", perr, boom)
	}
}

func TestVADGate(t *testing.T) {
	t.Parallel()

	silence := vad.VADEvent{Type: vad.VADSilence}
	sess := &vadmock.Session{
		Script:      []vad.VADEvent{silence, silence, silence, silence},
		EventResult: vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 0.9},
	}
	eng := &vadmock.Engine{Session: sess}
	sp := &kwsmock.Spotter{Detections: map[int]int{0: 2}}
	n, err := kws.New(sp, kws.Config{EnableKWS: true}, kws.WithVAD(eng, vad.Config{SpeechThreshold: 0.5}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	open(t, n)

	hits := run(t, n, 0, 7)
	if got := sp.ProcessCalls(); got != 1 {
		t.Errorf("spotter calls = %d, want 1", got)
	}
	if hits[7] != 2 {
		t.Errorf("hotword frames = %v, want map[7:2]", hits)
	}
	if len(eng.NewSessionCalls) != 1 {
		t.Fatalf("NewSession calls = %d, want 1", len(eng.NewSessionCalls))
	}
	cfg := eng.NewSessionCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.FrameSizeMs != 8 {
		t.Errorf("vad config = %+v, want 16000 Hz 8 ms", cfg)
	}
	if sess.ResetCallCount != 1 {
		t.Errorf("vad Reset calls = %d, want 1", sess.ResetCallCount)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("vad Close calls = %d, want 1", sess.CloseCallCount)
	}
}

func TestDirectionUnderclocking(t *testing.T) {
	t.Parallel()

	n, err := kws.New(nil, kws.Config{UnderclockingCount: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	open(t, n)

	want := []int{0, 0, 0, 0, 40, 40, 40, 40, 80}
	for seq := range uint64(len(want)) {
		out, err := n.Process(context.Background(), block(seq, int(seq)*10))
		if err != nil {
			t.Fatalf("Process(%d): %v", seq, err)
		}
		if out.Direction != want[seq] {
			t.Errorf("seq %d direction = %d, want %d", seq, out.Direction, want[seq])
		}
	}
	if got := n.Direction(); got != 80 {
		t.Errorf("Direction = %d, want 80", got)
	}
}

type fixedDirection struct{ deg int }

func (f *fixedDirection) Direction() int { return f.deg }

func (f *fixedDirection) SetDirection(deg int) error {
	f.deg = deg
	return nil
}

func TestDirectionTarget(t *testing.T) {
	t.Parallel()

	target := &fixedDirection{deg: 45}
	n, err := kws.New(nil, kws.Config{}, kws.WithDirectionTarget(target))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := n.Direction(); got != 45 {
		t.Errorf("Direction = %d, want 45", got)
	}
	if err := n.SetDirection(200); err != nil {
		t.Fatalf("SetDirection: %v", err)
	}
	if target.deg != 200 {
		t.Errorf("target direction = %d, want 200", target.deg)
	}

	plain, _ := kws.New(nil, kws.Config{})
	if err := plain.SetDirection(400); err == nil {
		t.Error("SetDirection(400) succeeded, want error")
	}
}

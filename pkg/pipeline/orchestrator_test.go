package pipeline_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/pipeline"
	"github.com/MrWong99/micarray/pkg/pipeline/mock"
)

const blockPeriod = 8 * time.Millisecond

// buildChain registers src -> procs... and returns the refs of the processors.
func buildChain(t *testing.T, o *pipeline.Orchestrator, src pipeline.Source, procs ...pipeline.Processor) []pipeline.Ref[pipeline.Processor] {
	t.Helper()
	head, err := pipeline.RegisterChainByHead(o, src)
	if err != nil {
		t.Fatalf("RegisterChainByHead: %v", err)
	}
	var refs []pipeline.Ref[pipeline.Processor]
	for i, p := range procs {
		var ref pipeline.Ref[pipeline.Processor]
		if i == 0 {
			ref, err = pipeline.Uplink(o, p, head)
		} else {
			ref, err = pipeline.Uplink(o, p, refs[i-1])
		}
		if err != nil {
			t.Fatalf("Uplink(%s): %v", p.Name(), err)
		}
		refs = append(refs, ref)
	}
	return refs
}

func waitDone(t *testing.T, o *pipeline.Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not finish within 5s")
	}
}

func TestOrderedDelivery(t *testing.T) {
	t.Parallel()
	const n = 200
	src := &mock.Source{Frames: n}
	p1 := &mock.Processor{NameValue: "p1"}
	p2 := &mock.Processor{NameValue: "p2"}
	o := pipeline.New(pipeline.WithQueueCapacity(4))
	buildChain(t, o, src, p1, p2)

	if err := o.Start(pipeline.NewStopToken()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	ctx := context.Background()
	for want := range uint64(n) {
		det, err := o.DetectHotword(ctx)
		if err != nil {
			t.Fatalf("DetectHotword #%d: %v", want, err)
		}
		if det.Seq != want {
			t.Fatalf("Seq = %d, want %d", det.Seq, want)
		}
		if got := mock.SeqOf(det.Data); got != want {
			t.Fatalf("payload seq = %d, want %d", got, want)
		}
		if det.Hotword != 0 {
			t.Fatalf("Hotword = %d, want 0", det.Hotword)
		}
	}
	if _, err := o.DetectHotword(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("DetectHotword after exhaustion = %v, want io.EOF", err)
	}
}

func TestStartStopLeavesNoWorkers(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Period: time.Millisecond}
	o := pipeline.New()
	buildChain(t, o, src, &mock.Processor{}, &mock.Processor{})

	stop := pipeline.NewStopToken()
	if err := o.Start(stop); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := o.Running(); got != 3 {
		t.Errorf("Running = %d, want 3", got)
	}
	for range 5 {
		if _, err := o.DetectHotword(context.Background()); err != nil {
			t.Fatalf("DetectHotword: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- o.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within 2s")
	}

	if got := o.Running(); got != 0 {
		t.Errorf("Running after Stop = %d, want 0", got)
	}
	if !stop.Stopped() {
		t.Error("Stop did not fire the stop token")
	}
	if got := src.CloseCalls.Load(); got != 1 {
		t.Errorf("source Close calls = %d, want 1", got)
	}
	if err := o.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
	if got := src.CloseCalls.Load(); got != 1 {
		t.Errorf("source Close calls after second Stop = %d, want 1", got)
	}
	if _, err := o.DetectHotword(context.Background()); !errors.Is(err, pipeline.ErrStopped) {
		t.Errorf("DetectHotword after Stop = %v, want ErrStopped", err)
	}
	if err := o.Start(pipeline.NewStopToken()); !errors.Is(err, pipeline.ErrAlreadyStarted) {
		t.Errorf("re-Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopTokenUnblocksPoll(t *testing.T) {
	t.Parallel()
	// The source never produces a frame within the test.
	src := &mock.Source{Period: time.Hour}
	o := pipeline.New()
	buildChain(t, o, src, &mock.Processor{})

	stop := pipeline.NewStopToken()
	if err := o.Start(stop); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	type result struct {
		err     error
		elapsed time.Duration
	}
	res := make(chan result, 1)
	var fired time.Time
	var mu sync.Mutex
	go func() {
		_, err := o.DetectHotword(context.Background())
		mu.Lock()
		defer mu.Unlock()
		res <- result{err: err, elapsed: time.Since(fired)}
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	fired = time.Now()
	stop.Stop()
	mu.Unlock()

	select {
	case r := <-res:
		if !errors.Is(r.err, pipeline.ErrStopped) {
			t.Fatalf("DetectHotword = %v, want ErrStopped", r.err)
		}
		if r.elapsed > blockPeriod+200*time.Millisecond {
			t.Errorf("poll returned %v after stop, want within one block period plus slack", r.elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DetectHotword still blocked 2s after stop")
	}

	waitDone(t, o)
	if got := o.Running(); got != 0 {
		t.Errorf("Running = %d, want 0", got)
	}
}

func TestDetectHotwordContextCancel(t *testing.T) {
	t.Parallel()
	o := pipeline.New()
	buildChain(t, o, &mock.Source{Period: time.Hour})
	if err := o.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := o.DetectHotword(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("DetectHotword = %v, want DeadlineExceeded", err)
	}
}

func TestStartFailureClosesOpenedNodes(t *testing.T) {
	t.Parallel()
	openErr := errors.New("device busy")
	src := &mock.Source{}
	p1 := &mock.Processor{NameValue: "ok"}
	p2 := &mock.Processor{NameValue: "broken", OpenErr: openErr}
	o := pipeline.New()
	buildChain(t, o, src, p1, p2)

	err := o.Start(pipeline.NewStopToken())
	if !errors.Is(err, openErr) {
		t.Fatalf("Start = %v, want wrapped %v", err, openErr)
	}
	if src.CloseCalls.Load() != 1 || p1.CloseCalls.Load() != 1 {
		t.Errorf("close calls = %d/%d, want 1/1", src.CloseCalls.Load(), p1.CloseCalls.Load())
	}
	if p2.CloseCalls.Load() != 0 {
		t.Errorf("failed node closed %d times, want 0", p2.CloseCalls.Load())
	}
	if got := o.Running(); got != 0 {
		t.Errorf("Running = %d, want 0", got)
	}
	if _, err := o.DetectHotword(context.Background()); !errors.Is(err, pipeline.ErrNotStarted) {
		t.Errorf("DetectHotword = %v, want ErrNotStarted", err)
	}
	if err := o.Stop(); !errors.Is(err, pipeline.ErrNotStarted) {
		t.Errorf("Stop = %v, want ErrNotStarted", err)
	}
}

func TestFormatNegotiation(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Format: audio.Format{SampleRate: 16000, Channels: 8}, Frames: 1}
	bf := &mock.Processor{OutFormat: audio.Format{SampleRate: 16000, Channels: 4}}
	o := pipeline.New()
	buildChain(t, o, src, bf)

	if o.NumOutputChannels() != 0 || o.OutputRate() != 0 {
		t.Error("output format should be zero before Start")
	}
	if err := o.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()
	if bf.InFormat.Channels != 8 {
		t.Errorf("processor input channels = %d, want 8", bf.InFormat.Channels)
	}
	if o.NumOutputChannels() != 4 || o.OutputRate() != 16000 {
		t.Errorf("output = %d ch %d Hz, want 4 ch 16000 Hz", o.NumOutputChannels(), o.OutputRate())
	}
	det, err := o.DetectHotword(context.Background())
	if err != nil {
		t.Fatalf("DetectHotword: %v", err)
	}
	if det.Channels != 4 || det.SampleRate != 16000 {
		t.Errorf("detection format = %d ch %d Hz, want 4 ch 16000 Hz", det.Channels, det.SampleRate)
	}
}

func TestRegistrationErrors(t *testing.T) {
	t.Parallel()
	o := pipeline.New()
	if err := o.Start(nil); !errors.Is(err, pipeline.ErrNoHead) {
		t.Errorf("Start without head = %v, want ErrNoHead", err)
	}

	head, err := pipeline.RegisterChainByHead(o, &mock.Source{})
	if err != nil {
		t.Fatalf("RegisterChainByHead: %v", err)
	}
	if _, err := pipeline.RegisterChainByHead(o, &mock.Source{}); !errors.Is(err, pipeline.ErrHeadExists) {
		t.Errorf("second head = %v, want ErrHeadExists", err)
	}
	if _, err := pipeline.Uplink(o, &mock.Processor{}, head); err != nil {
		t.Fatalf("Uplink: %v", err)
	}
	if _, err := pipeline.Uplink(o, &mock.Processor{}, head); !errors.Is(err, pipeline.ErrAlreadyLinked) {
		t.Errorf("branching Uplink = %v, want ErrAlreadyLinked", err)
	}

	other := pipeline.New()
	foreign, err := pipeline.RegisterChainByHead(other, &mock.Source{})
	if err != nil {
		t.Fatalf("RegisterChainByHead(other): %v", err)
	}
	if _, err := pipeline.Uplink(o, &mock.Processor{}, foreign); !errors.Is(err, pipeline.ErrNotInChain) {
		t.Errorf("foreign Uplink = %v, want ErrNotInChain", err)
	}
	if err := pipeline.RegisterOutputNode(o, foreign); !errors.Is(err, pipeline.ErrNotInChain) {
		t.Errorf("foreign RegisterOutputNode = %v, want ErrNotInChain", err)
	}
	var zero pipeline.Ref[*mock.Detector]
	if err := pipeline.RegisterHotwordDetectionNode(o, zero); !errors.Is(err, pipeline.ErrNotInChain) {
		t.Errorf("zero-ref RegisterHotwordDetectionNode = %v, want ErrNotInChain", err)
	}
}

func TestRoles(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Frames: 6}
	det := &mock.Detector{Triggers: map[uint64]int{3: 2}}
	o := pipeline.New()
	head, err := pipeline.RegisterChainByHead(o, src)
	if err != nil {
		t.Fatalf("RegisterChainByHead: %v", err)
	}
	ref, err := pipeline.Uplink(o, det, head)
	if err != nil {
		t.Fatalf("Uplink: %v", err)
	}
	if ref.Node() != det {
		t.Error("Ref.Node did not return the registered node")
	}
	if err := pipeline.RegisterOutputNode(o, ref); err != nil {
		t.Fatalf("RegisterOutputNode: %v", err)
	}
	if err := pipeline.RegisterDirectionManagerNode(o, ref); err != nil {
		t.Fatalf("RegisterDirectionManagerNode: %v", err)
	}
	if err := pipeline.RegisterHotwordDetectionNode(o, ref); err != nil {
		t.Fatalf("RegisterHotwordDetectionNode: %v", err)
	}

	if got := o.Direction(); got != audio.DirectionUnknown {
		t.Errorf("Direction before set = %d, want %d", got, audio.DirectionUnknown)
	}
	// Setting a direction before Start is allowed.
	if err := o.SetDirection(120); err != nil {
		t.Fatalf("SetDirection: %v", err)
	}

	if err := o.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	if err := pipeline.RegisterOutputNode(o, ref); !errors.Is(err, pipeline.ErrAlreadyStarted) {
		t.Errorf("RegisterOutputNode after Start = %v, want ErrAlreadyStarted", err)
	}

	for seq := range uint64(6) {
		d, err := o.DetectHotword(context.Background())
		if err != nil {
			t.Fatalf("DetectHotword: %v", err)
		}
		want := 0
		if seq == 3 {
			want = 2
		}
		if d.Hotword != want {
			t.Errorf("seq %d: Hotword = %d, want %d", seq, d.Hotword, want)
		}
		if d.Detected() != (want > 0) {
			t.Errorf("seq %d: Detected = %v", seq, d.Detected())
		}
		if d.Direction != 120 {
			t.Errorf("seq %d: Direction = %d, want 120", seq, d.Direction)
		}
	}
	o.Rearm()
	if det.Rearms() != 1 {
		t.Errorf("Rearms = %d, want 1", det.Rearms())
	}
	if got := o.Direction(); got != 120 {
		t.Errorf("Direction = %d, want 120", got)
	}
}

func TestNoRoleDefaults(t *testing.T) {
	t.Parallel()
	o := pipeline.New()
	buildChain(t, o, &mock.Source{Frames: 1})
	if err := o.SetDirection(10); !errors.Is(err, pipeline.ErrNoDirectionNode) {
		t.Errorf("SetDirection = %v, want ErrNoDirectionNode", err)
	}
	o.Rearm()
	if o.Direction() != audio.DirectionUnknown {
		t.Errorf("Direction = %d, want unknown", o.Direction())
	}
}

func TestNodeErrorEndsRun(t *testing.T) {
	t.Parallel()
	procErr := errors.New("dsp blew up")
	obs := &countingObserver{}
	o := pipeline.New(pipeline.WithObserver(obs))
	buildChain(t, o, &mock.Source{}, &mock.Processor{ProcessErr: procErr, ErrAtSeq: 5})
	if err := o.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	var err error
	for range 100 {
		if _, err = o.DetectHotword(context.Background()); err != nil {
			break
		}
	}
	if !errors.Is(err, procErr) {
		t.Fatalf("DetectHotword = %v, want wrapped %v", err, procErr)
	}
	if obs.errorCount() != 1 {
		t.Errorf("observed errors = %d, want 1", obs.errorCount())
	}
}

func TestOutputNodeWithDownstream(t *testing.T) {
	t.Parallel()
	const n = 20
	src := &mock.Source{Frames: n}
	mid := &mock.Processor{NameValue: "mid"}
	tail := &mock.Processor{NameValue: "tail"}
	o := pipeline.New()
	refs := buildChain(t, o, src, mid, tail)
	if err := pipeline.RegisterOutputNode(o, refs[0]); err != nil {
		t.Fatalf("RegisterOutputNode: %v", err)
	}
	if err := o.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	for want := range uint64(n) {
		d, err := o.DetectHotword(context.Background())
		if err != nil {
			t.Fatalf("DetectHotword: %v", err)
		}
		if d.Seq != want {
			t.Fatalf("Seq = %d, want %d", d.Seq, want)
		}
	}
	waitDone(t, o)
	if got := len(tail.Processed()); got != n {
		t.Errorf("tail processed %d frames, want %d", got, n)
	}
}

func TestHotwordNodeBehindOutputRejected(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Frames: 4}
	mid := &mock.Processor{NameValue: "mid"}
	det := &mock.Detector{Triggers: map[uint64]int{2: 1}}
	o := pipeline.New()
	head, err := pipeline.RegisterChainByHead(o, src)
	if err != nil {
		t.Fatalf("RegisterChainByHead: %v", err)
	}
	midRef, err := pipeline.Uplink(o, mid, head)
	if err != nil {
		t.Fatalf("Uplink(mid): %v", err)
	}
	detRef, err := pipeline.Uplink(o, det, midRef)
	if err != nil {
		t.Fatalf("Uplink(det): %v", err)
	}
	if err := pipeline.RegisterOutputNode(o, midRef); err != nil {
		t.Fatalf("RegisterOutputNode: %v", err)
	}
	if err := pipeline.RegisterHotwordDetectionNode(o, detRef); err != nil {
		t.Fatalf("RegisterHotwordDetectionNode: %v", err)
	}

	if err := o.Start(nil); !errors.Is(err, pipeline.ErrHotwordDownstream) {
		t.Fatalf("Start = %v, want ErrHotwordDownstream", err)
	}
	if got := src.OpenCalls.Load(); got != 0 {
		t.Errorf("source opened %d times, want 0", got)
	}

	// Moving the output behind the detector makes the layout valid.
	if err := pipeline.RegisterOutputNode(o, detRef); err != nil {
		t.Fatalf("RegisterOutputNode: %v", err)
	}
	if err := o.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()
	for seq := range uint64(4) {
		d, err := o.DetectHotword(context.Background())
		if err != nil {
			t.Fatalf("DetectHotword: %v", err)
		}
		if d.Detected() != (seq == 2) {
			t.Errorf("seq %d: Hotword = %d", seq, d.Hotword)
		}
	}
}

func TestQueueDepths(t *testing.T) {
	t.Parallel()
	const n = 10
	o := pipeline.New()
	refs := buildChain(t, o, &mock.Source{NameValue: "collector", Frames: n}, &mock.Processor{NameValue: "kws"})
	if o.QueueDepths() != nil {
		t.Error("QueueDepths before Start should be nil")
	}
	if err := o.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()
	waitDone(t, o)

	if got := pipeline.QueueDepth(o, refs[0]); got != n {
		t.Errorf("QueueDepth(kws) = %d, want %d", got, n)
	}
	stats := o.QueueDepths()
	if len(stats) != 2 || stats[0].Node != "collector" || stats[1].Node != "kws" {
		t.Fatalf("QueueDepths = %+v", stats)
	}
	if stats[0].Depth != 0 || stats[1].Depth != n {
		t.Errorf("depths = %d/%d, want 0/%d", stats[0].Depth, stats[1].Depth, n)
	}
}

func TestObserverCountsFrames(t *testing.T) {
	t.Parallel()
	const n = 15
	obs := &countingObserver{}
	o := pipeline.New(pipeline.WithObserver(obs))
	buildChain(t, o, &mock.Source{NameValue: "src", Frames: n}, &mock.Processor{NameValue: "proc"})
	if err := o.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()
	waitDone(t, o)
	if got := obs.frames("src"); got != n {
		t.Errorf("src frames = %d, want %d", got, n)
	}
	if got := obs.frames("proc"); got != n {
		t.Errorf("proc frames = %d, want %d", got, n)
	}
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
	errs   int
}

func (c *countingObserver) FrameProcessed(node string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[node]++
}

func (c *countingObserver) NodeError(string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs++
}

func (c *countingObserver) frames(node string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[node]
}

func (c *countingObserver) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/micarray/pkg/pipeline"
)

func TestStopToken(t *testing.T) {
	t.Parallel()
	tok := pipeline.NewStopToken()
	if tok.Stopped() {
		t.Fatal("new token reports stopped")
	}
	select {
	case <-tok.Done():
		t.Fatal("Done closed before Stop")
	default:
	}
	tok.Stop()
	tok.Stop()
	if !tok.Stopped() {
		t.Fatal("Stopped = false after Stop")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestStopTokenStopOn(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	tok := pipeline.NewStopToken()
	tok.StopOn(ctx)
	cancel()
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("token did not fire after context cancel")
	}
}

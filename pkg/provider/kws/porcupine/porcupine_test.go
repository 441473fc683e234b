package porcupine_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/micarray/pkg/provider/kws"
	"github.com/MrWong99/micarray/pkg/provider/kws/porcupine"
)

func TestNewSpotterValidation(t *testing.T) {
	t.Parallel()
	eng := porcupine.New()

	if _, err := eng.NewSpotter(kws.Config{Keywords: []string{"alexa"}}); !errors.Is(err, porcupine.ErrMissingAccessKey) {
		t.Errorf("NewSpotter without key = %v, want ErrMissingAccessKey", err)
	}
	if _, err := eng.NewSpotter(kws.Config{AccessKey: "k"}); !errors.Is(err, kws.ErrNoKeywords) {
		t.Errorf("NewSpotter without keywords = %v, want ErrNoKeywords", err)
	}
	if _, err := eng.NewSpotter(kws.Config{AccessKey: "k", Keywords: []string{"not a keyword"}}); err == nil {
		t.Error("expected error for unknown built-in keyword")
	}
}
